package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/telemetry"
)

// ErrBusy is returned by Trigger when the run queue has no room.
var ErrBusy = errors.New("run queue is full")

// Enqueuer is the producer side of the run queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, item ingest.PollItem) error
	TryEnqueue(item ingest.PollItem) error
}

// Scheduler submits poll runs on their intervals and on demand.
type Scheduler struct {
	catalog *Catalog
	queue   Enqueuer
	runs    ingest.RunStore
	ids     ingest.IDGenerator
	clock   ingest.Clock
	logger  *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(
	catalog *Catalog,
	queue Enqueuer,
	runs ingest.RunStore,
	ids ingest.IDGenerator,
	clock ingest.Clock,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		catalog: catalog,
		queue:   queue,
		runs:    runs,
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("scheduler"),
	}
}

// Trigger queues one run of the named poll without blocking.
func (s *Scheduler) Trigger(ctx context.Context, name string) (ingest.RunRecord, error) {
	poll, err := s.catalog.Get(name)
	if err != nil {
		return ingest.RunRecord{}, err
	}
	return s.submit(ctx, poll, func(item ingest.PollItem) error {
		return s.queue.TryEnqueue(item)
	})
}

// Run submits every poll with an interval once immediately and then on each
// tick, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, poll := range s.catalog.List() {
		if poll.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(p Poll) {
			defer wg.Done()
			s.loop(ctx, p)
		}(poll)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, poll Poll) {
	ticker := time.NewTicker(poll.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.submit(ctx, poll, func(item ingest.PollItem) error {
			return s.queue.Enqueue(ctx, item)
		}); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduled run not submitted", zap.String("poll", poll.Name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) submit(ctx context.Context, poll Poll, enqueue func(ingest.PollItem) error) (ingest.RunRecord, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return ingest.RunRecord{}, fmt.Errorf("new run id: %w", err)
	}
	now := s.clock.Now()
	run := ingest.RunRecord{
		ID:        id,
		Poll:      poll.Name,
		Tenant:    poll.Tenant,
		Status:    ingest.RunStatusQueued,
		Submitted: now,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return ingest.RunRecord{}, fmt.Errorf("create run: %w", err)
	}
	if err := enqueue(ingest.PollItem{RunID: id, Poll: poll.Name, Submitted: now.UnixNano()}); err != nil {
		run.Status = ingest.RunStatusFailed
		run.ErrorText = "not queued: " + err.Error()
		finished := s.clock.Now()
		run.Finished = &finished
		if uerr := s.runs.UpdateRun(context.WithoutCancel(ctx), run); uerr != nil {
			s.logger.Error("mark unqueued run failed", zap.String("run_id", id), zap.Error(uerr))
		}
		telemetry.ObserveRun(string(run.Status))
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return run, err
	}
	telemetry.ObserveRun(string(run.Status))
	s.logger.Debug("run queued", zap.String("poll", poll.Name), zap.String("run_id", id))
	return run, nil
}
