package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/analytics-ingest/internal/aggregate"
	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/telemetry"
)

// Event names published when a run finishes.
const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// Dequeuer is the consumer side of the run queue.
type Dequeuer interface {
	Dequeue(ctx context.Context) (ingest.PollItem, error)
}

// Config controls Worker behavior.
type Config struct {
	BlobPrefix  string
	ContentType string
}

// Sinks are the destinations a worker writes to. Blobs and Publisher may be nil.
type Sinks struct {
	Runs      ingest.RunStore
	Blobs     ingest.BlobStore
	Publisher ingest.Publisher
	Hasher    ingest.Hasher
}

// Worker consumes queued runs and executes the fetch pipeline for each.
type Worker struct {
	queue   Dequeuer
	catalog *Catalog
	clients Clients
	sinks   Sinks
	clock   ingest.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewWorker constructs a Worker.
func NewWorker(
	queue Dequeuer,
	catalog *Catalog,
	clients Clients,
	sinks Sinks,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		catalog: catalog,
		clients: clients,
		sinks:   sinks,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("worker"),
	}
}

// Run blocks, consuming queued runs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("queue closed; worker exiting", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID), zap.String("poll", item.Poll))
		w.Process(ctx, item)
	}
}

// Snapshot is the document written to the blob store for each successful run.
type Snapshot struct {
	RunID  string        `json:"run_id"`
	Poll   string        `json:"poll"`
	Tenant string        `json:"tenant"`
	Report ingest.Report `json:"report"`
}

// Notification is the payload published when a run finishes.
type Notification struct {
	Event        string           `json:"event"`
	RunID        string           `json:"run_id"`
	Poll         string           `json:"poll"`
	Tenant       string           `json:"tenant"`
	Provider     string           `json:"provider,omitempty"`
	Status       ingest.RunStatus `json:"status"`
	Rows         int              `json:"rows"`
	Completeness float64          `json:"completeness"`
	Freshness    float64          `json:"freshness"`
	BlobURI      string           `json:"blob_uri,omitempty"`
	ContentHash  string           `json:"content_hash,omitempty"`
	Error        string           `json:"error,omitempty"`
	Timestamp    string           `json:"timestamp"`
}

// Process executes one queued run and records its outcome. It never returns
// an error: failures are recorded on the run.
func (w *Worker) Process(ctx context.Context, item ingest.PollItem) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	run, err := w.sinks.Runs.GetRun(ctx, item.RunID)
	if err != nil {
		w.logger.Error("load run failed", zap.String("run_id", item.RunID), zap.Error(err))
		return
	}
	started := w.clock.Now()
	run.Status = ingest.RunStatusRunning
	run.Started = &started
	if err := w.sinks.Runs.UpdateRun(ctx, run); err != nil {
		w.logger.Error("update run status failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	hash, err := w.execute(ctx, &run)
	finished := w.clock.Now()
	run.Finished = &finished
	event := EventRunCompleted
	if err != nil {
		run.Status = ingest.RunStatusFailed
		run.ErrorText = err.Error()
		event = EventRunFailed
		w.logger.Warn("run failed", zap.String("run_id", run.ID), zap.String("poll", run.Poll), zap.Error(err))
	} else {
		run.Status = ingest.RunStatusSucceeded
		w.logger.Info("run succeeded",
			zap.String("run_id", run.ID),
			zap.String("poll", run.Poll),
			zap.Int("rows", run.Rows),
			zap.Float64("completeness", run.Completeness),
			zap.Duration("duration", finished.Sub(started)),
		)
	}

	// Final bookkeeping survives a shutdown that interrupted the fetch.
	recordCtx := context.WithoutCancel(ctx)
	if err := w.sinks.Runs.UpdateRun(recordCtx, run); err != nil {
		w.logger.Error("final run update failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	telemetry.ObserveRun(string(run.Status))
	if err := w.publish(recordCtx, event, run, hash); err != nil {
		w.logger.Warn("publish notification failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (w *Worker) execute(ctx context.Context, run *ingest.RunRecord) (string, error) {
	poll, err := w.catalog.Get(run.Poll)
	if err != nil {
		return "", err
	}
	fetcher, err := w.clients.Lookup(poll.Tenant)
	if err != nil {
		return "", err
	}
	run.Provider = fetcher.Profile().Name()

	req := poll.Request(w.clock.Now())
	report, err := fetcher.FetchReport(ctx, req, ingest.FetchOptions{Incremental: poll.Incremental})
	if err != nil {
		return "", fmt.Errorf("fetch report: %w", err)
	}
	if len(poll.GroupBy) > 0 {
		report.Records = aggregate.Aggregate(report.Records, aggregate.Options{
			GroupBy:  poll.GroupBy,
			Reducer:  poll.Reducer,
			Measures: fetcher.Profile().Measures(),
		})
	}

	run.Rows = len(report.Records)
	run.Completeness = report.Quality.Completeness
	run.Freshness = report.Quality.Freshness
	run.Anomalies = append([]string(nil), report.Quality.Anomalies...)

	return w.persist(ctx, run, report)
}

func (w *Worker) persist(ctx context.Context, run *ingest.RunRecord, report ingest.Report) (string, error) {
	if w.sinks.Blobs == nil {
		return "", nil
	}
	body, err := json.Marshal(Snapshot{RunID: run.ID, Poll: run.Poll, Tenant: run.Tenant, Report: report})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	var hash string
	if w.sinks.Hasher != nil {
		if hash, err = w.sinks.Hasher.Hash(body); err != nil {
			return "", fmt.Errorf("hash snapshot: %w", err)
		}
	}
	uri, err := w.sinks.Blobs.PutObject(ctx, w.blobPath(*run), w.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	run.BlobURI = uri
	return hash, nil
}

// blobPath is <prefix>/<poll>/<submitted date>/<run id>.json.
func (w *Worker) blobPath(run ingest.RunRecord) string {
	parts := []string{}
	if prefix := strings.Trim(w.cfg.BlobPrefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, run.Poll, ingest.FormatDate(run.Submitted), run.ID+".json")
	return path.Join(parts...)
}

func (w *Worker) publish(ctx context.Context, event string, run ingest.RunRecord, hash string) error {
	if w.sinks.Publisher == nil {
		return nil
	}
	payload := Notification{
		Event:        event,
		RunID:        run.ID,
		Poll:         run.Poll,
		Tenant:       run.Tenant,
		Provider:     run.Provider,
		Status:       run.Status,
		Rows:         run.Rows,
		Completeness: run.Completeness,
		Freshness:    run.Freshness,
		BlobURI:      run.BlobURI,
		ContentHash:  hash,
		Error:        run.ErrorText,
		Timestamp:    w.clock.Now().Format(time.RFC3339),
	}
	id, err := w.sinks.Publisher.Publish(ctx, event, payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	w.logger.Debug("notification published", zap.String("run_id", run.ID), zap.String("message_id", id))
	return nil
}

var errNoClients = errors.New("no clients configured")

// Validate checks that every poll in the catalog resolves to a client.
func (w *Worker) Validate() error {
	if len(w.clients) == 0 {
		return errNoClients
	}
	for _, p := range w.catalog.List() {
		if _, err := w.clients.Lookup(p.Tenant); err != nil {
			return fmt.Errorf("poll %s: %w", p.Name, err)
		}
	}
	return nil
}
