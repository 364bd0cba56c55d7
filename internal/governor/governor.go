// Package governor serializes provider calls for one tenant against a
// per-window request quota.
//
// Calls are admitted strictly in arrival order. A call rejected by the
// provider with a rate-limit error is put back at the head of the queue and
// retried once the provider's retry-after hint has passed, so callers only see
// the error after MaxRateLimitRequeues attempts.
package governor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/analytics-ingest/internal/apierror"
	"github.com/JakeFAU/analytics-ingest/internal/clock/system"
	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/telemetry"
)

// Config controls quota and pacing for one governor instance.
type Config struct {
	MaxRequests       int
	Window            time.Duration
	InterRequestDelay time.Duration
	DefaultRetryAfter time.Duration
	// MaxRateLimitRequeues bounds invisible requeues after a rate-limit
	// rejection. Zero means the default; a negative value disables requeueing.
	MaxRateLimitRequeues int
}

// DefaultConfig mirrors the provider defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRequests:          1200,
		Window:               time.Minute,
		InterRequestDelay:    100 * time.Millisecond,
		DefaultRetryAfter:    time.Minute,
		MaxRateLimitRequeues: 5,
	}
}

// Task is one provider call. It receives the caller's context.
type Task func(ctx context.Context) error

// State is a point-in-time snapshot of the governor.
type State struct {
	RemainingQuota int
	QuotaResetAt   time.Time
	Pending        int
	Draining       bool
}

type ticket struct {
	ctx      context.Context
	task     Task
	done     chan error
	queued   time.Time
	requeues int
}

// Governor admits tasks one at a time in FIFO order.
type Governor struct {
	cfg      Config
	provider string
	tenant   string
	clock    ingest.Clock
	logger   *zap.Logger

	mu           sync.Mutex
	queue        []*ticket
	draining     bool
	remaining    int
	resetAt      time.Time
	lastDispatch time.Time
}

// New constructs a Governor. A nil clock uses the system clock.
func New(cfg Config, provider, tenant string, clock ingest.Clock, logger *zap.Logger) *Governor {
	def := DefaultConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.InterRequestDelay < 0 {
		cfg.InterRequestDelay = 0
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = def.DefaultRetryAfter
	}
	switch {
	case cfg.MaxRateLimitRequeues == 0:
		cfg.MaxRateLimitRequeues = def.MaxRateLimitRequeues
	case cfg.MaxRateLimitRequeues < 0:
		cfg.MaxRateLimitRequeues = 0
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		cfg:       cfg,
		provider:  provider,
		tenant:    tenant,
		clock:     clock,
		logger:    logger.Named("governor").With(zap.String("provider", provider), zap.String("tenant", tenant)),
		remaining: cfg.MaxRequests,
		resetAt:   clock.Now().Add(cfg.Window),
	}
	telemetry.SetQuotaRemaining(provider, tenant, g.remaining)
	return g
}

// Run queues task and blocks until it has been executed or ctx ends. A task
// whose context ends while it is still queued is never dispatched.
func (g *Governor) Run(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &ticket{
		ctx:    ctx,
		task:   task,
		done:   make(chan error, 1),
		queued: g.clock.Now(),
	}

	g.mu.Lock()
	g.queue = append(g.queue, t)
	if !g.draining {
		g.draining = true
		go g.drain()
	}
	g.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		g.remove(t)
		return ctx.Err()
	}
}

// State returns a snapshot of quota and queue depth.
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		RemainingQuota: g.remaining,
		QuotaResetAt:   g.resetAt,
		Pending:        len(g.queue),
		Draining:       g.draining,
	}
}

func (g *Governor) remove(t *ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, queued := range g.queue {
		if queued == t {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}

func (g *Governor) drain() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.draining = false
			g.mu.Unlock()
			return
		}
		t := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()

		g.dispatch(t)
	}
}

func (g *Governor) dispatch(t *ticket) {
	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}
	if err := g.awaitSlot(t.ctx); err != nil {
		t.done <- err
		return
	}

	telemetry.ObserveGovernorWait(g.provider, g.tenant, g.clock.Now().Sub(t.queued))
	err := t.task(t.ctx)

	g.mu.Lock()
	g.lastDispatch = g.clock.Now()
	if err == nil {
		g.remaining--
		telemetry.SetQuotaRemaining(g.provider, g.tenant, g.remaining)
		g.mu.Unlock()
		t.done <- nil
		return
	}
	if !apierror.IsRateLimited(err) {
		g.mu.Unlock()
		t.done <- err
		return
	}

	retryAfter := g.cfg.DefaultRetryAfter
	if classified, ok := apierror.As(err); ok && classified.RetryAfter > 0 {
		retryAfter = classified.RetryAfter
	}
	g.remaining = 0
	g.resetAt = g.lastDispatch.Add(retryAfter)
	telemetry.SetQuotaRemaining(g.provider, g.tenant, 0)

	if t.requeues >= g.cfg.MaxRateLimitRequeues {
		g.mu.Unlock()
		g.logger.Warn("rate limit requeues exhausted", zap.Int("requeues", t.requeues), zap.Error(err))
		t.done <- err
		return
	}
	t.requeues++
	g.queue = append([]*ticket{t}, g.queue...)
	g.mu.Unlock()

	telemetry.ObserveRateLimitRequeue(g.provider, g.tenant)
	g.logger.Info("provider rate limited, requeued call",
		zap.Duration("retry_after", retryAfter),
		zap.Int("requeue", t.requeues),
	)
}

// awaitSlot blocks until the quota and pacing rules admit one more call.
func (g *Governor) awaitSlot(ctx context.Context) error {
	for {
		wait := g.nextWait()
		if wait <= 0 {
			return nil
		}
		if err := g.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// nextWait refills an elapsed window and reports how long the head of the
// queue must still wait.
func (g *Governor) nextWait() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if !now.Before(g.resetAt) {
		if g.remaining <= 0 {
			g.logger.Debug("quota window reset")
		}
		g.remaining = g.cfg.MaxRequests
		g.resetAt = now.Add(g.cfg.Window)
		telemetry.SetQuotaRemaining(g.provider, g.tenant, g.remaining)
	}
	if g.remaining <= 0 {
		return g.resetAt.Sub(now)
	}
	if !g.lastDispatch.IsZero() {
		if next := g.lastDispatch.Add(g.cfg.InterRequestDelay); now.Before(next) {
			return next.Sub(now)
		}
	}
	return 0
}
