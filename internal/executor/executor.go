// Package executor runs provider calls through a governor and retries the
// failures that are worth retrying.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/analytics-ingest/internal/apierror"
	"github.com/JakeFAU/analytics-ingest/internal/clock/system"
	"github.com/JakeFAU/analytics-ingest/internal/governor"
	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/telemetry"
)

// Runner admits one call at a time. *governor.Governor satisfies it.
type Runner interface {
	Run(ctx context.Context, task governor.Task) error
}

// Config controls retry behaviour.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// DefaultConfig returns three retries starting at one second and doubling.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
	}
}

// Backoff returns the wait before retry number attempt (zero-based).
func (c Config) Backoff(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Executor retries transient and network failures with exponential backoff.
type Executor struct {
	runner   Runner
	cfg      Config
	provider string
	clock    ingest.Clock
	logger   *zap.Logger
}

// New constructs an Executor. A nil clock uses the system clock.
func New(runner Runner, cfg Config, provider string, clock ingest.Clock, logger *zap.Logger) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		runner:   runner,
		cfg:      cfg,
		provider: provider,
		clock:    clock,
		logger:   logger.Named("executor").With(zap.String("provider", provider)),
	}
}

// Execute runs call until it succeeds, fails permanently or retries run out.
// Errors that are not already classified are classified as transport errors.
func (e *Executor) Execute(ctx context.Context, op string, call governor.Task) error {
	ctx, span := otel.Tracer("analytics-ingest/executor").Start(ctx, "provider."+op)
	defer span.End()
	span.SetAttributes(attribute.String("ingest.provider", e.provider))

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := e.runner.Run(ctx, call)
		if err == nil {
			span.SetAttributes(attribute.Int("ingest.attempts", attempt+1))
			return nil
		}
		if errors.Is(err, context.Canceled) {
			span.SetStatus(codes.Error, "canceled")
			return err
		}
		lastErr = apierror.FromTransport(err)
		classified, _ := apierror.As(lastErr)
		if !classified.Retryable() || attempt >= e.cfg.MaxRetries {
			break
		}

		delay := e.cfg.Backoff(attempt)
		if classified.RetryAfter > delay {
			delay = classified.RetryAfter
		}
		telemetry.ObserveRetry(e.provider, string(classified.Kind))
		e.logger.Warn("provider call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := e.clock.Sleep(ctx, delay); err != nil {
			span.SetStatus(codes.Error, "canceled during backoff")
			return fmt.Errorf("retry backoff: %w", err)
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, string(apierror.KindOf(lastErr)))
	return lastErr
}
