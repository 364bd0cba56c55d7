package ingest

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrRunNotFound is returned by RunStore lookups for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RunStore persists ingest run metadata.
type RunStore interface {
	CreateRun(ctx context.Context, run RunRecord) error
	UpdateRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	// ListRuns returns the most recently submitted runs first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar), tagged with an event name.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for poll runs.
type Queue interface {
	Enqueue(ctx context.Context, item PollItem) error
	Dequeue(ctx context.Context) (PollItem, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and performs context-aware waits.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx ends, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// PollItem wraps a poll run ready to execute.
type PollItem struct {
	RunID     string
	Poll      string
	Submitted int64
}
