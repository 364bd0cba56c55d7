// Package memory provides the bounded in-process poll queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by TryEnqueue when no capacity is left.
	ErrFull = errors.New("queue full")
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan ingest.PollItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan ingest.PollItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue blocks until item fits, ctx ends or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, item ingest.PollItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue adds item without blocking.
func (q *Queue) TryEnqueue(item ingest.PollItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (ingest.PollItem, error) {
	select {
	case <-ctx.Done():
		return ingest.PollItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return ingest.PollItem{}, ErrClosed
	case item := <-q.ch:
		return item, nil
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close wakes every blocked caller. Items still queued are dropped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
