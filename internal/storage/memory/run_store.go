// Package memory keeps runs and blobs in process memory for development and
// tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

// RunStore is an in-memory ingest.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]ingest.RunRecord
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]ingest.RunRecord)}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run ingest.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// UpdateRun replaces an existing run.
func (s *RunStore) UpdateRun(_ context.Context, run ingest.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ingest.ErrRunNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (ingest.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return ingest.RunRecord{}, ingest.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns up to limit runs, newest first. A non-positive limit
// returns every run.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]ingest.RunRecord, error) {
	s.mu.RLock()
	out := make([]ingest.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID > out[j].ID
		}
		return out[i].Submitted.After(out[j].Submitted)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRun(run ingest.RunRecord) ingest.RunRecord {
	out := run
	if run.Anomalies != nil {
		out.Anomalies = append([]string(nil), run.Anomalies...)
	}
	if run.Started != nil {
		t := *run.Started
		out.Started = &t
	}
	if run.Finished != nil {
		t := *run.Finished
		out.Finished = &t
	}
	return out
}
