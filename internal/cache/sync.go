package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

// SyncCursor remembers when each request shape last synced successfully.
type SyncCursor struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewSyncCursor returns an empty cursor.
func NewSyncCursor() *SyncCursor {
	return &SyncCursor{last: make(map[string]time.Time)}
}

type shape struct {
	Provider   string          `json:"provider"`
	Account    string          `json:"account"`
	Dimensions []string        `json:"dimensions"`
	Filters    []ingest.Filter `json:"filters,omitempty"`
}

// ShapeKey identifies a request independent of its date range and paging.
func ShapeKey(provider, account string, req ingest.FetchRequest) string {
	data, err := json.Marshal(shape{
		Provider:   provider,
		Account:    account,
		Dimensions: req.Dimensions,
		Filters:    req.Filters,
	})
	if err != nil {
		return provider + "|" + account
	}
	return string(data)
}

// Adjust moves StartDate forward to the last sync date for key, never past
// EndDate and never backwards.
func (s *SyncCursor) Adjust(key string, req ingest.FetchRequest) ingest.FetchRequest {
	s.mu.Lock()
	last, ok := s.last[key]
	s.mu.Unlock()
	if !ok {
		return req
	}
	synced := ingest.FormatDate(last)
	if synced > req.EndDate {
		synced = req.EndDate
	}
	if synced > req.StartDate {
		req.StartDate = synced
	}
	return req
}

// Record stores at as the last successful sync for key.
func (s *SyncCursor) Record(key string, at time.Time) {
	s.mu.Lock()
	s.last[key] = at
	s.mu.Unlock()
}

// Last returns the last sync time for key.
func (s *SyncCursor) Last(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[key]
	return t, ok
}
