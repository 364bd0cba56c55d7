// Package cache holds fetched results for a bounded time and tracks the last
// successful sync per request shape.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/analytics-ingest/internal/clock/system"
	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

// DefaultTTL applies when a caller does not pick one.
const DefaultTTL = 5 * time.Minute

// Entry is one cached fetch result.
type Entry struct {
	Records []ingest.MetricRecord
	// Observed holds the rows the provider returned before deduplication when
	// they differ from Records.
	Observed []ingest.MetricRecord
	// Request is the request actually sent, after incremental narrowing.
	Request ingest.FetchRequest
}

func (e Entry) clone() Entry {
	return Entry{
		Records:  ingest.CloneRecords(e.Records),
		Observed: ingest.CloneRecords(e.Observed),
		Request:  e.Request.Clone(),
	}
}

type entry struct {
	data      Entry
	expiresAt time.Time
}

// Cache is a TTL map of fetch results. Entries are copied on the way in and out.
type Cache struct {
	clock ingest.Clock

	mu      sync.Mutex
	entries map[string]entry
}

// New returns an empty Cache. A nil clock uses the system clock.
func New(clock ingest.Clock) *Cache {
	if clock == nil {
		clock = system.New()
	}
	return &Cache{clock: clock, entries: make(map[string]entry)}
}

type keyMaterial struct {
	Provider string              `json:"provider"`
	Account  string              `json:"account"`
	Request  ingest.FetchRequest `json:"request"`
}

// Key canonicalizes the provider identity and the full request.
func Key(provider, account string, req ingest.FetchRequest) (string, error) {
	data, err := json.Marshal(keyMaterial{Provider: provider, Account: account, Request: req})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	return string(data), nil
}

// Get returns a copy of the unexpired records for key. Expired entries are evicted.
func (c *Cache) Get(key string) ([]ingest.MetricRecord, bool) {
	e, ok := c.GetEntry(key)
	if !ok {
		return nil, false
	}
	return e.Records, true
}

// Set stores a copy of data under key for ttl. A non-positive ttl uses DefaultTTL.
func (c *Cache) Set(key string, data []ingest.MetricRecord, ttl time.Duration) {
	c.SetEntry(key, Entry{Records: data}, ttl)
}

// GetEntry is Get for the full entry.
func (c *Cache) GetEntry(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return Entry{}, false
	}
	return e.data.clone(), true
}

// SetEntry is Set for the full entry.
func (c *Cache) SetEntry(key string, e Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	stored := e.clone()
	if stored.Records == nil {
		stored.Records = []ingest.MetricRecord{}
	}
	c.mu.Lock()
	c.entries[key] = entry{data: stored, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// StartSweeper sweeps every interval until ctx is done. The returned channel
// closes when the sweeper exits.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
	return done
}
