// Package poller runs configured polls: a scheduler enqueues poll runs, a
// dispatcher fans them out to workers, and each worker fetches a report and
// hands it to the configured sinks.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/analytics-ingest/internal/aggregate"
	"github.com/JakeFAU/analytics-ingest/internal/config"
	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/provider"
)

// ErrUnknownPoll is returned for poll names that are not configured.
var ErrUnknownPoll = errors.New("unknown poll")

// Poll is one configured recurring fetch.
type Poll struct {
	Name          string          `json:"name"`
	Tenant        string          `json:"tenant"`
	Dimensions    []string        `json:"dimensions"`
	Filters       []ingest.Filter `json:"filters,omitempty"`
	LookbackDays  int             `json:"lookback_days"`
	EndOffsetDays int             `json:"end_offset_days"`
	// Interval is the scheduling period; zero means on demand only.
	Interval    time.Duration     `json:"interval"`
	PageSize    int               `json:"page_size,omitempty"`
	Incremental bool              `json:"incremental"`
	GroupBy     []string          `json:"group_by,omitempty"`
	Reducer     aggregate.Reducer `json:"reducer,omitempty"`
}

// PollFromConfig converts a configured poll.
func PollFromConfig(c config.PollConfig) (Poll, error) {
	p := Poll{
		Name:          c.Name,
		Tenant:        c.Tenant,
		Dimensions:    append([]string(nil), c.Dimensions...),
		Filters:       append([]ingest.Filter(nil), c.Filters...),
		LookbackDays:  c.LookbackDays,
		EndOffsetDays: c.EndOffsetDays,
		Interval:      c.Interval(),
		PageSize:      c.PageSize,
		Incremental:   c.Incremental,
		GroupBy:       append([]string(nil), c.GroupBy...),
	}
	if len(p.GroupBy) > 0 {
		reducer, err := aggregate.ParseReducer(c.Reducer)
		if err != nil {
			return Poll{}, fmt.Errorf("poll %s: %w", c.Name, err)
		}
		p.Reducer = reducer
	}
	return p, nil
}

// Request builds the fetch window ending EndOffsetDays before now's date and
// spanning LookbackDays days.
func (p Poll) Request(now time.Time) ingest.FetchRequest {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := today.AddDate(0, 0, -p.EndOffsetDays)
	lookback := p.LookbackDays
	if lookback < 1 {
		lookback = 1
	}
	start := end.AddDate(0, 0, -(lookback - 1))
	return ingest.FetchRequest{
		StartDate:  ingest.FormatDate(start),
		EndDate:    ingest.FormatDate(end),
		Dimensions: append([]string(nil), p.Dimensions...),
		Filters:    append([]ingest.Filter(nil), p.Filters...),
		PageSize:   p.PageSize,
	}
}

// Catalog is the immutable set of configured polls.
type Catalog struct {
	polls map[string]Poll
}

// NewCatalog indexes polls by name. Duplicate names are rejected.
func NewCatalog(polls []Poll) (*Catalog, error) {
	c := &Catalog{polls: make(map[string]Poll, len(polls))}
	for _, p := range polls {
		if _, dup := c.polls[p.Name]; dup {
			return nil, fmt.Errorf("poll %q is duplicated", p.Name)
		}
		c.polls[p.Name] = p
	}
	return c, nil
}

// Get returns the named poll.
func (c *Catalog) Get(name string) (Poll, error) {
	p, ok := c.polls[name]
	if !ok {
		return Poll{}, fmt.Errorf("%w: %s", ErrUnknownPoll, name)
	}
	return p, nil
}

// List returns every poll sorted by name.
func (c *Catalog) List() []Poll {
	out := make([]Poll, 0, len(c.polls))
	for _, p := range c.polls {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fetcher is the slice of a client a worker needs. *client.Client satisfies it.
type Fetcher interface {
	FetchReport(ctx context.Context, req ingest.FetchRequest, opts ingest.FetchOptions) (ingest.Report, error)
	Profile() provider.Profile
}

// Clients maps tenant names to their clients.
type Clients map[string]Fetcher

// Lookup returns the client for tenant.
func (c Clients) Lookup(tenant string) (Fetcher, error) {
	f, ok := c[tenant]
	if !ok {
		return nil, fmt.Errorf("no client for tenant %q", tenant)
	}
	return f, nil
}
