// Package client is the per-tenant facade over one reporting provider.
//
// A Client owns its governor, cache, sync cursor and deduplicator; nothing is
// shared between clients, so tenants are isolated from each other's quota and
// state.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/analytics-ingest/internal/apierror"
	"github.com/JakeFAU/analytics-ingest/internal/cache"
	"github.com/JakeFAU/analytics-ingest/internal/clock/system"
	"github.com/JakeFAU/analytics-ingest/internal/dedup"
	"github.com/JakeFAU/analytics-ingest/internal/executor"
	"github.com/JakeFAU/analytics-ingest/internal/governor"
	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/logging"
	"github.com/JakeFAU/analytics-ingest/internal/normalize"
	"github.com/JakeFAU/analytics-ingest/internal/paginate"
	"github.com/JakeFAU/analytics-ingest/internal/provider"
	"github.com/JakeFAU/analytics-ingest/internal/quality"
	"github.com/JakeFAU/analytics-ingest/internal/telemetry"
)

const maxResponseBytes = 64 << 20

// Tenant identifies the account a client reads.
type Tenant struct {
	Name    string
	Account string
}

// Config is the explicit per-client configuration.
type Config struct {
	// BaseURL overrides the profile's endpoint.
	BaseURL  string
	Governor governor.Config
	Retry    executor.Config
	// CacheTTL is the default entry lifetime; zero means cache.DefaultTTL.
	CacheTTL time.Duration
	// SweepInterval enables the background cache sweeper when positive.
	SweepInterval time.Duration
	// MaxPages caps pages per fetch; zero means no cap.
	MaxPages int
}

// Option customizes a Client.
type Option func(*Client)

// WithClock replaces the system clock.
func WithClock(clock ingest.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithHasher replaces the SHA-256 content hasher used for deduplication.
func WithHasher(h dedup.Hasher) Option {
	return func(c *Client) { c.hasher = h }
}

// WithProber enables existence probing of candidate sitemap URLs.
func WithProber(p Prober) Option {
	return func(c *Client) { c.prober = p }
}

// Client fetches normalized metrics for one tenant from one provider.
type Client struct {
	profile  provider.Profile
	tenant   Tenant
	http     *http.Client
	cfg      Config
	baseURL  string
	clock    ingest.Clock
	hasher   dedup.Hasher
	prober   Prober
	logger   *zap.Logger
	governor *governor.Governor
	exec     *executor.Executor
	cache    *cache.Cache
	cursor   *cache.SyncCursor
	dedup    *dedup.Deduplicator
	norm     *normalize.Normalizer
	flights  singleflight.Group
	stop     context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*flight
}

// New builds a Client. A nil httpClient uses http.DefaultClient.
func New(
	profile provider.Profile,
	tenant Tenant,
	httpClient *http.Client,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		profile:  profile,
		tenant:   tenant,
		http:     httpClient,
		cfg:      cfg,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clock:    system.New(),
		inflight: make(map[string]*flight),
		logger:   logging.ForTenant(logger, tenant.Name, profile.Name()).Named("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = profile.DefaultBaseURL()
	}
	c.governor = governor.New(cfg.Governor, profile.Name(), tenant.Name, c.clock, c.logger)
	c.exec = executor.New(c.governor, cfg.Retry, profile.Name(), c.clock, c.logger)
	c.cache = cache.New(c.clock)
	c.cursor = cache.NewSyncCursor()
	c.dedup = dedup.New(c.hasher)
	c.norm = normalize.New(normalize.Schema{Measures: profile.Measures()})

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	if cfg.SweepInterval > 0 {
		c.cache.StartSweeper(ctx, cfg.SweepInterval)
	}
	return c
}

// Profile returns the provider profile.
func (c *Client) Profile() provider.Profile { return c.profile }

// Tenant returns the tenant the client reads for.
func (c *Client) Tenant() Tenant { return c.tenant }

// GovernorState exposes the governor snapshot for diagnostics.
func (c *Client) GovernorState() governor.State { return c.governor.State() }

// Close stops background work. It does not close the HTTP client.
func (c *Client) Close() {
	c.stop()
}

type fetchResult struct {
	records []ingest.MetricRecord
	// observed is the provider's answer before deduplication; nil when
	// nothing was dropped.
	observed  []ingest.MetricRecord
	request   ingest.FetchRequest
	fromCache bool
}

func (r fetchResult) audited() []ingest.MetricRecord {
	if r.observed != nil {
		return r.observed
	}
	return r.records
}

func (r fetchResult) clone() fetchResult {
	return fetchResult{
		records:   ingest.CloneRecords(r.records),
		observed:  ingest.CloneRecords(r.observed),
		request:   r.request.Clone(),
		fromCache: r.fromCache,
	}
}

// FetchMetrics returns normalized, deduplicated records for req.
func (c *Client) FetchMetrics(ctx context.Context, req ingest.FetchRequest, opts ingest.FetchOptions) ([]ingest.MetricRecord, error) {
	res, err := c.fetch(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	return res.records, nil
}

// FetchReport is FetchMetrics plus a data quality report. The report covers
// the window actually fetched and every row the provider returned for it,
// including rows deduplication removed from Records.
func (c *Client) FetchReport(ctx context.Context, req ingest.FetchRequest, opts ingest.FetchOptions) (ingest.Report, error) {
	res, err := c.fetch(ctx, req, opts)
	if err != nil {
		return ingest.Report{}, err
	}
	now := c.clock.Now()
	return ingest.Report{
		Provider: c.profile.Name(),
		Account:  c.tenant.Account,
		Request:  res.request,
		Records:  res.records,
		Quality: quality.Audit(res.audited(), res.request, quality.Options{
			Measures: c.profile.Measures(),
			Recency:  c.profile.RecencyThreshold(),
		}, now),
		FetchedAt: now,
		FromCache: res.fromCache,
	}, nil
}

func (c *Client) prepare(req ingest.FetchRequest) (ingest.FetchRequest, error) {
	req = req.Clone()
	if req.PageSize == 0 {
		req.PageSize = c.profile.DefaultPageSize()
	}
	if limit := c.profile.MaxPageSize(); limit > 0 && req.PageSize > limit {
		req.PageSize = limit
	}
	if err := req.Validate(); err != nil {
		return req, apierror.Invalid(err)
	}
	return req, nil
}

func (c *Client) fetch(ctx context.Context, req ingest.FetchRequest, opts ingest.FetchOptions) (fetchResult, error) {
	req, err := c.prepare(req)
	if err != nil {
		return fetchResult{}, err
	}
	if opts.BypassCache {
		res, err := c.fetchRemote(ctx, req, opts)
		if err != nil {
			return fetchResult{}, err
		}
		return res, nil
	}

	key, err := cache.Key(c.profile.Name(), c.tenant.Account, req)
	if err != nil {
		return fetchResult{}, err
	}
	if e, ok := c.cache.GetEntry(key); ok {
		telemetry.ObserveCacheLookup(c.profile.Name(), true)
		return fetchResult{records: e.Records, observed: e.Observed, request: e.Request, fromCache: true}, nil
	}
	telemetry.ObserveCacheLookup(c.profile.Name(), false)

	res, err := c.shared(ctx, key, func(ctx context.Context) (fetchResult, error) {
		res, err := c.fetchRemote(ctx, req, opts)
		if err != nil {
			return fetchResult{}, err
		}
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = c.cfg.CacheTTL
		}
		c.cache.SetEntry(key, cache.Entry{Records: res.records, Observed: res.observed, Request: res.request}, ttl)
		return res, nil
	})
	if err != nil {
		return fetchResult{}, err
	}
	return res.clone(), nil
}

func (c *Client) fetchRemote(ctx context.Context, req ingest.FetchRequest, opts ingest.FetchOptions) (fetchResult, error) {
	var shape string
	if opts.Incremental {
		shape = cache.ShapeKey(c.profile.Name(), c.tenant.Account, req)
		adjusted := c.cursor.Adjust(shape, req)
		if adjusted.StartDate != req.StartDate {
			c.logger.Debug("incremental window applied",
				zap.String("requested_start", req.StartDate),
				zap.String("start", adjusted.StartDate),
			)
		}
		req = adjusted
	}

	rows, err := paginate.FetchAll(ctx, c.exec, paginate.Options{
		PageSize:    req.PageSize,
		StartOffset: req.StartOffset,
		MaxPages:    c.cfg.MaxPages,
	}, func(ctx context.Context, offset, limit int) ([]normalize.RawRow, error) {
		body, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
			return c.profile.NewQueryRequest(ctx, c.baseURL, c.tenant.Account, req, offset, limit)
		})
		if err != nil {
			return nil, err
		}
		rows, err := c.profile.DecodeRows(body, req.Dimensions)
		if err != nil {
			return nil, &apierror.Error{Kind: apierror.KindUnknown, Message: "undecodable response", Err: err}
		}
		return rows, nil
	})
	if err != nil {
		c.logger.Warn("fetch failed", zap.String("kind", string(apierror.KindOf(err))), zap.Error(err))
		return fetchResult{}, err
	}

	observed := c.norm.Normalize(req.Dimensions, rows)
	records, dropped := c.dedup.Filter(observed, identityFields(req.Dimensions))
	telemetry.ObserveDedupDropped(c.profile.Name(), dropped)
	if dropped == 0 {
		observed = nil
	}

	if opts.Incremental {
		c.cursor.Record(shape, c.clock.Now())
	}
	c.logger.Info("fetch complete",
		zap.String("start", req.StartDate),
		zap.String("end", req.EndDate),
		zap.Int("rows", len(records)),
		zap.Int("duplicates", dropped),
	)
	return fetchResult{records: records, observed: observed, request: req}, nil
}

// identityFields are the requested dimensions other than the date.
func identityFields(dimensions []string) []string {
	out := make([]string, 0, len(dimensions))
	for _, d := range dimensions {
		if d != ingest.DateDimension {
			out = append(out, d)
		}
	}
	return out
}

// do sends one provider request built by build and returns the 2xx body.
// Non-2xx answers are classified.
func (c *Client) do(ctx context.Context, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	httpReq, err := build(ctx)
	if err != nil {
		return nil, apierror.Invalid(err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apierror.FromTransport(err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apierror.FromTransport(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryAfter := apierror.ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now())
		return nil, apierror.Classify(resp.StatusCode, c.profile.ErrorMessage(body), retryAfter)
	}
	return body, nil
}
