package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/analytics-ingest/internal/apierror"
	"github.com/JakeFAU/analytics-ingest/internal/clock/fake"
	"github.com/JakeFAU/analytics-ingest/internal/executor"
	"github.com/JakeFAU/analytics-ingest/internal/governor"
	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/provider"
)

var (
	epoch       = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:  baseURL,
		Governor: governor.Config{MaxRequests: 100, Window: time.Minute},
		Retry:    executor.Config{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 30 * time.Second},
	}
}

func newTestClient(t *testing.T, profile provider.Profile, account string, srv *httptest.Server, opts ...Option) (*Client, *fake.Clock) {
	t.Helper()
	clk := fake.New(epoch)
	opts = append([]Option{WithClock(clk)}, opts...)
	c := New(profile, Tenant{Name: "tenant-a", Account: account}, srv.Client(), testConfig(srv.URL), nil, opts...)
	t.Cleanup(c.Close)
	return c, clk
}

type scRow struct {
	Keys        []string `json:"keys"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

type scBody struct {
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
	RowLimit  int      `json:"rowLimit"`
	StartRow  int      `json:"startRow"`
	Dims      []string `json:"dimensions"`
}

// searchConsoleServer serves rows in pages of the requested size and counts
// query calls.
func searchConsoleServer(t *testing.T, rows []scRow, calls *int32, seen *[]scBody) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/searchAnalytics/query") || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(calls, 1)
		var body scBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if seen != nil {
			mu.Lock()
			*seen = append(*seen, body)
			mu.Unlock()
		}
		end := body.StartRow + body.RowLimit
		if end > len(rows) {
			end = len(rows)
		}
		page := []scRow{}
		if body.StartRow < len(rows) {
			page = rows[body.StartRow:end]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": page})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func scRows(n int) []scRow {
	out := make([]scRow, n)
	for i := range out {
		out[i] = scRow{
			Keys:        []string{fmt.Sprintf("2024-05-%02d", i%9+1), fmt.Sprintf("query-%d", i)},
			Clicks:      float64(i),
			Impressions: float64(10 * (i + 1)),
			CTR:         0.1,
			Position:    3,
		}
	}
	return out
}

func baseRequest() ingest.FetchRequest {
	return ingest.FetchRequest{
		StartDate:  "2024-05-01",
		EndDate:    "2024-05-09",
		Dimensions: []string{"date", "query"},
	}
}

func TestFetchMetricsPaginatesUntilShortPage(t *testing.T) {
	t.Parallel()

	var calls int32
	var seen []scBody
	srv := searchConsoleServer(t, scRows(7), &calls, &seen)
	c, _ := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	req := baseRequest()
	req.PageSize = 3
	records, err := c.FetchMetrics(context.Background(), req, ingest.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, records, 7)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))

	offsets := []int{seen[0].StartRow, seen[1].StartRow, seen[2].StartRow}
	require.Equal(t, []int{0, 3, 6}, offsets)
	for _, r := range records {
		assert.Regexp(t, datePattern, r.Date)
		assert.Contains(t, r.Dimensions, "query")
		assert.Contains(t, r.Measures, "clicks")
	}
}

func TestFetchMetricsDefaultsAndClampsPageSize(t *testing.T) {
	t.Parallel()

	var calls int32
	var seen []scBody
	srv := searchConsoleServer(t, scRows(2), &calls, &seen)
	c, _ := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	_, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{BypassCache: true})
	require.NoError(t, err)
	req := baseRequest()
	req.Dimensions = []string{"date", "page"}
	req.PageSize = 1_000_000
	_, err = c.FetchMetrics(context.Background(), req, ingest.FetchOptions{BypassCache: true})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	require.Equal(t, 1000, seen[0].RowLimit)
	require.Equal(t, 25000, seen[1].RowLimit)
}

func TestFetchMetricsCacheIsIdempotent(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := searchConsoleServer(t, scRows(4), &calls, nil)
	c, clk := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	first, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
	require.NoError(t, err)
	second, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	second[0].Measures["clicks"] = 999
	third, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, first, third, "callers must not be able to mutate cached rows")

	clk.Advance(6 * time.Minute)
	_, err = c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestFetchMetricsCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": scRows(1)})
	}))
	t.Cleanup(srv.Close)
	c, _ := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	var wg sync.WaitGroup
	results := make([][]ingest.MetricRecord, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
			assert.NoError(t, err)
			results[i] = records
		}(i)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, r := range results {
		require.Len(t, r, 1)
	}
}

func waiters(c *Client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.inflight {
		n += f.waiters
	}
	return n
}

func TestFetchMetricsAbandonedCallerDoesNotFailCoalescedCaller(t *testing.T) {
	t.Parallel()

	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": scRows(1)})
	}))
	t.Cleanup(srv.Close)
	c, _ := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := c.FetchMetrics(ctx, baseRequest(), ingest.FetchOptions{})
		abandoned <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, time.Millisecond)

	type result struct {
		records []ingest.MetricRecord
		err     error
	}
	live := make(chan result, 1)
	go func() {
		records, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
		live <- result{records, err}
	}()
	require.Eventually(t, func() bool { return waiters(c) == 2 }, 2*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-abandoned, context.Canceled)
	close(release)

	got := <-live
	require.NoError(t, got.err)
	require.Len(t, got.records, 1)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Zero(t, waiters(c))
}

func TestFetchMetricsLoneCallerCancelAbortsFetch(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": scRows(1)})
	}))
	t.Cleanup(srv.Close)
	c, _ := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.FetchMetrics(ctx, baseRequest(), ingest.FetchOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	records, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestFetchMetricsDropsDuplicateRows(t *testing.T) {
	t.Parallel()

	row := scRow{Keys: []string{"2024-05-01", "shoes"}, Clicks: 3, Impressions: 30, CTR: 0.1, Position: 2}
	other := row
	other.Keys = []string{"2024-05-01", "boots"}
	var calls int32
	srv := searchConsoleServer(t, []scRow{row, row, other}, &calls, nil)
	c, _ := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	records, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	again, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{BypassCache: true})
	require.NoError(t, err)
	require.Empty(t, again, "rows already ingested by this client are not returned twice")
}

func TestFetchMetricsIncrementalNarrowsWindow(t *testing.T) {
	t.Parallel()

	var calls int32
	var seen []scBody
	srv := searchConsoleServer(t, nil, &calls, &seen)
	c, clk := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	req := ingest.FetchRequest{StartDate: "2024-04-01", EndDate: "2024-05-20", Dimensions: []string{"date"}}
	opts := ingest.FetchOptions{Incremental: true, BypassCache: true}
	_, err := c.FetchMetrics(context.Background(), req, opts)
	require.NoError(t, err)
	clk.Advance(24 * time.Hour)
	_, err = c.FetchMetrics(context.Background(), req, opts)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	require.Equal(t, "2024-04-01", seen[0].StartDate)
	require.Equal(t, "2024-05-10", seen[1].StartDate)
	require.Equal(t, "2024-05-20", seen[1].EndDate)
}

func TestFetchMetricsRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := searchConsoleServer(t, nil, &calls, nil)
	c, _ := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	req := baseRequest()
	req.StartDate = "2024-06-01"
	_, err := c.FetchMetrics(context.Background(), req, ingest.FetchOptions{})
	require.Equal(t, apierror.KindInvalidRequest, apierror.KindOf(err))
	require.ErrorIs(t, err, ingest.ErrInvalidRequest)
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestFetchMetricsClassifiesProviderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		message   string
		wantKind  apierror.Kind
		wantCalls int32
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, message: "Invalid Credentials", wantKind: apierror.KindAuthenticationFailed, wantCalls: 1},
		{name: "permission", status: http.StatusForbidden, message: "User does not have sufficient permission", wantKind: apierror.KindPermissionDenied, wantCalls: 1},
		{name: "quota", status: http.StatusForbidden, message: "Daily quota exceeded", wantKind: apierror.KindQuotaExceeded, wantCalls: 1},
		{name: "unavailable", status: http.StatusServiceUnavailable, message: "backend error", wantKind: apierror.KindTransientServerError, wantCalls: 4},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, tt.status, tt.message)
			}))
			t.Cleanup(srv.Close)
			c, _ := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

			_, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
			classified, ok := apierror.As(err)
			require.True(t, ok, "expected classified error, got %v", err)
			require.Equal(t, tt.wantKind, classified.Kind)
			require.Equal(t, tt.message, classified.Message)
			require.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestFetchMetricsRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": scRows(1)})
	}))
	t.Cleanup(srv.Close)
	c, clk := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	records, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestFetchMetricsAbsorbsRateLimit(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": scRows(1)})
	}))
	t.Cleanup(srv.Close)
	c, clk := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	records, err := c.FetchMetrics(context.Background(), baseRequest(), ingest.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, []time.Duration{7 * time.Second}, clk.Sleeps())
}

func TestFetchReportAuditsResult(t *testing.T) {
	t.Parallel()

	rows := []scRow{
		{Keys: []string{"2024-05-08", "a"}, Clicks: 1, Impressions: 10, CTR: 0.1, Position: 1},
		{Keys: []string{"2024-05-09", "a"}, Clicks: 2, Impressions: 10, CTR: 1.5, Position: 1},
	}
	var calls int32
	srv := searchConsoleServer(t, rows, &calls, nil)
	c, _ := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	req := ingest.FetchRequest{StartDate: "2024-05-08", EndDate: "2024-05-09", Dimensions: []string{"date", "query"}}
	report, err := c.FetchReport(context.Background(), req, ingest.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, report.Records, 2)
	require.Equal(t, provider.SearchConsoleName, report.Provider)
	require.InDelta(t, 1.0, report.Quality.Completeness, 1e-9)
	require.Contains(t, report.Quality.Anomalies, "ctr outside [0,1] in 1 rows")
	require.False(t, report.FromCache)

	cached, err := c.FetchReport(context.Background(), req, ingest.FetchOptions{})
	require.NoError(t, err)
	require.True(t, cached.FromCache)
	require.Equal(t, report.Records, cached.Records)
}

func TestFetchReportAuditsRowsRemovedByDeduplication(t *testing.T) {
	t.Parallel()

	rows := []scRow{
		{Keys: []string{"2024-05-08", "a"}, Clicks: 1, Impressions: 10, CTR: 0.1, Position: 1},
		{Keys: []string{"2024-05-09", "a"}, Clicks: 2, Impressions: 10, CTR: 0.2, Position: 1},
	}
	var calls int32
	srv := searchConsoleServer(t, rows, &calls, nil)
	c, clk := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	req := ingest.FetchRequest{StartDate: "2024-05-08", EndDate: "2024-05-09", Dimensions: []string{"date", "query"}}
	first, err := c.FetchReport(context.Background(), req, ingest.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, first.Records, 2)

	clk.Advance(time.Hour)
	repeat, err := c.FetchReport(context.Background(), req, ingest.FetchOptions{})
	require.NoError(t, err)
	require.False(t, repeat.FromCache)
	require.Empty(t, repeat.Records)
	require.InDelta(t, 1.0, repeat.Quality.Completeness, 1e-9)
	for _, a := range repeat.Quality.Anomalies {
		require.NotContains(t, a, "missing")
		require.NotEqual(t, "no rows returned", a)
	}

	cached, err := c.FetchReport(context.Background(), req, ingest.FetchOptions{})
	require.NoError(t, err)
	require.True(t, cached.FromCache)
	require.InDelta(t, 1.0, cached.Quality.Completeness, 1e-9)
}

func TestFetchReportCacheHitAuditsFetchedWindow(t *testing.T) {
	t.Parallel()

	rows := []scRow{
		{Keys: []string{"2024-05-10", "a"}, Clicks: 1, Impressions: 10, CTR: 0.1, Position: 1},
		{Keys: []string{"2024-05-11", "a"}, Clicks: 2, Impressions: 10, CTR: 0.2, Position: 1},
	}
	var calls int32
	srv := searchConsoleServer(t, rows, &calls, nil)
	c, clk := newTestClient(t, provider.SearchConsole{}, "https://example.com/", srv)

	req := ingest.FetchRequest{StartDate: "2024-05-02", EndDate: "2024-05-11", Dimensions: []string{"date", "query"}}
	opts := ingest.FetchOptions{Incremental: true}
	_, err := c.FetchReport(context.Background(), req, opts)
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	miss, err := c.FetchReport(context.Background(), req, opts)
	require.NoError(t, err)
	require.False(t, miss.FromCache)
	require.Equal(t, "2024-05-10", miss.Request.StartDate)

	hit, err := c.FetchReport(context.Background(), req, opts)
	require.NoError(t, err)
	require.True(t, hit.FromCache)
	require.Equal(t, miss.Request, hit.Request)
	require.Equal(t, miss.Quality.Completeness, hit.Quality.Completeness)
	require.InDelta(t, 1.0, hit.Quality.Completeness, 1e-9)
}

func TestFetchMetricsAnalyticsProfile(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/properties/123456:runReport" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&calls, 1)
		raw, _ := io.ReadAll(r.Body)
		var body struct {
			Limit  string `json:"limit"`
			Offset string `json:"offset"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		offset, _ := strconv.Atoi(body.Offset)
		resp := map[string]any{
			"dimensionHeaders": []map[string]string{{"name": "pagePath"}, {"name": "date"}},
			"metricHeaders":    []map[string]string{{"name": "sessions"}, {"name": "bounceRate"}},
			"rows":             []any{},
		}
		if offset == 0 {
			resp["rows"] = []map[string]any{
				{
					"dimensionValues": []map[string]string{{"value": "/home"}, {"value": "20240501"}},
					"metricValues":    []map[string]string{{"value": "12"}, {"value": "0.25"}},
				},
				{
					"dimensionValues": []map[string]string{{"value": "/about"}, {"value": "20240502"}},
					"metricValues":    []map[string]string{{"value": "4"}, {"value": "0.5"}},
				},
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	c, _ := newTestClient(t, provider.Analytics{}, "properties/123456", srv)

	req := ingest.FetchRequest{StartDate: "2024-05-01", EndDate: "2024-05-02", Dimensions: []string{"date", "pagePath"}, PageSize: 2}
	records, err := c.FetchMetrics(context.Background(), req, ingest.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls), "a full page triggers one more call")

	require.Equal(t, "2024-05-01", records[0].Date)
	require.Equal(t, "/home", records[0].Dimensions["pagePath"])
	require.Equal(t, 12.0, records[0].Measures["sessions"])
	require.Equal(t, 0.25, records[0].Measures["bounceRate"])
	require.Contains(t, records[0].Measures, "screenPageViews")
	for _, r := range records {
		require.Regexp(t, datePattern, r.Date)
	}

	_, err = c.Sitemaps()
	require.ErrorIs(t, err, ErrSitemapsUnsupported)
}
