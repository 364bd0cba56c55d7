package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/normalize"
)

// SearchConsoleName is the configuration name of the search performance provider.
const SearchConsoleName = "search_console"

var searchConsoleMeasures = []ingest.Measure{
	{Name: "clicks", Kind: ingest.MeasureCount, NonNegative: true},
	{Name: "impressions", Kind: ingest.MeasureCount, NonNegative: true},
	{Name: "ctr", Kind: ingest.MeasureRatio, Numerator: "clicks", Denominator: "impressions"},
	{Name: "position", Kind: ingest.MeasureWeighted, Weight: "impressions", NonNegative: true},
}

// SearchConsole queries search performance by query, page and friends.
type SearchConsole struct{}

// Name implements Profile.
func (SearchConsole) Name() string { return SearchConsoleName }

// DefaultBaseURL implements Profile.
func (SearchConsole) DefaultBaseURL() string { return "https://www.googleapis.com" }

// DefaultPageSize implements Profile.
func (SearchConsole) DefaultPageSize() int { return 1000 }

// MaxPageSize implements Profile.
func (SearchConsole) MaxPageSize() int { return 25000 }

// Measures implements Profile.
func (SearchConsole) Measures() []ingest.Measure { return searchConsoleMeasures }

// KnownDimensions implements Profile.
func (SearchConsole) KnownDimensions() []string {
	return []string{"date", "query", "page", "country", "device", "searchAppearance", "hour"}
}

// RecencyThreshold implements Profile. Search data typically lags two days.
func (SearchConsole) RecencyThreshold() time.Duration { return 3 * 24 * time.Hour }

type scFilter struct {
	Dimension  string `json:"dimension"`
	Operator   string `json:"operator"`
	Expression string `json:"expression"`
}

type scFilterGroup struct {
	GroupType string     `json:"groupType"`
	Filters   []scFilter `json:"filters"`
}

type scQuery struct {
	StartDate             string          `json:"startDate"`
	EndDate               string          `json:"endDate"`
	Dimensions            []string        `json:"dimensions,omitempty"`
	RowLimit              int             `json:"rowLimit"`
	StartRow              int             `json:"startRow"`
	DimensionFilterGroups []scFilterGroup `json:"dimensionFilterGroups,omitempty"`
}

func siteEndpoint(baseURL, site string) string {
	return strings.TrimRight(baseURL, "/") + "/webmasters/v3/sites/" + url.PathEscape(site)
}

// NewQueryRequest implements Profile.
func (SearchConsole) NewQueryRequest(
	ctx context.Context,
	baseURL, account string,
	req ingest.FetchRequest,
	offset, limit int,
) (*http.Request, error) {
	q := scQuery{
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		Dimensions: req.Dimensions,
		RowLimit:   limit,
		StartRow:   offset,
	}
	if len(req.Filters) > 0 {
		group := scFilterGroup{GroupType: "and"}
		for _, f := range req.Filters {
			group.Filters = append(group.Filters, scFilter{
				Dimension:  f.Dimension,
				Operator:   string(f.Operator),
				Expression: f.Expression,
			})
		}
		q.DimensionFilterGroups = []scFilterGroup{group}
	}
	return newJSONRequest(ctx, http.MethodPost, siteEndpoint(baseURL, account)+"/searchAnalytics/query", q)
}

type scResponse struct {
	Rows []struct {
		Keys        []string `json:"keys"`
		Clicks      float64  `json:"clicks"`
		Impressions float64  `json:"impressions"`
		CTR         float64  `json:"ctr"`
		Position    float64  `json:"position"`
	} `json:"rows"`
}

// DecodeRows implements Profile. An absent rows field means no data.
func (SearchConsole) DecodeRows(body []byte, _ []string) ([]normalize.RawRow, error) {
	var resp scResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search analytics response: %w", err)
	}
	rows := make([]normalize.RawRow, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		rows = append(rows, normalize.RawRow{
			Keys: r.Keys,
			Values: map[string]float64{
				"clicks":      r.Clicks,
				"impressions": r.Impressions,
				"ctr":         r.CTR,
				"position":    r.Position,
			},
		})
	}
	return rows, nil
}

// ErrorMessage implements Profile.
func (SearchConsole) ErrorMessage(body []byte) string { return googleErrorMessage(body) }

// NewListSitemapsRequest implements SitemapProfile.
func (SearchConsole) NewListSitemapsRequest(ctx context.Context, baseURL, account string) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodGet, siteEndpoint(baseURL, account)+"/sitemaps", nil)
}

type scSitemaps struct {
	Sitemap []struct {
		Path            string `json:"path"`
		IsSitemapsIndex bool   `json:"isSitemapsIndex"`
	} `json:"sitemap"`
}

// DecodeSitemaps implements SitemapProfile.
func (SearchConsole) DecodeSitemaps(body []byte) ([]Sitemap, error) {
	var resp scSitemaps
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode sitemaps response: %w", err)
	}
	out := make([]Sitemap, 0, len(resp.Sitemap))
	for _, s := range resp.Sitemap {
		out = append(out, Sitemap{Path: s.Path, IsIndex: s.IsSitemapsIndex})
	}
	return out, nil
}

// NewSubmitSitemapRequest implements SitemapProfile.
func (SearchConsole) NewSubmitSitemapRequest(ctx context.Context, baseURL, account, feedURL string) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodPut, siteEndpoint(baseURL, account)+"/sitemaps/"+url.PathEscape(feedURL), nil)
}
