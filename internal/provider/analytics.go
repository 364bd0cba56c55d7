package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/normalize"
)

// AnalyticsName is the configuration name of the site traffic provider.
const AnalyticsName = "analytics"

var analyticsMeasures = []ingest.Measure{
	{Name: "sessions", Kind: ingest.MeasureCount, NonNegative: true},
	{Name: "activeUsers", Kind: ingest.MeasureCount, NonNegative: true},
	{Name: "newUsers", Kind: ingest.MeasureCount, NonNegative: true},
	{Name: "screenPageViews", Kind: ingest.MeasureCount, NonNegative: true},
	{Name: "engagedSessions", Kind: ingest.MeasureCount, NonNegative: true},
	{
		Name: "bounceRate", Kind: ingest.MeasureRatio,
		Numerator: "engagedSessions", Denominator: "sessions", Complement: true,
	},
	{Name: "engagementRate", Kind: ingest.MeasureRatio, Numerator: "engagedSessions", Denominator: "sessions"},
	{Name: "averageSessionDuration", Kind: ingest.MeasureWeighted, Weight: "sessions", NonNegative: true},
}

// Analytics runs site traffic reports against a property.
type Analytics struct{}

// Name implements Profile.
func (Analytics) Name() string { return AnalyticsName }

// DefaultBaseURL implements Profile.
func (Analytics) DefaultBaseURL() string { return "https://analyticsdata.googleapis.com" }

// DefaultPageSize implements Profile.
func (Analytics) DefaultPageSize() int { return 10000 }

// MaxPageSize implements Profile.
func (Analytics) MaxPageSize() int { return 100000 }

// Measures implements Profile.
func (Analytics) Measures() []ingest.Measure { return analyticsMeasures }

// KnownDimensions implements Profile.
func (Analytics) KnownDimensions() []string { return []string{"date", "pagePath"} }

// RecencyThreshold implements Profile.
func (Analytics) RecencyThreshold() time.Duration { return 2 * 24 * time.Hour }

type gaName struct {
	Name string `json:"name"`
}

type gaDateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type gaStringFilter struct {
	MatchType string `json:"matchType"`
	Value     string `json:"value"`
}

type gaFilter struct {
	FieldName    string         `json:"fieldName"`
	StringFilter gaStringFilter `json:"stringFilter"`
}

type gaExpression struct {
	Filter        *gaFilter      `json:"filter,omitempty"`
	NotExpression *gaExpression  `json:"notExpression,omitempty"`
	AndGroup      *gaExpressions `json:"andGroup,omitempty"`
}

type gaExpressions struct {
	Expressions []gaExpression `json:"expressions"`
}

type gaReport struct {
	DateRanges      []gaDateRange `json:"dateRanges"`
	Dimensions      []gaName      `json:"dimensions,omitempty"`
	Metrics         []gaName      `json:"metrics"`
	Limit           int64         `json:"limit,string"`
	Offset          int64         `json:"offset,string"`
	DimensionFilter *gaExpression `json:"dimensionFilter,omitempty"`
}

func filterExpression(f ingest.Filter) gaExpression {
	var match string
	negate := false
	switch f.Operator {
	case ingest.FilterEquals:
		match = "EXACT"
	case ingest.FilterNotEquals:
		match, negate = "EXACT", true
	case ingest.FilterContains:
		match = "CONTAINS"
	case ingest.FilterNotContains:
		match, negate = "CONTAINS", true
	case ingest.FilterIncludingRegex:
		match = "PARTIAL_REGEXP"
	case ingest.FilterExcludingRegex:
		match, negate = "PARTIAL_REGEXP", true
	}
	expr := gaExpression{Filter: &gaFilter{
		FieldName:    f.Dimension,
		StringFilter: gaStringFilter{MatchType: match, Value: f.Expression},
	}}
	if negate {
		return gaExpression{NotExpression: &expr}
	}
	return expr
}

func propertyID(account string) string {
	return strings.TrimPrefix(strings.TrimSpace(account), "properties/")
}

// NewQueryRequest implements Profile.
func (a Analytics) NewQueryRequest(
	ctx context.Context,
	baseURL, account string,
	req ingest.FetchRequest,
	offset, limit int,
) (*http.Request, error) {
	report := gaReport{
		DateRanges: []gaDateRange{{StartDate: req.StartDate, EndDate: req.EndDate}},
		Limit:      int64(limit),
		Offset:     int64(offset),
	}
	for _, d := range req.Dimensions {
		report.Dimensions = append(report.Dimensions, gaName{Name: d})
	}
	for _, m := range a.Measures() {
		report.Metrics = append(report.Metrics, gaName{Name: m.Name})
	}
	switch len(req.Filters) {
	case 0:
	case 1:
		expr := filterExpression(req.Filters[0])
		report.DimensionFilter = &expr
	default:
		group := &gaExpressions{}
		for _, f := range req.Filters {
			group.Expressions = append(group.Expressions, filterExpression(f))
		}
		report.DimensionFilter = &gaExpression{AndGroup: group}
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/v1beta/properties/" + propertyID(account) + ":runReport"
	return newJSONRequest(ctx, http.MethodPost, endpoint, report)
}

type gaValue struct {
	Value string `json:"value"`
}

type gaResponse struct {
	DimensionHeaders []gaName `json:"dimensionHeaders"`
	MetricHeaders    []gaName `json:"metricHeaders"`
	Rows             []struct {
		DimensionValues []gaValue `json:"dimensionValues"`
		MetricValues    []gaValue `json:"metricValues"`
	} `json:"rows"`
	RowCount int `json:"rowCount"`
}

// DecodeRows implements Profile. Dimension values are reordered to match the
// requested dimensions; headers the request did not name are appended.
func (Analytics) DecodeRows(body []byte, dimensions []string) ([]normalize.RawRow, error) {
	var resp gaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode run report response: %w", err)
	}

	position := make(map[string]int, len(dimensions))
	for i, d := range dimensions {
		position[d] = i
	}
	order := make([]int, len(resp.DimensionHeaders))
	extra := len(dimensions)
	for i, h := range resp.DimensionHeaders {
		if p, ok := position[h.Name]; ok {
			order[i] = p
			continue
		}
		order[i] = extra
		extra++
	}

	rows := make([]normalize.RawRow, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		keys := make([]string, extra)
		for i, v := range r.DimensionValues {
			if i < len(order) {
				keys[order[i]] = v.Value
			}
		}
		values := make(map[string]float64, len(r.MetricValues))
		for i, v := range r.MetricValues {
			if i >= len(resp.MetricHeaders) {
				break
			}
			f, err := strconv.ParseFloat(v.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("parse metric %s value %q: %w", resp.MetricHeaders[i].Name, v.Value, err)
			}
			values[resp.MetricHeaders[i].Name] = f
		}
		rows = append(rows, normalize.RawRow{Keys: keys, Values: values})
	}
	return rows, nil
}

// ErrorMessage implements Profile.
func (Analytics) ErrorMessage(body []byte) string { return googleErrorMessage(body) }
