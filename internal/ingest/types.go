// Package ingest defines core types shared across the provider read path.
package ingest

import (
	"time"
)

// DateLayout is the canonical date encoding for every MetricRecord.
const DateLayout = "2006-01-02"

// MaxRangeDays bounds the inclusive span of a FetchRequest.
const MaxRangeDays = 365

// DateDimension is the dimension name that carries the row date.
const DateDimension = "date"

// MetricRecord is the canonical, provider-agnostic row.
type MetricRecord struct {
	Date       string             `json:"date,omitempty"`
	Dimensions map[string]string  `json:"dimensions,omitempty"`
	Measures   map[string]float64 `json:"measures"`
}

// Field returns the value of a group-by field: the date or a dimension.
func (r MetricRecord) Field(name string) (string, bool) {
	if name == DateDimension {
		return r.Date, r.Date != ""
	}
	v, ok := r.Dimensions[name]
	return v, ok
}

// Clone returns a deep copy of the record.
func (r MetricRecord) Clone() MetricRecord {
	out := MetricRecord{Date: r.Date}
	if r.Dimensions != nil {
		out.Dimensions = make(map[string]string, len(r.Dimensions))
		for k, v := range r.Dimensions {
			out.Dimensions[k] = v
		}
	}
	out.Measures = make(map[string]float64, len(r.Measures))
	for k, v := range r.Measures {
		out.Measures[k] = v
	}
	return out
}

// CloneRecords deep-copies a record slice.
func CloneRecords(in []MetricRecord) []MetricRecord {
	if in == nil {
		return nil
	}
	out := make([]MetricRecord, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// FilterOperator enumerates supported dimension filter operators.
type FilterOperator string

// Supported filter operators.
const (
	FilterEquals         FilterOperator = "equals"
	FilterNotEquals      FilterOperator = "notEquals"
	FilterContains       FilterOperator = "contains"
	FilterNotContains    FilterOperator = "notContains"
	FilterIncludingRegex FilterOperator = "includingRegex"
	FilterExcludingRegex FilterOperator = "excludingRegex"
)

// Filter restricts a dimension to matching values.
type Filter struct {
	Dimension  string         `json:"dimension" mapstructure:"dimension"`
	Operator   FilterOperator `json:"operator" mapstructure:"operator"`
	Expression string         `json:"expression" mapstructure:"expression"`
}

// FetchRequest describes one report query.
type FetchRequest struct {
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	Dimensions  []string `json:"dimensions"`
	Filters     []Filter `json:"filters,omitempty"`
	PageSize    int      `json:"page_size"`
	StartOffset int      `json:"start_offset"`
}

// HasDimension reports whether the request asks for the named dimension.
func (r FetchRequest) HasDimension(name string) bool {
	for _, d := range r.Dimensions {
		if d == name {
			return true
		}
	}
	return false
}

// FetchOptions tunes a single FetchMetrics call. The zero value uses the cache
// and performs a full (non-incremental) fetch.
type FetchOptions struct {
	BypassCache bool
	Incremental bool
	CacheTTL    time.Duration
}

// MeasureKind describes how a measure aggregates and is audited.
type MeasureKind string

// Measure kinds.
const (
	// MeasureCount is a non-negative additive counter (clicks, sessions).
	MeasureCount MeasureKind = "count"
	// MeasureRatio is a fraction in [0,1] derived from two counts.
	MeasureRatio MeasureKind = "ratio"
	// MeasureWeighted is a mean that combines by a weight measure (position).
	MeasureWeighted MeasureKind = "weighted"
)

// Measure declares one numeric field a provider reports.
type Measure struct {
	Name string
	Kind MeasureKind
	// Numerator and Denominator name the counts a ratio is recomputed from.
	// A ratio of the form 1 - a/b sets Complement.
	Numerator   string
	Denominator string
	Complement  bool
	// Weight names the measure used to combine weighted means.
	Weight string
	// NonNegative flags negative values as anomalies.
	NonNegative bool
}

// QualityReport annotates a result set; it is derived and never persisted.
type QualityReport struct {
	Completeness float64  `json:"completeness"`
	Freshness    float64  `json:"freshness"`
	ExpectedDays int      `json:"expected_days"`
	PresentDays  int      `json:"present_days"`
	LatestDate   string   `json:"latest_date,omitempty"`
	Anomalies    []string `json:"anomalies"`
}

// Report is the quality-annotated output of one fetch.
type Report struct {
	Provider  string         `json:"provider"`
	Account   string         `json:"account"`
	Request   FetchRequest   `json:"request"`
	Records   []MetricRecord `json:"records"`
	Quality   QualityReport  `json:"quality"`
	FetchedAt time.Time      `json:"fetched_at"`
	FromCache bool           `json:"from_cache"`
}

// RunStatus represents the lifecycle state of an ingest run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord captures one execution of a configured poll.
type RunRecord struct {
	ID           string     `json:"id"`
	Poll         string     `json:"poll"`
	Tenant       string     `json:"tenant"`
	Provider     string     `json:"provider"`
	Status       RunStatus  `json:"status"`
	Submitted    time.Time  `json:"submitted_at"`
	Started      *time.Time `json:"started_at,omitempty"`
	Finished     *time.Time `json:"finished_at,omitempty"`
	Rows         int        `json:"rows"`
	Completeness float64    `json:"completeness"`
	Freshness    float64    `json:"freshness"`
	Anomalies    []string   `json:"anomalies,omitempty"`
	BlobURI      string     `json:"blob_uri,omitempty"`
	ErrorText    string     `json:"error_text,omitempty"`
}
