// Package normalize maps positional provider rows onto canonical MetricRecords.
package normalize

import (
	"strconv"
	"time"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

// RawRow is one decoded provider row: dimension values in request order plus
// named measure values.
type RawRow struct {
	Keys   []string
	Values map[string]float64
}

// Schema declares the measures a provider reports.
type Schema struct {
	Measures []ingest.Measure
}

// Normalizer converts RawRows for one schema.
type Normalizer struct {
	schema Schema
}

// New returns a Normalizer for schema.
func New(schema Schema) *Normalizer {
	return &Normalizer{schema: schema}
}

// Normalize maps rows using the requested dimension order. Values beyond the
// requested dimensions are kept under key_<index>. Declared measures missing
// from a row are zero; undeclared measures are kept as reported.
func (n *Normalizer) Normalize(dimensions []string, rows []RawRow) []ingest.MetricRecord {
	out := make([]ingest.MetricRecord, 0, len(rows))
	for _, row := range rows {
		rec := ingest.MetricRecord{
			Dimensions: make(map[string]string),
			Measures:   make(map[string]float64, len(n.schema.Measures)),
		}
		for i, key := range row.Keys {
			if i >= len(dimensions) {
				rec.Dimensions["key_"+strconv.Itoa(i)] = key
				continue
			}
			if dimensions[i] == ingest.DateDimension {
				rec.Date = FormatDate(key)
				continue
			}
			rec.Dimensions[dimensions[i]] = key
		}
		for _, m := range n.schema.Measures {
			rec.Measures[m.Name] = 0
		}
		for name, v := range row.Values {
			rec.Measures[name] = v
		}
		out = append(out, rec)
	}
	return out
}

// FormatDate renders a provider date as YYYY-MM-DD. It accepts compact
// YYYYMMDD values and anything starting with YYYY-MM-DD (timestamps included).
// Unrecognised values are returned unchanged.
func FormatDate(raw string) string {
	if len(raw) == 8 {
		if t, err := time.Parse("20060102", raw); err == nil {
			return t.Format(ingest.DateLayout)
		}
	}
	if len(raw) >= 10 {
		if t, err := time.Parse(ingest.DateLayout, raw[:10]); err == nil {
			return t.Format(ingest.DateLayout)
		}
	}
	return raw
}

// IsCanonicalDate reports whether s is a valid YYYY-MM-DD date.
func IsCanonicalDate(s string) bool {
	if len(s) != len(ingest.DateLayout) {
		return false
	}
	_, err := time.Parse(ingest.DateLayout, s)
	return err == nil
}
