// Package aggregate reduces metric records, optionally per group-by key.
package aggregate

import (
	"fmt"
	"math"
	"strings"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

// Reducer names a per-measure reduction.
type Reducer string

// Supported reducers.
const (
	Sum     Reducer = "sum"
	Average Reducer = "average"
	Count   Reducer = "count"
	Min     Reducer = "min"
	Max     Reducer = "max"
)

// ParseReducer validates a configured reducer name; empty means Sum.
func ParseReducer(s string) (Reducer, error) {
	switch r := Reducer(strings.ToLower(s)); r {
	case "":
		return Sum, nil
	case Sum, Average, Count, Min, Max:
		return r, nil
	default:
		return "", fmt.Errorf("unknown reducer %q", s)
	}
}

// Options configures Aggregate.
type Options struct {
	GroupBy  []string
	Reducer  Reducer
	Measures []ingest.Measure
}

// Aggregate reduces records per group. Groups keep first-appearance order and
// take their group-by values from their first member. Under Sum and Average,
// ratio measures are recomputed from the reduced numerator and denominator
// and weighted measures use the weighted mean.
func Aggregate(records []ingest.MetricRecord, opts Options) []ingest.MetricRecord {
	if len(records) == 0 {
		return nil
	}
	reducer := opts.Reducer
	if reducer == "" {
		reducer = Sum
	}

	var order []string
	groups := make(map[string][]ingest.MetricRecord)
	for _, r := range records {
		key := groupKey(r, opts.GroupBy)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	out := make([]ingest.MetricRecord, 0, len(order))
	for _, key := range order {
		members := groups[key]
		rec := reduce(members, reducer, opts.Measures)
		attachGroupValues(&rec, members[0], opts.GroupBy)
		out = append(out, rec)
	}
	return out
}

func groupKey(r ingest.MetricRecord, groupBy []string) string {
	if len(groupBy) == 0 {
		return ""
	}
	parts := make([]string, len(groupBy))
	for i, f := range groupBy {
		parts[i], _ = r.Field(f)
	}
	return strings.Join(parts, "|")
}

func attachGroupValues(rec *ingest.MetricRecord, first ingest.MetricRecord, groupBy []string) {
	for _, f := range groupBy {
		v, ok := first.Field(f)
		if !ok {
			continue
		}
		if f == ingest.DateDimension {
			rec.Date = v
			continue
		}
		if rec.Dimensions == nil {
			rec.Dimensions = make(map[string]string, len(groupBy))
		}
		rec.Dimensions[f] = v
	}
}

func reduce(members []ingest.MetricRecord, reducer Reducer, measures []ingest.Measure) ingest.MetricRecord {
	values := make(map[string][]float64)
	for _, m := range members {
		for name, v := range m.Measures {
			values[name] = append(values[name], v)
		}
	}

	rec := ingest.MetricRecord{Measures: make(map[string]float64, len(values))}
	for name, vs := range values {
		rec.Measures[name] = apply(reducer, vs)
	}
	if reducer != Sum && reducer != Average {
		return rec
	}

	for _, m := range measures {
		switch m.Kind {
		case ingest.MeasureRatio:
			if m.Numerator == "" || m.Denominator == "" {
				continue
			}
			num, okNum := rec.Measures[m.Numerator]
			den, okDen := rec.Measures[m.Denominator]
			if !okNum || !okDen {
				continue
			}
			rec.Measures[m.Name] = ratio(num, den, m.Complement)
		case ingest.MeasureWeighted:
			if m.Weight == "" {
				continue
			}
			if v, ok := weightedMean(members, m.Name, m.Weight); ok {
				rec.Measures[m.Name] = v
			}
		}
	}
	return rec
}

func apply(reducer Reducer, vs []float64) float64 {
	switch reducer {
	case Count:
		return float64(len(vs))
	case Min:
		out := math.Inf(1)
		for _, v := range vs {
			out = math.Min(out, v)
		}
		return out
	case Max:
		out := math.Inf(-1)
		for _, v := range vs {
			out = math.Max(out, v)
		}
		return out
	case Average:
		return sum(vs) / float64(len(vs))
	default:
		return sum(vs)
	}
}

func sum(vs []float64) float64 {
	var total float64
	for _, v := range vs {
		total += v
	}
	return total
}

func ratio(num, den float64, complement bool) float64 {
	if den == 0 {
		return 0
	}
	if complement {
		return 1 - num/den
	}
	return num / den
}

func weightedMean(members []ingest.MetricRecord, name, weight string) (float64, bool) {
	var total, weights float64
	seen := false
	for _, m := range members {
		v, ok := m.Measures[name]
		if !ok {
			continue
		}
		seen = true
		w := m.Measures[weight]
		total += v * w
		weights += w
	}
	if !seen {
		return 0, false
	}
	if weights == 0 {
		return 0, true
	}
	return total / weights, true
}
