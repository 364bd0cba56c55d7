// Package quality scores result sets for completeness and freshness and
// reports value anomalies. Reports are advisory; records are never modified.
package quality

import (
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/normalize"
)

// CompletenessThreshold is the ratio below which missing days are reported.
const CompletenessThreshold = 0.9

// FreshnessHorizon is the age at which freshness reaches zero.
const FreshnessHorizon = 7 * 24 * time.Hour

// Options configures an audit.
type Options struct {
	Measures []ingest.Measure
	// Recency is the age after which the latest row is reported as stale.
	Recency time.Duration
}

// Audit computes a QualityReport for records fetched with req.
//
// Requests without the date dimension return provider-side totals, so
// completeness is not measurable; it is reported as 1 and freshness is
// judged against the request end date.
func Audit(records []ingest.MetricRecord, req ingest.FetchRequest, opts Options, now time.Time) ingest.QualityReport {
	report := ingest.QualityReport{Anomalies: []string{}}
	start, errStart := ingest.ParseDate(req.StartDate)
	end, errEnd := ingest.ParseDate(req.EndDate)
	if errStart == nil && errEnd == nil && !end.Before(start) {
		report.ExpectedDays = ingest.DaysInclusive(start, end)
	}

	if len(records) == 0 {
		report.Anomalies = append(report.Anomalies, "no rows returned")
		return report
	}

	today := truncateDay(now)
	var latest time.Time
	if req.HasDimension(ingest.DateDimension) {
		present := make(map[string]struct{})
		malformed := 0
		for _, r := range records {
			d, err := ingest.ParseDate(r.Date)
			if err != nil || !normalize.IsCanonicalDate(r.Date) {
				malformed++
				continue
			}
			if d.Before(start) || d.After(end) {
				continue
			}
			present[r.Date] = struct{}{}
			if d.After(latest) {
				latest = d
			}
		}
		report.PresentDays = len(present)
		if report.ExpectedDays > 0 {
			report.Completeness = float64(report.PresentDays) / float64(report.ExpectedDays)
		}
		if report.Completeness < CompletenessThreshold {
			missing := report.ExpectedDays - report.PresentDays
			report.Anomalies = append(report.Anomalies,
				fmt.Sprintf("%d of %d expected days missing", missing, report.ExpectedDays))
		}
		if malformed > 0 {
			report.Anomalies = append(report.Anomalies, fmt.Sprintf("%d rows with malformed date", malformed))
		}
	} else {
		report.Completeness = 1
		report.PresentDays = report.ExpectedDays
		if errEnd == nil {
			latest = end
		}
	}

	if !latest.IsZero() {
		report.LatestDate = ingest.FormatDate(latest)
		age := today.Sub(latest)
		if age < 0 {
			age = 0
		}
		report.Freshness = math.Max(0, 1-age.Hours()/FreshnessHorizon.Hours())
		if opts.Recency > 0 && age > opts.Recency {
			report.Anomalies = append(report.Anomalies, fmt.Sprintf(
				"latest data is %d days old (threshold %d days)",
				int(age.Hours()/24), int(opts.Recency.Hours()/24)))
		}
	}

	report.Anomalies = append(report.Anomalies, valueAnomalies(records, opts.Measures)...)
	return report
}

func valueAnomalies(records []ingest.MetricRecord, measures []ingest.Measure) []string {
	var out []string
	for _, m := range measures {
		negative, outOfRange := 0, 0
		for _, r := range records {
			v, ok := r.Measures[m.Name]
			if !ok {
				continue
			}
			if (m.NonNegative || m.Kind == ingest.MeasureCount) && v < 0 {
				negative++
			}
			if m.Kind == ingest.MeasureRatio && (v < 0 || v > 1) {
				outOfRange++
			}
		}
		if negative > 0 {
			out = append(out, fmt.Sprintf("%s is negative in %d rows", m.Name, negative))
		}
		if outOfRange > 0 {
			out = append(out, fmt.Sprintf("%s outside [0,1] in %d rows", m.Name, outOfRange))
		}
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
