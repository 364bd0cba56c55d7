package normalize

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

var testSchema = Schema{Measures: []ingest.Measure{
	{Name: "clicks", Kind: ingest.MeasureCount},
	{Name: "impressions", Kind: ingest.MeasureCount},
	{Name: "ctr", Kind: ingest.MeasureRatio},
	{Name: "position", Kind: ingest.MeasureWeighted},
}}

func TestNormalizeMapsDimensionsByPosition(t *testing.T) {
	t.Parallel()

	n := New(testSchema)
	recs := n.Normalize([]string{"date", "query", "page"}, []RawRow{
		{Keys: []string{"2024-03-01", "shoes", "/p/1"}, Values: map[string]float64{"clicks": 10, "impressions": 100}},
	})
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "2024-03-01", rec.Date)
	assert.Equal(t, map[string]string{"query": "shoes", "page": "/p/1"}, rec.Dimensions)
	assert.Equal(t, 10.0, rec.Measures["clicks"])
	assert.Contains(t, rec.Measures, "ctr")
	assert.Zero(t, rec.Measures["position"])
}

func TestNormalizePreservesUnknownAndSurplusKeys(t *testing.T) {
	t.Parallel()

	n := New(testSchema)
	recs := n.Normalize([]string{"searchAppearance", "customThing"}, []RawRow{
		{Keys: []string{"AMP_BLUE_LINK", "x", "extra"}, Values: map[string]float64{"novel": 3}},
	})
	require.Len(t, recs, 1)
	assert.Equal(t, "x", recs[0].Dimensions["customThing"])
	assert.Equal(t, "extra", recs[0].Dimensions["key_2"])
	assert.Equal(t, 3.0, recs[0].Measures["novel"])
	assert.Empty(t, recs[0].Date)
}

func TestFormatDate(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"20240301":             "2024-03-01",
		"2024-03-01":           "2024-03-01",
		"2024-03-01T10:00:00Z": "2024-03-01",
		"(other)":              "(other)",
		"20241399":             "20241399",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatDate(in), in)
	}
}

func TestNormalizedDatesAreCanonical(t *testing.T) {
	t.Parallel()

	dateRE := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	n := New(testSchema)
	recs := n.Normalize([]string{"date"}, []RawRow{
		{Keys: []string{"20240101"}}, {Keys: []string{"2024-01-02"}}, {Keys: []string{"2024-01-03T00:00:00"}},
	})
	for _, r := range recs {
		require.Regexp(t, dateRE, r.Date)
		require.True(t, IsCanonicalDate(r.Date))
	}
	require.False(t, IsCanonicalDate("2024-1-3"))
}
