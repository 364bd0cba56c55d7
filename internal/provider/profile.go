// Package provider describes how to talk to each supported reporting API.
//
// A Profile owns everything provider-specific: the endpoint, the request and
// response encodings, and the measures the provider reports. The client is
// generic over profiles.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
	"github.com/JakeFAU/analytics-ingest/internal/normalize"
)

// Profile is the strategy a client uses for one provider.
type Profile interface {
	Name() string
	DefaultBaseURL() string
	DefaultPageSize() int
	MaxPageSize() int
	Measures() []ingest.Measure
	KnownDimensions() []string
	// RecencyThreshold is the data age after which results are reported stale.
	RecencyThreshold() time.Duration
	NewQueryRequest(ctx context.Context, baseURL, account string, req ingest.FetchRequest, offset, limit int) (*http.Request, error)
	DecodeRows(body []byte, dimensions []string) ([]normalize.RawRow, error)
	// ErrorMessage extracts the provider's message from an error response body.
	ErrorMessage(body []byte) string
}

// Sitemap is one entry of a provider's sitemap listing.
type Sitemap struct {
	Path    string
	IsIndex bool
}

// SitemapProfile is implemented by providers that manage sitemaps.
type SitemapProfile interface {
	Profile
	NewListSitemapsRequest(ctx context.Context, baseURL, account string) (*http.Request, error)
	DecodeSitemaps(body []byte) ([]Sitemap, error)
	NewSubmitSitemapRequest(ctx context.Context, baseURL, account, feedURL string) (*http.Request, error)
}

var registry = map[string]Profile{
	SearchConsoleName: SearchConsole{},
	AnalyticsName:     Analytics{},
}

// Lookup returns the profile registered under name.
func Lookup(name string) (Profile, error) {
	p, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Names lists the registered provider names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MeasureNames returns the names of measures in declaration order.
func MeasureNames(measures []ingest.Measure) []string {
	out := make([]string, len(measures))
	for i, m := range measures {
		out[i] = m.Name
	}
	return out
}

type googleErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// googleErrorMessage reads the standard Google API error envelope and falls
// back to a trimmed copy of the raw body.
func googleErrorMessage(body []byte) string {
	var parsed googleErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

func newJSONRequest(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
