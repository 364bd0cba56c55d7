// Package transport builds the authenticated, rate-limited HTTP clients used
// to reach providers.
package transport

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/JakeFAU/analytics-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/analytics-ingest/internal/telemetry"
)

// Config controls a provider client.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// Limiter paces requests per host. Nil disables outbound pacing.
	Limiter *ratelimit.Limiter
	// Base overrides the pooled transport, mainly for tests.
	Base http.RoundTripper
}

// NewBaseTransport returns the pooled transport shared by provider clients.
func NewBaseTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// StaticToken wraps a bearer token in a token source.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// NewClient returns an http.Client that authenticates with tokens, paces per
// host and records every round trip.
func NewClient(cfg Config, tokens oauth2.TokenSource) *http.Client {
	base := cfg.Base
	if base == nil {
		base = NewBaseTransport()
	}
	var rt http.RoundTripper = instrumented{next: base}
	if tokens != nil {
		rt = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, tokens), Base: rt}
	}
	if cfg.UserAgent != "" {
		rt = userAgent{next: rt, value: cfg.UserAgent}
	}
	if cfg.Limiter != nil {
		rt = cfg.Limiter.RoundTripper(rt)
	}
	return &http.Client{Transport: rt, Timeout: cfg.Timeout}
}

type userAgent struct {
	next  http.RoundTripper
	value string
}

func (u userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return u.next.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", u.value)
	return u.next.RoundTrip(clone)
}

type instrumented struct {
	next http.RoundTripper
}

func (i instrumented) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := i.next.RoundTrip(req)
	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	telemetry.ObserveProviderRequest(telemetry.SanitizeHost(req.URL.Host), code, time.Since(start))
	return resp, err
}
