// Package collyfetcher probes websites for sitemap locations using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/temoto/robotstxt"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Transport overrides the pooled transport, mainly for tests.
	Transport http.RoundTripper
}

// Prober checks whether candidate sitemap URLs exist and reads robots.txt
// Sitemap directives.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type probeResult struct {
	status int
	body   []byte
	err    error
}

// New builds a Prober.
func New(cfg Config) *Prober {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true

	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(&robotsRetryTransport{base: transport})

	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Prober{cfg: cfg, baseCollector: c}
}

// Exists issues a HEAD request and reports whether the URL answered 2xx.
// A 404 or 410 is a definite "no"; other failures are returned as errors.
func (p *Prober) Exists(ctx context.Context, rawURL string) (bool, error) {
	var result probeResult
	collector := p.buildCollector(&result)
	visitErr, err := p.runCollector(ctx, func() error { return collector.Head(rawURL) })
	if err != nil {
		return false, err
	}
	if visitErr != nil && result.status == 0 {
		return false, visitErr
	}
	switch {
	case result.status >= 200 && result.status < 300:
		return true, nil
	case result.status == http.StatusNotFound, result.status == http.StatusGone:
		return false, nil
	case result.err != nil:
		return false, fmt.Errorf("probe %s: %w", rawURL, result.err)
	default:
		return false, fmt.Errorf("probe %s: unexpected status %d", rawURL, result.status)
	}
}

// RobotsSitemaps fetches /robots.txt for siteURL and returns its Sitemap
// directives. A missing robots.txt yields no sitemaps and no error.
func (p *Prober) RobotsSitemaps(ctx context.Context, siteURL string) ([]string, error) {
	robotsURL, err := robotsLocation(siteURL)
	if err != nil {
		return nil, err
	}
	var result probeResult
	collector := p.buildCollector(&result)
	visitErr, err := p.runCollector(ctx, func() error { return collector.Visit(robotsURL) })
	if err != nil {
		return nil, err
	}
	if result.status == 0 {
		return nil, fmt.Errorf("fetch %s: %w", robotsURL, visitErr)
	}
	data, err := robotstxt.FromStatusAndBytes(result.status, result.body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", robotsURL, err)
	}
	return data.Sitemaps, nil
}

func (p *Prober) buildCollector(result *probeResult) *colly.Collector {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)
	configureCollectorHooks(collector, result)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, result *probeResult) {
	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
			result.body = append([]byte(nil), r.Body...)
		}
		result.err = err
	})
}

// runCollector returns the visit error once the visit finishes, or a non-nil
// second error if ctx ends first. In that case the visit's result must not be
// read.
func (p *Prober) runCollector(ctx context.Context, visit func() error) (visitErr, ctxErr error) {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err), nil
		}
		return nil, nil
	}
}

func robotsLocation(siteURL string) (string, error) {
	siteURL = strings.TrimSpace(siteURL)
	if siteURL == "" {
		return "", errors.New("empty site url")
	}
	u, err := parseSiteURL(siteURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host + "/robots.txt", nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
