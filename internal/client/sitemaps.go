package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/analytics-ingest/internal/apierror"
	"github.com/JakeFAU/analytics-ingest/internal/provider"
)

// ErrSitemapsUnsupported is returned when the provider has no sitemap API.
var ErrSitemapsUnsupported = errors.New("provider does not manage sitemaps")

// conventionalSitemapPaths are tried, in order, after the provider listing and
// robots.txt.
var conventionalSitemapPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap-index.xml",
	"/wp-sitemap.xml",
}

// Prober checks candidate sitemap locations on the public site.
type Prober interface {
	Exists(ctx context.Context, rawURL string) (bool, error)
	RobotsSitemaps(ctx context.Context, siteURL string) ([]string, error)
}

// SubmitResult reports the outcome of a sitemap operation.
type SubmitResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	SitemapURL string `json:"sitemap_url,omitempty"`
}

// Sitemaps is the sitemap side channel of a Client. Its operations report
// failures in their results instead of returning errors.
type Sitemaps struct {
	c       *Client
	profile provider.SitemapProfile
}

// Sitemaps returns the sitemap capability, or ErrSitemapsUnsupported when the
// provider has none.
func (c *Client) Sitemaps() (*Sitemaps, error) {
	sp, ok := c.profile.(provider.SitemapProfile)
	if !ok {
		return nil, fmt.Errorf("%s: %w", c.profile.Name(), ErrSitemapsUnsupported)
	}
	return &Sitemaps{c: c, profile: sp}, nil
}

// List returns the sitemaps registered with the provider.
func (s *Sitemaps) List(ctx context.Context) ([]provider.Sitemap, error) {
	c := s.c
	var sitemaps []provider.Sitemap
	err := c.exec.Execute(ctx, "sitemaps.list", func(ctx context.Context) error {
		body, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
			return s.profile.NewListSitemapsRequest(ctx, c.baseURL, c.tenant.Account)
		})
		if err != nil {
			return err
		}
		sitemaps, err = s.profile.DecodeSitemaps(body)
		if err != nil {
			return &apierror.Error{Kind: apierror.KindUnknown, Message: "undecodable sitemap listing", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sitemaps, nil
}

// DetectSitemapURL returns the sitemap the provider already knows for the
// account. ok is false when none is listed or the listing failed.
func (s *Sitemaps) DetectSitemapURL(ctx context.Context) (string, bool) {
	sitemaps, err := s.List(ctx)
	if err != nil {
		s.c.logger.Warn("sitemap listing failed", zap.Error(err))
		return "", false
	}
	return preferredSitemap(sitemaps)
}

// SubmitSitemapURL registers feedURL with the provider.
func (s *Sitemaps) SubmitSitemapURL(ctx context.Context, feedURL string) SubmitResult {
	c := s.c
	if u, err := url.Parse(feedURL); err != nil || u.Scheme == "" || u.Host == "" {
		return SubmitResult{Message: fmt.Sprintf("invalid sitemap url %q", feedURL), SitemapURL: feedURL}
	}
	err := c.exec.Execute(ctx, "sitemaps.submit", func(ctx context.Context) error {
		_, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
			return s.profile.NewSubmitSitemapRequest(ctx, c.baseURL, c.tenant.Account, feedURL)
		})
		return err
	})
	if err != nil {
		c.logger.Warn("sitemap submission failed", zap.String("sitemap", feedURL), zap.Error(err))
		return SubmitResult{Message: err.Error(), SitemapURL: feedURL}
	}
	c.logger.Info("sitemap submitted", zap.String("sitemap", feedURL))
	return SubmitResult{Success: true, SitemapURL: feedURL}
}

// SubmitSitemapForArticle submits the sitemap covering articleURL: the
// provider's listed sitemap when there is one, otherwise the first candidate
// from robots.txt or the conventional paths on the article's origin.
func (s *Sitemaps) SubmitSitemapForArticle(ctx context.Context, articleURL string) SubmitResult {
	origin, err := siteOrigin(articleURL)
	if err != nil {
		return SubmitResult{Message: fmt.Sprintf("invalid article url %q", articleURL)}
	}
	if feed, ok := s.DetectSitemapURL(ctx); ok {
		return s.SubmitSitemapURL(ctx, feed)
	}

	c := s.c
	last := SubmitResult{Message: "no sitemap found for " + origin}
	for _, candidate := range s.candidates(ctx, origin) {
		if err := ctx.Err(); err != nil {
			return SubmitResult{Message: err.Error()}
		}
		if c.prober != nil && !s.exists(ctx, candidate) {
			continue
		}
		res := s.SubmitSitemapURL(ctx, candidate)
		if res.Success {
			return res
		}
		last = res
	}
	return last
}

// candidates lists same-origin robots.txt sitemaps followed by the
// conventional paths, without duplicates.
func (s *Sitemaps) candidates(ctx context.Context, origin string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	if s.c.prober != nil {
		fromRobots, err := s.c.prober.RobotsSitemaps(ctx, origin)
		if err != nil {
			s.c.logger.Debug("robots.txt unavailable", zap.String("origin", origin), zap.Error(err))
		}
		for _, u := range fromRobots {
			if sameOrigin(u, origin) {
				add(u)
			}
		}
	}
	for _, p := range conventionalSitemapPaths {
		add(origin + p)
	}
	return out
}

func (s *Sitemaps) exists(ctx context.Context, candidate string) bool {
	ok, err := s.c.prober.Exists(ctx, candidate)
	if err != nil {
		s.c.logger.Debug("sitemap probe failed", zap.String("url", candidate), zap.Error(err))
		return false
	}
	return ok
}

// preferredSitemap picks the first plain sitemap, else the first entry.
func preferredSitemap(sitemaps []provider.Sitemap) (string, bool) {
	for _, sm := range sitemaps {
		if !sm.IsIndex && sm.Path != "" {
			return sm.Path, true
		}
	}
	for _, sm := range sitemaps {
		if sm.Path != "" {
			return sm.Path, true
		}
	}
	return "", false
}

// siteOrigin returns scheme://host for a URL or a domain property
// ("sc-domain:example.com", which maps to https).
func siteOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sc-domain:"); ok {
		raw = "https://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute http(s) url", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

func sameOrigin(rawURL, origin string) bool {
	o, err := siteOrigin(rawURL)
	return err == nil && strings.EqualFold(o, origin)
}
