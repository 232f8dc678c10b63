package politeness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Robots enforces robots.txt directives per host with a cached parse.
type Robots struct {
	client    *http.Client
	cache     sync.Map
	userAgent string
	logger    *zap.Logger
}

type robotsEntry struct {
	data     *robotstxt.RobotsData
	sitemaps []string
}

// NewRobots builds a robots.txt cache for the given user agent.
func NewRobots(userAgent string, logger *zap.Logger) *Robots {
	return &Robots{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Allowed reports whether the URL may be fetched. Fetch or parse failures
// allow access; an unreachable robots.txt must not wedge the pipeline.
func (r *Robots) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	entry, err := r.load(ctx, parsed)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := entry.data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.Path)
}

// RootDisallowed reports whether robots.txt forbids crawling the site root
// for our agent. This is a precondition failure for the crawl step.
func (r *Robots) RootDisallowed(ctx context.Context, siteURL string) bool {
	parsed, err := url.Parse(siteURL)
	if err != nil {
		return false
	}
	entry, err := r.load(ctx, parsed)
	if err != nil {
		return false
	}
	group := entry.data.FindGroup(r.userAgent)
	if group == nil {
		return false
	}
	return !group.Test("/")
}

// Sitemaps returns the Sitemap: directives advertised by the host's
// robots.txt, in file order.
func (r *Robots) Sitemaps(ctx context.Context, siteURL string) []string {
	parsed, err := url.Parse(siteURL)
	if err != nil {
		return nil
	}
	entry, err := r.load(ctx, parsed)
	if err != nil {
		return nil
	}
	return entry.sitemaps
}

func (r *Robots) load(ctx context.Context, parsed *url.URL) (*robotsEntry, error) {
	hostKey := strings.ToLower(parsed.Host)
	if cached, ok := r.cache.Load(hostKey); ok {
		entry, assertOK := cached.(*robotsEntry)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", cached)
		}
		return entry, nil
	}

	robotsURL := url.URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   "/robots.txt",
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	entry := &robotsEntry{
		data:     data,
		sitemaps: parseSitemapDirectives(body),
	}
	r.cache.Store(hostKey, entry)
	return entry, nil
}

// parseSitemapDirectives pulls Sitemap: lines out by hand; robotstxt parses
// groups only.
func parseSitemapDirectives(body []byte) []string {
	var sitemaps []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if len(line) < len("sitemap:") {
			continue
		}
		if !strings.EqualFold(line[:len("sitemap:")], "sitemap:") {
			continue
		}
		loc := strings.TrimSpace(line[len("sitemap:"):])
		if loc != "" {
			sitemaps = append(sitemaps, loc)
		}
	}
	return sitemaps
}
