// Package discovery finds candidate tariff documents for an operator,
// cheapest strategy first: remembered profile, sitemaps, learned path
// patterns, and only then a bounded crawl.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/download"
	"github.com/tarifwerk/tariff-crawler/internal/patterns"
	"github.com/tarifwerk/tariff-crawler/internal/politeness"
	"github.com/tarifwerk/tariff-crawler/internal/store"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
	"github.com/tarifwerk/tariff-crawler/internal/telemetry"
)

// Config tunes the discovery engine.
type Config struct {
	UserAgent         string
	MaxCandidates     int
	SitemapMaxDepth   int
	PatternProbes     int
	CrawlMaxPages     int
	CrawlMaxDepth     int
	CrawlTimeout      time.Duration
	DeepCrawlMaxPages int
	DeepCrawlMaxDepth int
	PerHostDelay      time.Duration
	PreferredLanguage string
	NegativeKeywords  []string
}

// Request is one discovery task.
type Request struct {
	Operator tariff.Operator
	Class    tariff.DataClass
	Year     int
	// Deep raises the crawl budgets. The orchestrator sets it when a
	// first pass classified nothing.
	Deep bool
}

// Engine runs the strategy ladder.
type Engine struct {
	cfg      Config
	governor *politeness.Governor
	robots   *politeness.Robots
	profiles store.ProfileStore
	learner  *patterns.Learner
	client   *http.Client
	logger   *zap.Logger
}

// New builds an Engine.
func New(cfg Config, governor *politeness.Governor, robots *politeness.Robots,
	profiles store.ProfileStore, learner *patterns.Learner, logger *zap.Logger) *Engine {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 30
	}
	if cfg.SitemapMaxDepth <= 0 {
		cfg.SitemapMaxDepth = 3
	}
	if cfg.PatternProbes <= 0 {
		cfg.PatternProbes = 5
	}
	if cfg.PreferredLanguage == "" {
		cfg.PreferredLanguage = "de"
	}
	return &Engine{
		cfg:      cfg,
		governor: governor,
		robots:   robots,
		profiles: profiles,
		learner:  learner,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Discover returns ranked candidates, at most MaxCandidates. An empty
// result is a normal outcome, not an error: it means no source exists.
func (e *Engine) Discover(ctx context.Context, req Request) ([]tariff.CandidateDocument, error) {
	site, err := url.Parse(req.Operator.Website)
	if err != nil || site.Host == "" {
		return nil, fmt.Errorf("discover: operator %s has no usable website (%q)", req.Operator.Slug, req.Operator.Website)
	}

	agg := newAggregator(site.Host, e.cfg.MaxCandidates)

	// Strategy 1: remembered profile. A hit short-circuits everything.
	if hit := e.probeProfile(ctx, req, agg); hit {
		telemetry.ObserveDiscovery(string(tariff.StrategyProfile), agg.len())
		return agg.ranked(), nil
	}

	// Strategy 2: sitemaps, scored by string alone.
	for _, u := range e.sitemapURLs(ctx, req.Operator.Website, e.cfg.SitemapMaxDepth) {
		if score, yearMatch := scoreURL(u, req.Class, req.Year, e.cfg.NegativeKeywords); score > 0 {
			agg.add(tariff.CandidateDocument{
				URL:       u,
				Score:     score,
				Strategy:  tariff.StrategySitemap,
				FileType:  typeFromURL(u),
				YearMatch: yearMatch,
			})
		}
	}
	if agg.full() {
		telemetry.ObserveDiscovery(string(tariff.StrategySitemap), agg.len())
		return agg.ranked(), nil
	}

	// Strategy 3: globally learned path fragments, existence-probed.
	e.probePatterns(ctx, req, site, agg)
	if agg.full() {
		telemetry.ObserveDiscovery(string(tariff.StrategyLearnedPattern), agg.len())
		return agg.ranked(), nil
	}

	// Strategy 4: bounded crawl. Needs the contactable user agent.
	if err := e.crawl(ctx, req, site, agg); err != nil {
		if agg.len() == 0 {
			return nil, err
		}
		e.logger.Warn("bounded crawl failed, keeping earlier candidates",
			zap.String("operator", req.Operator.Slug), zap.Error(err))
	}
	telemetry.ObserveDiscovery(string(tariff.StrategyCrawl), agg.len())
	return agg.ranked(), nil
}

// maxProfileMisses is how many crawls in a row may come up empty before
// the remembered profile stops being trusted as a shortcut.
const maxProfileMisses = 3

// probeProfile substitutes the target year into the stored pattern and
// probes that single URL.
func (e *Engine) probeProfile(ctx context.Context, req Request, agg *aggregator) bool {
	profile, err := e.profiles.GetProfile(ctx, req.Operator.ID, req.Class)
	if err != nil {
		if err != store.ErrNotFound {
			e.logger.Warn("profile lookup failed", zap.String("operator", req.Operator.Slug), zap.Error(err))
		}
		return false
	}
	if profile.URLPattern == "" {
		return false
	}
	if profile.ConsecutiveFailures >= maxProfileMisses {
		e.logger.Info("profile distrusted after repeated misses",
			zap.String("operator", req.Operator.Slug),
			zap.Int("misses", profile.ConsecutiveFailures))
		return false
	}
	probeURL := patterns.Substitute(profile.URLPattern, req.Year)
	if !sameDomain(probeURL, agg.host) {
		return false
	}
	if !e.exists(ctx, probeURL) {
		e.logger.Info("profile probe missed",
			zap.String("operator", req.Operator.Slug), zap.String("url", probeURL))
		return false
	}
	agg.add(tariff.CandidateDocument{
		URL:       probeURL,
		Score:     10.0,
		Strategy:  tariff.StrategyProfile,
		FileType:  profile.SourceFormat,
		YearMatch: true,
	})
	return true
}

func (e *Engine) probePatterns(ctx context.Context, req Request, site *url.URL, agg *aggregator) {
	if e.learner == nil {
		return
	}
	top, err := e.learner.Top(ctx, req.Class, e.cfg.PatternProbes)
	if err != nil {
		e.logger.Warn("pattern lookup failed", zap.Error(err))
		return
	}
	for _, p := range top {
		probeURL := site.Scheme + "://" + site.Host + patterns.Substitute(p.Fragment, req.Year)
		if !e.exists(ctx, probeURL) {
			// A miss counts against the fragment so patterns that stop
			// matching sink in the ranking.
			if err := e.learner.RecordFailure(ctx, p.Fragment, req.Class); err != nil {
				e.logger.Warn("pattern penalty failed",
					zap.String("fragment", p.Fragment), zap.Error(err))
			}
			continue
		}
		score := 5.0 + p.SuccessRatio()
		agg.add(tariff.CandidateDocument{
			URL:       probeURL,
			Score:     score,
			Strategy:  tariff.StrategyLearnedPattern,
			FileType:  typeFromURL(probeURL),
			YearMatch: true,
		})
	}
}

type probeError struct {
	status int
}

func (e *probeError) Error() string { return fmt.Sprintf("probe status %d", e.status) }

// exists is the lightweight existence check: HEAD, falling back to GET
// when the server rejects HEAD, without reading the body.
func (e *Engine) exists(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if err := e.governor.Wait(ctx, parsed.Host); err != nil {
		return false
	}
	if ok, decided := e.probeOnce(ctx, http.MethodHead, rawURL); decided {
		return ok
	}
	if err := e.governor.Wait(ctx, parsed.Host); err != nil {
		return false
	}
	ok, _ := e.probeOnce(ctx, http.MethodGet, rawURL)
	return ok
}

func (e *Engine) probeOnce(ctx context.Context, method, rawURL string) (exists, decided bool) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return false, true
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		return false, true
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, true
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusForbidden:
		// Some servers reject HEAD outright; a GET gets the real answer.
		return false, method == http.MethodGet
	default:
		return false, true
	}
}

func typeFromURL(rawURL string) tariff.FileType {
	return download.DetectFileType(nil, "", rawURL)
}

func sameDomain(rawURL, host string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	h := strings.ToLower(parsed.Host)
	host = strings.ToLower(host)
	return h == host || h == "www."+host || "www."+h == host
}

// aggregator deduplicates by normalized URL and keeps the best score per
// URL. Ranking is deterministic: score descending, ties by URL.
type aggregator struct {
	host string
	cap  int
	best map[string]tariff.CandidateDocument
}

func newAggregator(host string, capacity int) *aggregator {
	return &aggregator{host: host, cap: capacity, best: make(map[string]tariff.CandidateDocument)}
}

func (a *aggregator) add(c tariff.CandidateDocument) {
	if !sameDomain(c.URL, a.host) {
		return
	}
	key := normalizeURL(c.URL)
	if prev, ok := a.best[key]; ok && prev.Score >= c.Score {
		return
	}
	a.best[key] = c
}

func (a *aggregator) len() int   { return len(a.best) }
func (a *aggregator) full() bool { return len(a.best) >= a.cap }

func (a *aggregator) ranked() []tariff.CandidateDocument {
	out := make([]tariff.CandidateDocument, 0, len(a.best))
	for _, c := range a.best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].URL < out[j].URL
	})
	if len(out) > a.cap {
		out = out[:a.cap]
	}
	return out
}

func normalizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.Fragment = ""
	parsed.Host = strings.ToLower(strings.TrimPrefix(parsed.Host, "www."))
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	return parsed.String()
}
