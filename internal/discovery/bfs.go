package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/politeness"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// crawl is the last-resort strategy: a bounded breadth-first walk from
// the site root. Page cap, depth cap and a wall-clock ceiling all apply;
// whichever trips first ends the crawl. The contactable user agent is a
// hard precondition here, unlike the narrow probes above.
func (e *Engine) crawl(ctx context.Context, req Request, site *url.URL, agg *aggregator) error {
	if err := politeness.ValidateUserAgent(e.cfg.UserAgent); err != nil {
		return fmt.Errorf("bounded crawl: %w", err)
	}

	maxPages := e.cfg.CrawlMaxPages
	maxDepth := e.cfg.CrawlMaxDepth
	if req.Deep {
		maxPages = e.cfg.DeepCrawlMaxPages
		maxDepth = e.cfg.DeepCrawlMaxDepth
	}
	if maxPages <= 0 {
		maxPages = 60
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}
	timeout := e.cfg.CrawlTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	crawlCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host := strings.ToLower(site.Host)
	bare := strings.TrimPrefix(host, "www.")
	allowed := []string{host, bare, "www." + bare}
	if hn := strings.ToLower(site.Hostname()); hn != "" && hn != bare {
		allowed = append(allowed, hn, "www."+hn)
	}
	collector := colly.NewCollector(
		colly.AllowedDomains(allowed...),
		colly.MaxDepth(maxDepth),
		colly.UserAgent(e.cfg.UserAgent),
	)
	collector.AllowURLRevisit = false
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       e.cfg.PerHostDelay,
	}); err != nil {
		return fmt.Errorf("bounded crawl: set limits: %w", err)
	}

	var mu sync.Mutex
	pages := 0

	collector.OnRequest(func(r *colly.Request) {
		mu.Lock()
		over := pages >= maxPages
		if !over {
			pages++
		}
		mu.Unlock()
		if over || crawlCtx.Err() != nil {
			r.Abort()
			return
		}
		if !e.robots.Allowed(crawlCtx, r.URL.String()) {
			r.Abort()
		}
	})

	collector.OnHTML("a[href]", func(el *colly.HTMLElement) {
		link := el.Request.AbsoluteURL(el.Attr("href"))
		if link == "" || !sameDomain(link, agg.host) {
			return
		}
		if isDocumentURL(link) {
			if score, yearMatch := scoreURL(link, req.Class, req.Year, e.cfg.NegativeKeywords); score > 0 {
				mu.Lock()
				agg.add(tariff.CandidateDocument{
					URL:       link,
					Score:     score,
					Strategy:  tariff.StrategyCrawl,
					FileType:  typeFromURL(link),
					YearMatch: yearMatch,
				})
				mu.Unlock()
			}
			return
		}
		if worthFollowing(link, e.cfg.NegativeKeywords) {
			_ = el.Request.Visit(link)
		}
	})

	collector.OnHTML("body", func(el *colly.HTMLElement) {
		pageURL := el.Request.URL.String()
		urlScore, yearMatch := scoreURL(pageURL, req.Class, req.Year, e.cfg.NegativeKeywords)
		density := keywordDensity(el.Text, req.Class)
		if urlScore <= 0 || density <= 0 {
			return
		}
		mu.Lock()
		agg.add(tariff.CandidateDocument{
			URL:       pageURL,
			Score:     urlScore + density,
			Strategy:  tariff.StrategyCrawl,
			FileType:  tariff.TypeHTML,
			YearMatch: yearMatch,
		})
		mu.Unlock()
	})

	collector.OnError(func(r *colly.Response, err error) {
		e.logger.Debug("crawl page error",
			zap.String("url", r.Request.URL.String()), zap.Error(err))
	})

	seeds := []string{site.Scheme + "://" + site.Host + "/"}
	for _, seed := range seedPaths {
		seeds = append(seeds, site.Scheme+"://"+site.Host+seed)
	}
	for _, seed := range seeds {
		if err := collector.Visit(seed); err != nil {
			e.logger.Debug("crawl seed rejected", zap.String("url", seed), zap.Error(err))
		}
	}
	collector.Wait()
	// Running out of wall-clock budget is a normal end of the crawl, the
	// same as hitting the page cap. Only caller cancellation propagates.
	return ctx.Err()
}

// seedPaths are the download/parent pages operators typically hang price
// sheets under, tried alongside the root.
var seedPaths = []string{"/downloads", "/netzentgelte", "/veroeffentlichungen", "/netz"}

var documentURLExtensions = map[string]bool{
	".pdf": true, ".xlsx": true, ".xls": true, ".csv": true, ".docx": true, ".doc": true, ".zip": true,
}

func isDocumentURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(parsed.Path)
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return documentURLExtensions[p[i:]]
	}
	return false
}

// worthFollowing prunes obviously unrelated branches before they cost a
// request.
func worthFollowing(rawURL string, negatives []string) bool {
	l := strings.ToLower(rawURL)
	for _, neg := range negatives {
		if neg != "" && strings.Contains(l, strings.ToLower(neg)) {
			return false
		}
	}
	return true
}
