package discovery

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
)

var wellKnownSitemaps = []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemap-index.xml"}

// sitemapURLs collects every page URL the site's sitemaps list. Sitemap
// indexes are followed recursively to maxDepth. The robots.txt Sitemap
// directives win; the well-known paths are only tried without them.
func (e *Engine) sitemapURLs(ctx context.Context, siteURL string, maxDepth int) []string {
	roots := e.robots.Sitemaps(ctx, siteURL)
	if len(roots) == 0 {
		base, err := url.Parse(siteURL)
		if err != nil {
			return nil
		}
		for _, p := range wellKnownSitemaps {
			roots = append(roots, base.Scheme+"://"+base.Host+p)
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, root := range roots {
		out = append(out, e.walkSitemap(ctx, root, maxDepth, seen)...)
	}
	return preferLanguage(out, e.cfg.PreferredLanguage)
}

func (e *Engine) walkSitemap(ctx context.Context, sitemapURL string, depth int, seen map[string]bool) []string {
	if depth < 0 || seen[sitemapURL] {
		return nil
	}
	seen[sitemapURL] = true

	body, err := e.fetchSitemap(ctx, sitemapURL)
	if err != nil {
		e.logger.Debug("sitemap fetch failed", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}
	doc, err := xmlquery.Parse(strings.NewReader(string(body)))
	if err != nil {
		e.logger.Debug("sitemap parse failed", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}

	var out []string
	for _, loc := range xmlquery.Find(doc, "//sitemapindex/sitemap/loc") {
		out = append(out, e.walkSitemap(ctx, strings.TrimSpace(loc.InnerText()), depth-1, seen)...)
	}
	for _, loc := range xmlquery.Find(doc, "//urlset/url/loc") {
		out = append(out, strings.TrimSpace(loc.InnerText()))
	}
	return out
}

func (e *Engine) fetchSitemap(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if err := e.governor.Wait(ctx, parsed.Host); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &probeError{status: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

// preferLanguage keeps URLs on the preferred language path when the site
// publishes language variants, plus everything language-neutral. German
// operator sites commonly mirror /de/ content under /en/.
func preferLanguage(urls []string, lang string) []string {
	if lang == "" {
		return urls
	}
	preferred := "/" + strings.ToLower(lang) + "/"
	hasPreferred := false
	for _, u := range urls {
		if strings.Contains(strings.ToLower(u), preferred) {
			hasPreferred = true
			break
		}
	}
	if !hasPreferred {
		return urls
	}
	var out []string
	for _, u := range urls {
		if seg := languageSegment(u); seg == "" || seg == strings.ToLower(lang) {
			out = append(out, u)
		}
	}
	return out
}

var knownLanguages = map[string]bool{
	"de": true, "en": true, "fr": true, "it": true, "nl": true, "pl": true, "cs": true, "da": true,
}

func languageSegment(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	for _, seg := range strings.Split(parsed.Path, "/") {
		if knownLanguages[strings.ToLower(seg)] {
			return strings.ToLower(seg)
		}
	}
	return ""
}
