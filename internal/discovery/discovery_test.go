package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/patterns"
	"github.com/tarifwerk/tariff-crawler/internal/politeness"
	"github.com/tarifwerk/tariff-crawler/internal/store/memory"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

const testUA = "tarifwerk-bot/1.0 (+mailto:crawler@tarifwerk.de)"

type testSite struct {
	srv  *httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newTestSite(t *testing.T, routes map[string]string) *testSite {
	t.Helper()
	s := &testSite{hits: make(map[string]int)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *testSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func testEngine(t *testing.T, cfg Config, profiles *memory.ProfileStore, learner *patterns.Learner) *Engine {
	t.Helper()
	if cfg.UserAgent == "" {
		cfg.UserAgent = testUA
	}
	if cfg.PerHostDelay == 0 {
		cfg.PerHostDelay = time.Millisecond
	}
	if cfg.CrawlTimeout == 0 {
		cfg.CrawlTimeout = 5 * time.Second
	}
	gov := politeness.NewGovernor(politeness.GovernorConfig{PerHostDelay: time.Millisecond})
	robots := politeness.NewRobots(cfg.UserAgent, zap.NewNop())
	if profiles == nil {
		profiles = memory.NewProfileStore()
	}
	if learner == nil {
		learner = patterns.NewLearner(memory.NewPatternStore())
	}
	return New(cfg, gov, robots, profiles, learner, zap.NewNop())
}

func operatorFor(site *testSite) tariff.Operator {
	return tariff.Operator{ID: "op-1", Slug: "beispiel-netz", Name: "Beispiel Netz GmbH", Website: site.srv.URL}
}

func TestProfileProbeShortCircuits(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/downloads/2025/preisblatt.pdf": "%PDF-1.7",
	})
	profiles := memory.NewProfileStore()
	require.NoError(t, profiles.UpsertProfile(context.Background(), &tariff.SourceProfile{
		OperatorID:   "op-1",
		DataClass:    tariff.ClassTariff,
		URLPattern:   site.srv.URL + "/downloads/{year}/preisblatt.pdf",
		SourceFormat: tariff.TypePDF,
		Strategy:     tariff.StrategyProfile,
	}))

	e := testEngine(t, Config{}, profiles, nil)
	got, err := e.Discover(context.Background(), Request{
		Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, site.srv.URL+"/downloads/2025/preisblatt.pdf", got[0].URL)
	require.Equal(t, tariff.StrategyProfile, got[0].Strategy)
	require.True(t, got[0].YearMatch)

	// The hit ends the ladder before any sitemap is fetched.
	require.Zero(t, site.hitCount("/robots.txt"))
	require.Zero(t, site.hitCount("/sitemap.xml"))
}

func TestProfileDistrustedAfterRepeatedMisses(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":                              "<html><body>Unter Konstruktion</body></html>",
		"/downloads/2025/preisblatt.pdf": "%PDF-1.7",
	})
	profiles := memory.NewProfileStore()
	require.NoError(t, profiles.UpsertProfile(context.Background(), &tariff.SourceProfile{
		OperatorID:   "op-1",
		DataClass:    tariff.ClassTariff,
		URLPattern:   site.srv.URL + "/downloads/{year}/preisblatt.pdf",
		SourceFormat: tariff.TypePDF,
		Strategy:     tariff.StrategyProfile,
	}))
	for i := 0; i < maxProfileMisses; i++ {
		require.NoError(t, profiles.BumpProfileFailure(context.Background(), "op-1", tariff.ClassTariff))
	}

	e := testEngine(t, Config{CrawlMaxPages: 3, CrawlMaxDepth: 1}, profiles, nil)
	got, err := e.Discover(context.Background(), Request{
		Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025,
	})
	require.NoError(t, err)

	// The pattern would still resolve, but the ladder no longer trusts it
	// and the document is not linked anywhere else.
	require.Zero(t, site.hitCount("/downloads/2025/preisblatt.pdf"))
	for _, c := range got {
		require.NotEqual(t, tariff.StrategyProfile, c.Strategy)
	}
}

const sitemapIndex = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/sitemap-pages.xml</loc></sitemap>
</sitemapindex>`

const sitemapPages = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/de/netzentgelte-2025.pdf</loc></url>
  <url><loc>%s/en/grid-fees-2025.pdf</loc></url>
  <url><loc>%s/de/karriere/netzentgelte-praktikum</loc></url>
  <url><loc>%s/de/preisblatt-2024.pdf</loc></url>
</urlset>`

func sitemapSite(t *testing.T) *testSite {
	t.Helper()
	var site *testSite
	routes := map[string]string{}
	site = newTestSite(t, routes)
	routes["/robots.txt"] = "User-agent: *\nAllow: /\nSitemap: " + site.srv.URL + "/sitemap-index.xml\n"
	routes["/sitemap-index.xml"] = fmt.Sprintf(sitemapIndex, site.srv.URL)
	routes["/sitemap-pages.xml"] = fmt.Sprintf(sitemapPages, site.srv.URL, site.srv.URL, site.srv.URL, site.srv.URL)
	return site
}

func TestSitemapDiscoveryScoresAndFilters(t *testing.T) {
	site := sitemapSite(t)
	e := testEngine(t, Config{
		PreferredLanguage: "de",
		NegativeKeywords:  []string{"karriere"},
		// Cap low enough that the sitemap pass short-circuits the rest.
		MaxCandidates: 2,
	}, nil, nil)

	got, err := e.Discover(context.Background(), Request{
		Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// The year-matching German PDF outranks last year's sheet; the English
	// variant and the careers page never make the list.
	require.Equal(t, site.srv.URL+"/de/netzentgelte-2025.pdf", got[0].URL)
	require.Equal(t, tariff.StrategySitemap, got[0].Strategy)
	require.True(t, got[0].YearMatch)
	require.Equal(t, site.srv.URL+"/de/preisblatt-2024.pdf", got[1].URL)
	require.False(t, got[1].YearMatch)
}

func TestDiscoverRankingIsIdempotent(t *testing.T) {
	site := sitemapSite(t)
	e := testEngine(t, Config{MaxCandidates: 2, NegativeKeywords: []string{"karriere"}}, nil, nil)
	req := Request{Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025}

	first, err := e.Discover(context.Background(), req)
	require.NoError(t, err)
	second, err := e.Discover(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLearnedPatternProbe(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/":                "<html><body>Willkommen</body></html>",
		"/preise/2025.pdf": "%PDF-1.7",
	})
	learner := patterns.NewLearner(memory.NewPatternStore())
	require.NoError(t, learner.RecordSuccess(context.Background(),
		"https://other-operator.de/preise/2024.pdf", tariff.ClassTariff, "other-operator"))

	e := testEngine(t, Config{CrawlMaxPages: 3, CrawlMaxDepth: 1}, nil, learner)
	got, err := e.Discover(context.Background(), Request{
		Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025,
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, site.srv.URL+"/preise/2025.pdf", got[0].URL)
	require.Equal(t, tariff.StrategyLearnedPattern, got[0].Strategy)
}

func TestLearnedPatternMissPenalized(t *testing.T) {
	// The fragment was learned elsewhere but this operator's site never
	// serves it, so every discovery pass should count one miss against it.
	site := newTestSite(t, map[string]string{
		"/": "<html><body>Willkommen</body></html>",
	})
	learner := patterns.NewLearner(memory.NewPatternStore())
	require.NoError(t, learner.RecordSuccess(context.Background(),
		"https://other-operator.de/preise/2024.pdf", tariff.ClassTariff, "other-operator"))

	e := testEngine(t, Config{CrawlMaxPages: 3, CrawlMaxDepth: 1}, nil, learner)
	req := Request{Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025}
	for i := 0; i < 2; i++ {
		got, err := e.Discover(context.Background(), req)
		require.NoError(t, err)
		require.Empty(t, got)
	}

	top, err := learner.Top(context.Background(), tariff.ClassTariff, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, 1, top[0].SuccessCount)
	require.Equal(t, 2, top[0].FailureCount)
	require.Less(t, top[0].SuccessRatio(), 0.5)
}

func TestDiscoverEmptyIsNormal(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/": "<html><body>Unter Konstruktion</body></html>",
	})
	e := testEngine(t, Config{CrawlMaxPages: 3, CrawlMaxDepth: 1}, nil, nil)
	got, err := e.Discover(context.Background(), Request{
		Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025,
	})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCrawlRequiresContactableUserAgent(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/": "<html><body></body></html>",
	})
	e := testEngine(t, Config{UserAgent: "anon-bot/1.0", CrawlMaxPages: 3, CrawlMaxDepth: 1}, nil, nil)
	_, err := e.Discover(context.Background(), Request{
		Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bounded crawl")
}

func TestBoundedCrawlFindsDocuments(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/": `<html><body><a href="/netz/entgelte">Netzentgelte</a><a href="/karriere">Jobs</a></body></html>`,
		"/netz/entgelte": `<html><body>
			<a href="/media/netzentgelte-2025.pdf">Preisblatt Netzentgelte 2025</a>
			<a href="https://facebook.com/beispielnetz">Facebook</a>
		</body></html>`,
		"/karriere": `<html><body>Offene Stellen</body></html>`,
	})
	e := testEngine(t, Config{
		CrawlMaxPages:    10,
		CrawlMaxDepth:    3,
		NegativeKeywords: []string{"karriere", "facebook"},
	}, nil, nil)

	got, err := e.Discover(context.Background(), Request{
		Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025,
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, site.srv.URL+"/media/netzentgelte-2025.pdf", got[0].URL)
	require.Equal(t, tariff.StrategyCrawl, got[0].Strategy)
	require.Equal(t, tariff.TypePDF, got[0].FileType)
	require.Zero(t, site.hitCount("/karriere"))
}

func TestBoundedCrawlBudgetExpiryIsNormal(t *testing.T) {
	// Every page is slower than the whole crawl budget.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte("<html><body>Willkommen</body></html>"))
	}))
	defer srv.Close()

	e := testEngine(t, Config{
		CrawlMaxPages: 3,
		CrawlMaxDepth: 1,
		CrawlTimeout:  time.Millisecond,
	}, nil, nil)
	got, err := e.Discover(context.Background(), Request{
		Operator: tariff.Operator{ID: "op-1", Slug: "beispiel-netz", Name: "Beispiel Netz GmbH", Website: srv.URL},
		Class:    tariff.ClassTariff, Year: 2025,
	})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestBoundedCrawlPropagatesCallerCancel(t *testing.T) {
	site := newTestSite(t, map[string]string{
		"/": "<html><body>Willkommen</body></html>",
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := testEngine(t, Config{CrawlMaxPages: 3, CrawlMaxDepth: 1}, nil, nil)
	_, err := e.Discover(ctx, Request{
		Operator: operatorFor(site), Class: tariff.ClassTariff, Year: 2025,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeURLDedup(t *testing.T) {
	a := normalizeURL("https://WWW.Example.de/downloads/preise/")
	b := normalizeURL("https://example.de/downloads/preise")
	require.Equal(t, a, b)
}

func TestSameDomainWWWVariant(t *testing.T) {
	u, _ := url.Parse("https://example.de")
	require.True(t, sameDomain("https://www.example.de/x.pdf", u.Host))
	require.True(t, sameDomain("https://example.de/x.pdf", u.Host))
	require.False(t, sameDomain("https://evil.example.com/x.pdf", u.Host))
}
