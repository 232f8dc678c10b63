package download

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/politeness"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

func testDownloader(t *testing.T, cfg Config) *Downloader {
	t.Helper()
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tarifwerk-bot/1.0 (+mailto:crawler@tarifwerk.de)"
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 5 * time.Millisecond
	}
	gov := politeness.NewGovernor(politeness.GovernorConfig{PerHostDelay: time.Millisecond})
	return New(cfg, gov, zap.NewNop())
}

func TestDownloadOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("User-Agent"), "mailto:")
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 tariff sheet"))
	}))
	defer srv.Close()

	d := testDownloader(t, Config{})
	res, err := d.Download(context.Background(), srv.URL+"/preisblatt.pdf")
	require.NoError(t, err)
	require.Equal(t, tariff.TypePDF, res.FileType)
	require.Equal(t, []byte("%PDF-1.7 tariff sheet"), res.Body)
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	d := testDownloader(t, Config{MaxRetries: 3})
	res, err := d.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, tariff.TypePDF, res.FileType)
}

func TestDownloadHonorsRetryAfter(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	d := testDownloader(t, Config{MaxRetries: 2, RetryAfterCap: 20 * time.Millisecond})
	start := time.Now()
	_, err := d.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	// The one-second header is capped to the configured ceiling.
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDownloadNotFoundIsFinal(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := testDownloader(t, Config{MaxRetries: 3})
	_, err := d.Download(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestDownloadRejectsDeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		_, _ = w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer srv.Close()

	d := testDownloader(t, Config{MaxBytes: 1024})
	_, err := d.Download(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDownloadRejectsStreamedOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked, so no declared length to check up front.
		_, _ = w.Write(bytes.Repeat([]byte("x"), 4096))
	}))
	defer srv.Close()

	d := testDownloader(t, Config{MaxBytes: 1024})
	_, err := d.Download(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDownloadDetectsChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Just a moment...</title></head><body><div id="cf-browser-verification"></div></body></html>`))
	}))
	defer srv.Close()

	d := testDownloader(t, Config{MaxRetries: 2})
	_, err := d.Download(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrChallenge)
}

func TestDownloadDetectsChallengeOnErrorStatus(t *testing.T) {
	body := `<html><head><title>Attention Required! | Cloudflare</title></head><body><div id="cf-browser-verification"></div></body></html>`
	for _, status := range []int{http.StatusForbidden, http.StatusServiceUnavailable} {
		attempts := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))

		d := testDownloader(t, Config{MaxRetries: 3})
		_, err := d.Download(context.Background(), srv.URL)
		require.ErrorIs(t, err, ErrChallenge)
		// A challenge is final, not a retryable server error.
		require.Equal(t, 1, attempts)
		srv.Close()
	}
}

func TestDownloadPlainForbiddenIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Zugriff verweigert"))
	}))
	defer srv.Close()

	d := testDownloader(t, Config{MaxRetries: 2})
	_, err := d.Download(context.Background(), srv.URL)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrChallenge)
	require.Contains(t, err.Error(), "403")
}

func ooxmlFixture(t *testing.T, contentType string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(`<Types><Override ContentType="application/vnd.openxmlformats-officedocument.` + contentType + `.main+xml"/></Types>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDetectFileType(t *testing.T) {
	olePrefix := []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	cases := []struct {
		name        string
		body        []byte
		contentType string
		url         string
		want        tariff.FileType
	}{
		{"pdf magic beats lying header", []byte("%PDF-1.4 ..."), "text/html", "https://x.de/a", tariff.TypePDF},
		{"xlsx via manifest", ooxmlFixture(t, "spreadsheetml.sheet"), "application/octet-stream", "https://x.de/a", tariff.TypeXLSX},
		{"docx via manifest", ooxmlFixture(t, "wordprocessingml.document"), "application/octet-stream", "https://x.de/a", tariff.TypeDOCX},
		{"ole with excel header", append(olePrefix, make([]byte, 8)...), "application/vnd.ms-excel", "https://x.de/a", tariff.TypeXLS},
		{"ole with doc extension", append(olePrefix, make([]byte, 8)...), "", "https://x.de/preise.doc", tariff.TypeDOC},
		{"html by header", []byte("<html><body>Preise</body></html>"), "text/html; charset=utf-8", "https://x.de/preise", tariff.TypeHTML},
		{"csv by extension", []byte("a;b;c\n1;2;3\n"), "application/octet-stream", "https://x.de/netzentgelte.csv", tariff.TypeCSV},
		{"unknown", []byte("plain"), "", "https://x.de/x", tariff.TypeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, DetectFileType(tc.body, tc.contentType, tc.url))
		})
	}
}

func TestSplitHTMLByYear(t *testing.T) {
	page := []byte(`<html><body>
		<h2>Netzentgelte 2024</h2>
		<table><tr><td>Leistungspreis</td><td>58,21</td></tr></table>
		<h2>Preisblatt 2025</h2>
		<table><tr><td>Leistungspreis</td><td>61,07</td></tr></table>
		<table><tr><td>Arbeitspreis</td><td>2,31</td></tr></table>
	</body></html>`)

	parts, err := SplitHTML(page, "text/html; charset=utf-8")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, 2024, parts[0].Year)
	require.Equal(t, 2025, parts[1].Year)
	require.Contains(t, string(parts[0].Body), "58,21")
	require.Contains(t, string(parts[1].Body), "61,07")
	require.Contains(t, string(parts[1].Body), "2,31")
	require.NotContains(t, string(parts[1].Body), "58,21")
}

func TestSplitHTMLDecodesLatin1(t *testing.T) {
	// "Entgelte für 2025" with a Latin-1 encoded ü.
	page := []byte("<html><body><h2>Entgelte f\xfcr 2025</h2><table><tr><td>1,00</td></tr></table></body></html>")

	parts, err := SplitHTML(page, "text/html; charset=iso-8859-1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Contains(t, string(parts[0].Body), "für")
}

func TestSplitHTMLNoYearHeading(t *testing.T) {
	page := []byte(`<html><body><table><tr><td>Leistungspreis</td><td>58,21</td></tr></table></body></html>`)
	parts, err := SplitHTML(page, "text/html")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, 0, parts[0].Year)
}

func TestClassifyKeepsHighestCount(t *testing.T) {
	files := []File{
		{URL: "https://x.de/a.pdf"},
		{URL: "https://x.de/b.pdf"},
		{URL: "https://x.de/impressum.html"},
	}
	counts := map[string]map[tariff.DataClass]int{
		"https://x.de/a.pdf": {tariff.ClassTariff: 4},
		"https://x.de/b.pdf": {tariff.ClassTariff: 7, tariff.ClassTimeWindow: 2},
	}
	out := Classify(files, func(f File) map[tariff.DataClass]int { return counts[f.URL] })

	require.Equal(t, "https://x.de/b.pdf", out.Best[tariff.ClassTariff].URL)
	require.Equal(t, 7, out.Counts[tariff.ClassTariff])
	require.Equal(t, "https://x.de/b.pdf", out.Best[tariff.ClassTimeWindow].URL)
	require.Len(t, out.Unclassified, 1)
	require.Equal(t, "https://x.de/impressum.html", out.Unclassified[0].URL)
	require.False(t, out.Empty())
}

func TestClassifyTieBreaksOnURL(t *testing.T) {
	files := []File{
		{URL: "https://x.de/zz.pdf"},
		{URL: "https://x.de/aa.pdf"},
	}
	out := Classify(files, func(f File) map[tariff.DataClass]int {
		return map[tariff.DataClass]int{tariff.ClassTariff: 5}
	})
	require.Equal(t, "https://x.de/aa.pdf", out.Best[tariff.ClassTariff].URL)
}

func TestClassifyEmpty(t *testing.T) {
	out := Classify([]File{{URL: "https://x.de/a"}}, func(File) map[tariff.DataClass]int { return nil })
	require.True(t, out.Empty())
	require.Len(t, out.Unclassified, 1)
}

func TestParseRetryAfterCap(t *testing.T) {
	d := testDownloader(t, Config{RetryAfterCap: 2 * time.Second})
	require.Equal(t, 2*time.Second, d.parseRetryAfter("3600"))
	require.Equal(t, time.Second, d.parseRetryAfter("1"))
	require.Equal(t, time.Duration(0), d.parseRetryAfter("garbage"))
	require.Equal(t, time.Duration(0), d.parseRetryAfter(""))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	d := testDownloader(t, Config{BackoffInitial: 100 * time.Millisecond, BackoffMax: time.Second})
	for i := 0; i < 10; i++ {
		b := d.backoff(i)
		require.Greater(t, b, time.Duration(0))
		require.LessOrEqual(t, b, time.Second)
	}
}
