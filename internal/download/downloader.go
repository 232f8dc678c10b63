// Package download fetches candidate documents, resolves their true file
// type and classifies them into data classes ahead of extraction.
package download

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/politeness"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
	"github.com/tarifwerk/tariff-crawler/internal/telemetry"
)

// ErrTooLarge marks a response body over the configured size ceiling. The
// fetch is aborted, never silently truncated.
var ErrTooLarge = errors.New("download: response exceeds size limit")

// ErrChallenge marks a bot-challenge page served in place of the document.
var ErrChallenge = errors.New("download: bot challenge detected")

// challengeSniffBytes bounds how much of an error body is read to look
// for challenge markers.
const challengeSniffBytes = 64 << 10

// Config controls fetch behavior.
type Config struct {
	UserAgent      string
	MaxBytes       int64
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RetryAfterCap  time.Duration
	Timeout        time.Duration
}

// Result is one fetched document with the metadata the classifier needs.
type Result struct {
	Body        []byte
	ContentType string
	FileType    tariff.FileType
	FinalURL    string
}

// Downloader fetches documents under the politeness governor with retries
// for transient failures.
type Downloader struct {
	client   *http.Client
	governor *politeness.Governor
	cfg      Config
	logger   *zap.Logger
}

// New builds a Downloader. The governor is shared with discovery so the
// per-host pacing covers both.
func New(cfg Config, governor *politeness.Governor, logger *zap.Logger) *Downloader {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 100 << 20
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.RetryAfterCap <= 0 {
		cfg.RetryAfterCap = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Downloader{
		client:   &http.Client{Timeout: cfg.Timeout},
		governor: governor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Download fetches rawURL and resolves its true file type. Transient
// failures (5xx, connection errors) are retried with jittered backoff; a
// 429 honors Retry-After up to the configured cap.
func (d *Downloader) Download(ctx context.Context, rawURL string) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("download: parse url %q: %w", rawURL, err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, d.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := d.governor.Wait(ctx, parsed.Host); err != nil {
			return nil, err
		}

		res, retryAfter, err := d.fetchOnce(ctx, rawURL)
		if err == nil {
			telemetry.ObserveFetch("download", "ok")
			return res, nil
		}
		lastErr = err
		if !retryable(err) {
			telemetry.ObserveFetch("download", "error")
			return nil, err
		}
		telemetry.ObserveFetch("download", "retry")
		d.logger.Warn("download retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if retryAfter > 0 {
			if err := sleepCtx(ctx, retryAfter); err != nil {
				return nil, err
			}
		}
	}
	telemetry.ObserveFetch("download", "error")
	return nil, fmt.Errorf("download: %s: giving up after %d attempts: %w",
		rawURL, d.cfg.MaxRetries+1, lastErr)
}

type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (d *Downloader) fetchOnce(ctx context.Context, rawURL string) (*Result, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// CDN challenges ride on 403/503; sniff the body before writing
		// the response off as a plain status error.
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
			sniff, _ := io.ReadAll(io.LimitReader(resp.Body, challengeSniffBytes))
			if politeness.IsChallenge(resp.StatusCode, sniff) {
				return nil, 0, ErrChallenge
			}
		}
		serr := &statusError{code: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests {
			serr.retryAfter = d.parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, serr.retryAfter, serr
	}

	if resp.ContentLength > d.cfg.MaxBytes {
		return nil, 0, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, resp.ContentLength)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxBytes+1))
	if err != nil {
		return nil, 0, err
	}
	if int64(len(body)) > d.cfg.MaxBytes {
		return nil, 0, fmt.Errorf("%w: stream exceeded %d bytes", ErrTooLarge, d.cfg.MaxBytes)
	}
	if politeness.IsChallenge(resp.StatusCode, body) {
		return nil, 0, ErrChallenge
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	contentType := resp.Header.Get("Content-Type")
	return &Result{
		Body:        body,
		ContentType: contentType,
		FileType:    DetectFileType(body, contentType, finalURL),
		FinalURL:    finalURL,
	}, 0, nil
}

// retryable reports whether the fetch is worth another attempt. Size
// limits, challenges and 4xx other than 429 are final.
func retryable(err error) bool {
	if errors.Is(err, ErrTooLarge) || errors.Is(err, ErrChallenge) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.code == http.StatusTooManyRequests || serr.code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

func (d *Downloader) parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	wait := time.Duration(0)
	if secs, err := strconv.Atoi(header); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		wait = time.Until(at)
	}
	if wait < 0 {
		wait = 0
	}
	if wait > d.cfg.RetryAfterCap {
		wait = d.cfg.RetryAfterCap
	}
	return wait
}

func (d *Downloader) backoff(attempt int) time.Duration {
	delay := float64(d.cfg.BackoffInitial) * math.Pow(2, float64(attempt))
	if delay > float64(d.cfg.BackoffMax) {
		delay = float64(d.cfg.BackoffMax)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
