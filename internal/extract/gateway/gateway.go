// Package gateway routes extraction requests across model providers in
// priority order, tracking per-provider health so a rate-limited or
// flapping provider is skipped instead of retried blindly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/telemetry"
)

// Request is one extraction task for a provider. Textual formats carry
// Text; visual formats carry the base64 document and its MIME type.
type Request struct {
	Prompt         string
	Text           string
	DocumentBase64 string
	DocumentMIME   string
	Schema         map[string]any
}

// Provider is one model backend.
type Provider interface {
	Name() string
	Extract(ctx context.Context, req Request) ([]byte, error)
}

// Limiter gates provider calls against the shared external quota. The
// politeness governor satisfies it.
type Limiter interface {
	WaitExternal(ctx context.Context) error
}

// RateLimitError signals a provider asked us to back off. RetryAfter is
// the server-suggested cooldown, zero when the server gave none.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// ErrAllProvidersFailed means no provider produced a valid reply. The
// failure is recorded against the file, not the whole job.
var ErrAllProvidersFailed = errors.New("gateway: all providers failed")

type health struct {
	coolingUntil        time.Time
	consecutiveFailures int
}

// Config tunes the gateway.
type Config struct {
	// CooldownCap bounds the rate-limit cooldown regardless of what the
	// server suggests.
	CooldownCap time.Duration
	// DefaultCooldown applies when a rate-limit reply carries no hint.
	DefaultCooldown time.Duration
	// Limiter spends the shared external quota before each provider
	// call. Nil skips the gate.
	Limiter Limiter
}

// Gateway tries providers in priority order with health awareness.
type Gateway struct {
	providers []Provider
	cfg       Config
	logger    *zap.Logger

	mu     sync.Mutex
	health map[string]*health
	now    func() time.Time
}

// New builds a Gateway. Providers must already be sorted by the caller or
// carry their priority in construction order; the slice order is the
// attempt order.
func New(providers []Provider, cfg Config, logger *zap.Logger) *Gateway {
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = 5 * time.Minute
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 30 * time.Second
	}
	g := &Gateway{
		providers: providers,
		cfg:       cfg,
		logger:    logger,
		health:    make(map[string]*health),
		now:       time.Now,
	}
	return g
}

// Extract walks the provider list. A cooling-down provider is skipped; a
// rate limit starts a cooldown and moves on; any other failure increments
// the provider's consecutive-failure counter and moves on. The first
// schema-valid reply wins.
func (g *Gateway) Extract(ctx context.Context, req Request) ([]byte, string, error) {
	var lastErr error
	for _, p := range g.providers {
		if g.coolingDown(p.Name()) {
			g.logger.Debug("provider cooling down, skipping", zap.String("provider", p.Name()))
			continue
		}
		if g.cfg.Limiter != nil {
			if err := g.cfg.Limiter.WaitExternal(ctx); err != nil {
				return nil, "", err
			}
		}
		reply, err := p.Extract(ctx, req)
		if err == nil {
			if verr := ValidateAgainstSchema(req.Schema, reply); verr != nil {
				g.recordFailure(p.Name())
				telemetry.ObserveFailover(p.Name(), "invalid_schema")
				g.logger.Warn("provider reply failed schema validation",
					zap.String("provider", p.Name()), zap.Error(verr))
				lastErr = verr
				continue
			}
			g.recordSuccess(p.Name())
			return reply, p.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		lastErr = err

		var rle *RateLimitError
		if errors.As(err, &rle) {
			g.startCooldown(p.Name(), rle.RetryAfter)
			telemetry.ObserveFailover(p.Name(), "rate_limit")
			g.logger.Warn("provider rate limited",
				zap.String("provider", p.Name()),
				zap.Duration("retry_after", rle.RetryAfter))
			continue
		}
		g.recordFailure(p.Name())
		telemetry.ObserveFailover(p.Name(), "error")
		g.logger.Warn("provider failed",
			zap.String("provider", p.Name()), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = errors.New("no providers configured or all cooling down")
	}
	return nil, "", fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// Failures returns the consecutive-failure count for a provider.
func (g *Gateway) Failures(provider string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h := g.health[provider]; h != nil {
		return h.consecutiveFailures
	}
	return 0
}

func (g *Gateway) coolingDown(provider string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.health[provider]
	return h != nil && g.now().Before(h.coolingUntil)
}

func (g *Gateway) startCooldown(provider string, suggested time.Duration) {
	d := suggested
	if d <= 0 {
		d = g.cfg.DefaultCooldown
	}
	if d > g.cfg.CooldownCap {
		d = g.cfg.CooldownCap
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureHealth(provider).coolingUntil = g.now().Add(d)
}

func (g *Gateway) recordFailure(provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureHealth(provider).consecutiveFailures++
}

func (g *Gateway) recordSuccess(provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureHealth(provider).consecutiveFailures = 0
}

func (g *Gateway) ensureHealth(provider string) *health {
	h := g.health[provider]
	if h == nil {
		h = &health{}
		g.health[provider] = h
	}
	return h
}

// SortByPriority orders provider configs ascending by priority value so
// priority 1 is tried first.
func SortByPriority[T any](items []T, priority func(T) int) {
	sort.SliceStable(items, func(i, j int) bool {
		return priority(items[i]) < priority(items[j])
	})
}
