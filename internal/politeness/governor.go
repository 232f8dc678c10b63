// Package politeness implements per-host request pacing, the shared
// external-service quota, robots.txt interpretation and bot-challenge
// detection. Every network-touching component goes through it.
package politeness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tarifwerk/tariff-crawler/internal/telemetry"
)

// GovernorConfig controls pacing behavior.
type GovernorConfig struct {
	// PerHostDelay is the minimum interval between requests to one host.
	PerHostDelay time.Duration
	// ExternalQuotaPerMin caps calls to shared third-party lookup services
	// within a rolling minute, independent of caller identity.
	ExternalQuotaPerMin int
}

// Governor paces outbound requests. Each host gets its own limiter so a
// slow or strict site never starves requests to other sites.
type Governor struct {
	mu       sync.Mutex
	hosts    map[string]*rate.Limiter
	delay    time.Duration
	external *rate.Limiter
}

// NewGovernor builds a Governor from the config.
func NewGovernor(cfg GovernorConfig) *Governor {
	delay := cfg.PerHostDelay
	if delay <= 0 {
		delay = time.Second
	}
	quota := cfg.ExternalQuotaPerMin
	if quota <= 0 {
		quota = 30
	}
	return &Governor{
		hosts:    make(map[string]*rate.Limiter),
		delay:    delay,
		external: rate.NewLimiter(rate.Every(time.Minute/time.Duration(quota)), quota),
	}
}

// Wait blocks until the minimum inter-request interval for host has
// elapsed, or the context ends.
func (g *Governor) Wait(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("politeness wait: host is required")
	}
	key := strings.ToLower(host)

	g.mu.Lock()
	limiter, ok := g.hosts[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(g.delay), 1)
		g.hosts[key] = limiter
	}
	g.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait for %s: %w", key, err)
	}
	telemetry.ObservePolitenessWait(time.Since(start))
	return nil
}

// WaitExternal blocks on the shared third-party quota. This protects a
// shared credential from exhaustion regardless of which caller spends it.
func (g *Governor) WaitExternal(ctx context.Context) error {
	if err := g.external.Wait(ctx); err != nil {
		return fmt.Errorf("external quota wait: %w", err)
	}
	return nil
}

// ValidateUserAgent enforces the contact-channel requirement for the
// bounded crawl: the agent string must embed a mailto: or http(s) URL so a
// site operator can reach us. Targeted probes are exempt.
func ValidateUserAgent(ua string) error {
	lower := strings.ToLower(strings.TrimSpace(ua))
	if lower == "" {
		return fmt.Errorf("user agent is empty")
	}
	if strings.Contains(lower, "mailto:") ||
		strings.Contains(lower, "http://") ||
		strings.Contains(lower, "https://") ||
		strings.Contains(lower, "@") {
		return nil
	}
	return fmt.Errorf("user agent %q carries no contact channel", ua)
}
