// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Download   DownloadConfig   `mapstructure:"download"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlerConfig governs politeness and fetch behavior.
type CrawlerConfig struct {
	UserAgent           string `mapstructure:"user_agent"`
	PerHostDelayMs      int    `mapstructure:"per_host_delay_ms"`
	ExternalQuotaPerMin int    `mapstructure:"external_quota_per_min"`
	RequestTimeoutSec   int    `mapstructure:"request_timeout_seconds"`
}

// DiscoveryConfig bounds the discovery engine. The keyword lists and score
// deltas are a tuning surface, not a contract.
type DiscoveryConfig struct {
	MaxCandidates     int      `mapstructure:"max_candidates"`
	SitemapMaxDepth   int      `mapstructure:"sitemap_max_depth"`
	PatternProbes     int      `mapstructure:"pattern_probes"`
	CrawlMaxPages     int      `mapstructure:"crawl_max_pages"`
	CrawlMaxDepth     int      `mapstructure:"crawl_max_depth"`
	CrawlTimeoutSec   int      `mapstructure:"crawl_timeout_seconds"`
	DeepCrawlMaxPages int      `mapstructure:"deep_crawl_max_pages"`
	DeepCrawlMaxDepth int      `mapstructure:"deep_crawl_max_depth"`
	PreferredLanguage string   `mapstructure:"preferred_language"`
	NegativeKeywords  []string `mapstructure:"negative_keywords"`
}

// DownloadConfig guards the downloader.
type DownloadConfig struct {
	MaxBytes         int64 `mapstructure:"max_bytes"`
	MaxRetries       int   `mapstructure:"max_retries"`
	BackoffInitialMs int   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int   `mapstructure:"backoff_max_ms"`
	RetryAfterCapSec int   `mapstructure:"retry_after_cap_seconds"`
	TimeoutSec       int   `mapstructure:"timeout_seconds"`
}

// ProviderConfig describes one model extraction provider.
type ProviderConfig struct {
	Name        string  `mapstructure:"name"`
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Priority    int     `mapstructure:"priority"`
	Temperature float64 `mapstructure:"temperature"`
	Vision      bool    `mapstructure:"vision"`
}

// ExtractionConfig governs the extraction engine and its model gateway.
type ExtractionConfig struct {
	MinTariffRows   int              `mapstructure:"min_tariff_rows"`
	MinWindowRows   int              `mapstructure:"min_window_rows"`
	ProviderTimeout int              `mapstructure:"provider_timeout_seconds"`
	CooldownCapSec  int              `mapstructure:"cooldown_cap_seconds"`
	Providers       []ProviderConfig `mapstructure:"providers"`
}

// JobsConfig controls the orchestrator and workers.
type JobsConfig struct {
	StaleAfterMin       int `mapstructure:"stale_after_minutes"`
	ExtractConcurrency  int `mapstructure:"extract_concurrency"`
	QueueDepth          int `mapstructure:"queue_depth"`
	RecoveryIntervalMin int `mapstructure:"recovery_interval_minutes"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores for local development.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for the durable queues. An empty project id
// selects the in-memory queues.
type PubSubConfig struct {
	ProjectID           string `mapstructure:"project_id"`
	CrawlTopic          string `mapstructure:"crawl_topic"`
	CrawlSubscription   string `mapstructure:"crawl_subscription"`
	ExtractTopic        string `mapstructure:"extract_topic"`
	ExtractSubscription string `mapstructure:"extract_subscription"`
}

// StorageConfig selects and parameterizes the blob store.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.user_agent", "tarifwerk-bot/1.0 (+mailto:crawler@tarifwerk.de)")
	v.SetDefault("crawler.per_host_delay_ms", 1500)
	v.SetDefault("crawler.external_quota_per_min", 30)
	v.SetDefault("crawler.request_timeout_seconds", 20)
	v.SetDefault("discovery.max_candidates", 30)
	v.SetDefault("discovery.sitemap_max_depth", 3)
	v.SetDefault("discovery.pattern_probes", 10)
	v.SetDefault("discovery.crawl_max_pages", 60)
	v.SetDefault("discovery.crawl_max_depth", 3)
	v.SetDefault("discovery.crawl_timeout_seconds", 120)
	v.SetDefault("discovery.deep_crawl_max_pages", 200)
	v.SetDefault("discovery.deep_crawl_max_depth", 5)
	v.SetDefault("discovery.preferred_language", "de")
	v.SetDefault("discovery.negative_keywords", []string{
		"karriere", "jobs", "presse", "datenschutz", "impressum",
		"facebook", "twitter", "linkedin", "instagram", "youtube",
		"cookie", "login", "newsletter",
	})
	v.SetDefault("download.max_bytes", int64(100*1024*1024))
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.backoff_initial_ms", 500)
	v.SetDefault("download.backoff_max_ms", 8000)
	v.SetDefault("download.retry_after_cap_seconds", 60)
	v.SetDefault("download.timeout_seconds", 60)
	v.SetDefault("extraction.min_tariff_rows", 3)
	v.SetDefault("extraction.min_window_rows", 2)
	v.SetDefault("extraction.provider_timeout_seconds", 90)
	v.SetDefault("extraction.cooldown_cap_seconds", 300)
	v.SetDefault("jobs.stale_after_minutes", 60)
	v.SetDefault("jobs.extract_concurrency", 4)
	v.SetDefault("jobs.queue_depth", 128)
	v.SetDefault("jobs.recovery_interval_minutes", 15)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("pubsub.crawl_topic", "tariff-crawl-jobs")
	v.SetDefault("pubsub.crawl_subscription", "tariff-crawl-jobs-sub")
	v.SetDefault("pubsub.extract_topic", "tariff-extract-jobs")
	v.SetDefault("pubsub.extract_subscription", "tariff-extract-jobs-sub")
	v.SetDefault("storage.base_dir", "./data/files")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Crawler.UserAgent) == "" {
		return fmt.Errorf("crawler.user_agent is required")
	}
	if c.Download.MaxBytes <= 0 {
		return fmt.Errorf("download.max_bytes must be > 0")
	}
	if c.Discovery.MaxCandidates <= 0 {
		return fmt.Errorf("discovery.max_candidates must be > 0")
	}
	if c.Jobs.ExtractConcurrency <= 0 {
		return fmt.Errorf("jobs.extract_concurrency must be > 0")
	}
	if c.Jobs.StaleAfterMin <= 0 {
		return fmt.Errorf("jobs.stale_after_minutes must be > 0")
	}
	for _, p := range c.Extraction.Providers {
		if p.Name == "" || p.BaseURL == "" || p.Model == "" {
			return fmt.Errorf("extraction provider entries require name, base_url and model")
		}
	}
	return nil
}

// StaleAfter converts the stuck-job threshold into a duration.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Jobs.StaleAfterMin) * time.Minute
}

// PerHostDelay converts per-host pacing into a duration.
func (c Config) PerHostDelay() time.Duration {
	return time.Duration(c.Crawler.PerHostDelayMs) * time.Millisecond
}
