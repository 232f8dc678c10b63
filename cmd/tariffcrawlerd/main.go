// Package main wires together the tariff crawler service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/api"
	"github.com/tarifwerk/tariff-crawler/internal/blob"
	blobgcs "github.com/tarifwerk/tariff-crawler/internal/blob/gcs"
	bloblocal "github.com/tarifwerk/tariff-crawler/internal/blob/local"
	"github.com/tarifwerk/tariff-crawler/internal/config"
	"github.com/tarifwerk/tariff-crawler/internal/discovery"
	"github.com/tarifwerk/tariff-crawler/internal/download"
	"github.com/tarifwerk/tariff-crawler/internal/extract"
	"github.com/tarifwerk/tariff-crawler/internal/extract/gateway"
	"github.com/tarifwerk/tariff-crawler/internal/logging"
	"github.com/tarifwerk/tariff-crawler/internal/orchestrator"
	"github.com/tarifwerk/tariff-crawler/internal/patterns"
	"github.com/tarifwerk/tariff-crawler/internal/politeness"
	"github.com/tarifwerk/tariff-crawler/internal/queue"
	queuememory "github.com/tarifwerk/tariff-crawler/internal/queue/memory"
	queuepubsub "github.com/tarifwerk/tariff-crawler/internal/queue/pubsub"
	"github.com/tarifwerk/tariff-crawler/internal/store"
	storememory "github.com/tarifwerk/tariff-crawler/internal/store/memory"
	"github.com/tarifwerk/tariff-crawler/internal/store/postgres"
	"github.com/tarifwerk/tariff-crawler/internal/worker"
)

type stores struct {
	jobs      store.JobStore
	operators store.OperatorStore
	profiles  store.ProfileStore
	patterns  store.PatternStore
	records   store.RecordStore
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("tariffcrawlerd", cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, cleanupStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupStores()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	crawlQ, extractQ, err := buildQueues(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = crawlQ.Close()
		_ = extractQ.Close()
	}()

	governor := politeness.NewGovernor(politeness.GovernorConfig{
		PerHostDelay:        cfg.PerHostDelay(),
		ExternalQuotaPerMin: cfg.Crawler.ExternalQuotaPerMin,
	})
	robots := politeness.NewRobots(cfg.Crawler.UserAgent, logger.Named("robots"))
	learner := patterns.NewLearner(st.patterns)

	discoverer := discovery.New(discovery.Config{
		UserAgent:         cfg.Crawler.UserAgent,
		MaxCandidates:     cfg.Discovery.MaxCandidates,
		SitemapMaxDepth:   cfg.Discovery.SitemapMaxDepth,
		PatternProbes:     cfg.Discovery.PatternProbes,
		CrawlMaxPages:     cfg.Discovery.CrawlMaxPages,
		CrawlMaxDepth:     cfg.Discovery.CrawlMaxDepth,
		CrawlTimeout:      time.Duration(cfg.Discovery.CrawlTimeoutSec) * time.Second,
		DeepCrawlMaxPages: cfg.Discovery.DeepCrawlMaxPages,
		DeepCrawlMaxDepth: cfg.Discovery.DeepCrawlMaxDepth,
		PerHostDelay:      cfg.PerHostDelay(),
		PreferredLanguage: cfg.Discovery.PreferredLanguage,
		NegativeKeywords:  cfg.Discovery.NegativeKeywords,
	}, governor, robots, st.profiles, learner, logger.Named("discovery"))

	fetcher := download.New(download.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		MaxBytes:       cfg.Download.MaxBytes,
		MaxRetries:     cfg.Download.MaxRetries,
		BackoffInitial: time.Duration(cfg.Download.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Download.BackoffMaxMs) * time.Millisecond,
		RetryAfterCap:  time.Duration(cfg.Download.RetryAfterCapSec) * time.Second,
		Timeout:        time.Duration(cfg.Download.TimeoutSec) * time.Second,
	}, governor, logger.Named("download"))

	extractor := extract.New(extract.Config{
		MinTariffRows: cfg.Extraction.MinTariffRows,
		MinWindowRows: cfg.Extraction.MinWindowRows,
	}, buildGateway(cfg, governor, logger), logger.Named("extract"))

	orch := orchestrator.New(orchestrator.Config{StaleAfter: cfg.StaleAfter()},
		st.jobs, st.operators, st.profiles, st.records, learner,
		discoverer, fetcher, extractor, blobs,
		robots, logger.Named("orchestrator"))

	service := orchestrator.NewService(st.jobs, st.operators, crawlQ, logger.Named("service"))
	pool := worker.New(worker.Config{ExtractConcurrency: cfg.Jobs.ExtractConcurrency},
		orch, crawlQ, extractQ, logger.Named("worker"))

	if n, err := orch.RecoverStale(ctx); err != nil {
		logger.Error("startup recovery sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale jobs at startup", zap.Int("count", n))
	}
	go recoveryLoop(ctx, orch, cfg, logger)

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(service, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not drain before deadline")
	}
	logger.Info("shutdown complete")
	return nil
}

// buildStores selects Postgres when a DSN is configured, otherwise the
// in-memory stores for local development.
func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn empty, using in-memory stores")
		return stores{
			jobs:      storememory.NewJobStore(),
			operators: storememory.NewOperatorStore(),
			profiles:  storememory.NewProfileStore(),
			patterns:  storememory.NewPatternStore(),
			records:   storememory.NewRecordStore(),
		}, func() {}, nil
	}
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return stores{}, nil, err
	}
	return stores{
		jobs:      postgres.NewJobStore(pool),
		operators: postgres.NewOperatorStore(pool),
		profiles:  postgres.NewProfileStore(pool),
		patterns:  postgres.NewPatternStore(pool),
		records:   postgres.NewRecordStore(pool),
	}, pool.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.Storage.GCSBucket != "" {
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return blobgcs.New(client, blobgcs.Config{Bucket: cfg.Storage.GCSBucket})
	}
	return bloblocal.New(bloblocal.Config{BaseDir: cfg.Storage.BaseDir})
}

func buildQueues(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Queue, queue.Queue, error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Warn("pubsub.project_id empty, using in-memory queues")
		return queuememory.New(cfg.Jobs.QueueDepth), queuememory.New(cfg.Jobs.QueueDepth), nil
	}
	crawlQ, err := queuepubsub.New(ctx, cfg.PubSub.ProjectID,
		cfg.PubSub.CrawlTopic, cfg.PubSub.CrawlSubscription, logger.Named("queue.crawl"))
	if err != nil {
		return nil, nil, err
	}
	extractQ, err := queuepubsub.New(ctx, cfg.PubSub.ProjectID,
		cfg.PubSub.ExtractTopic, cfg.PubSub.ExtractSubscription, logger.Named("queue.extract"))
	if err != nil {
		_ = crawlQ.Close()
		return nil, nil, err
	}
	return crawlQ, extractQ, nil
}

// buildGateway assembles the model tier from configured providers, in
// priority order. No providers means deterministic extraction only.
func buildGateway(cfg config.Config, governor *politeness.Governor, logger *zap.Logger) extract.ModelGateway {
	if len(cfg.Extraction.Providers) == 0 {
		logger.Warn("no extraction providers configured, model tier disabled")
		return nil
	}
	specs := make([]config.ProviderConfig, len(cfg.Extraction.Providers))
	copy(specs, cfg.Extraction.Providers)
	gateway.SortByPriority(specs, func(p config.ProviderConfig) int { return p.Priority })

	providers := make([]gateway.Provider, 0, len(specs))
	for _, p := range specs {
		providers = append(providers, gateway.NewOpenAIProvider(gateway.OpenAIConfig{
			Name:        p.Name,
			BaseURL:     p.BaseURL,
			APIKey:      p.APIKey,
			Model:       p.Model,
			Temperature: p.Temperature,
			Vision:      p.Vision,
			Timeout:     time.Duration(cfg.Extraction.ProviderTimeout) * time.Second,
		}, logger.Named("provider."+p.Name)))
	}
	return gateway.New(providers, gateway.Config{
		CooldownCap: time.Duration(cfg.Extraction.CooldownCapSec) * time.Second,
		Limiter:     governor,
	}, logger.Named("gateway"))
}

func recoveryLoop(ctx context.Context, orch *orchestrator.Orchestrator, cfg config.Config, logger *zap.Logger) {
	interval := time.Duration(cfg.Jobs.RecoveryIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := orch.RecoverStale(ctx); err != nil {
				logger.Error("recovery sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("recovered stale jobs", zap.Int("count", n))
			}
		}
	}
}
