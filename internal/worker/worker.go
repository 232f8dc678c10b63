// Package worker runs the queue consumers. The crawl queue is consumed
// by exactly one goroutine so never more than one crawl runs per
// process; extraction fans out over a configurable pool.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/orchestrator"
	"github.com/tarifwerk/tariff-crawler/internal/queue"
)

// Runner is the orchestrator surface the workers need.
type Runner interface {
	RunCrawl(ctx context.Context, jobID string) (*orchestrator.NextJob, error)
	RunExtract(ctx context.Context, jobID string) error
}

// Config tunes the pool.
type Config struct {
	// ExtractConcurrency is the number of parallel extract consumers.
	ExtractConcurrency int
	// RetryDelay is the pause after a queue error before the next
	// Dequeue attempt.
	RetryDelay time.Duration
}

// Pool consumes both queues until its context ends. Job failures are
// recorded by the orchestrator and never bubble up; only queue plumbing
// errors are logged here.
type Pool struct {
	cfg      Config
	runner   Runner
	crawlQ   queue.Queue
	extractQ queue.Queue
	logger   *zap.Logger
}

// New wires a Pool.
func New(cfg Config, runner Runner, crawlQ, extractQ queue.Queue, logger *zap.Logger) *Pool {
	if cfg.ExtractConcurrency <= 0 {
		cfg.ExtractConcurrency = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Pool{cfg: cfg, runner: runner, crawlQ: crawlQ, extractQ: extractQ, logger: logger}
}

// Run blocks until the context ends and every consumer has drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.consume(ctx, p.crawlQ, "crawl", p.handleCrawl)
	}()

	for i := 0; i < p.cfg.ExtractConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx, p.extractQ, "extract", p.handleExtract)
		}()
	}

	wg.Wait()
}

func (p *Pool) consume(ctx context.Context, q queue.Queue, name string, handle func(context.Context, queue.Item) error) {
	for {
		item, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.logger.Error("dequeue failed",
				zap.String("queue", name), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.RetryDelay):
			}
			continue
		}
		if err := handle(ctx, item); err != nil {
			p.logger.Error("job handling failed",
				zap.String("queue", name),
				zap.String("job_id", item.JobID),
				zap.Error(err))
		}
	}
}

// handleCrawl runs one crawl job and enqueues the extract child when
// the orchestrator hands one back.
func (p *Pool) handleCrawl(ctx context.Context, item queue.Item) error {
	next, err := p.runner.RunCrawl(ctx, item.JobID)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if err := p.extractQ.Enqueue(ctx, queue.Item{JobID: next.JobID, Kind: next.Kind}); err != nil {
		return err
	}
	p.logger.Info("chained extract job enqueued",
		zap.String("parent_job_id", item.JobID),
		zap.String("job_id", next.JobID))
	return nil
}

func (p *Pool) handleExtract(ctx context.Context, item queue.Item) error {
	return p.runner.RunExtract(ctx, item.JobID)
}
