package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/orchestrator"
	"github.com/tarifwerk/tariff-crawler/internal/queue"
	queuememory "github.com/tarifwerk/tariff-crawler/internal/queue/memory"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

type fakeRunner struct {
	mu       sync.Mutex
	crawls   []string
	extracts []string
	next     map[string]*orchestrator.NextJob
	crawlErr error

	done chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{next: make(map[string]*orchestrator.NextJob), done: make(chan string, 16)}
}

func (r *fakeRunner) RunCrawl(_ context.Context, jobID string) (*orchestrator.NextJob, error) {
	r.mu.Lock()
	r.crawls = append(r.crawls, jobID)
	next := r.next[jobID]
	err := r.crawlErr
	r.mu.Unlock()
	r.done <- "crawl:" + jobID
	return next, err
}

func (r *fakeRunner) RunExtract(_ context.Context, jobID string) error {
	r.mu.Lock()
	r.extracts = append(r.extracts, jobID)
	r.mu.Unlock()
	r.done <- "extract:" + jobID
	return nil
}

func (r *fakeRunner) wait(t *testing.T, event string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.done:
			if got == event {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func startPool(t *testing.T, runner Runner) (*queuememory.Queue, *queuememory.Queue, func()) {
	t.Helper()
	crawlQ := queuememory.New(8)
	extractQ := queuememory.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	pool := New(Config{ExtractConcurrency: 2, RetryDelay: 10 * time.Millisecond},
		runner, crawlQ, extractQ, zap.NewNop())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pool did not drain")
		}
		_ = crawlQ.Close()
		_ = extractQ.Close()
	}
	return crawlQ, extractQ, stop
}

func TestPoolChainsCrawlIntoExtract(t *testing.T) {
	runner := newFakeRunner()
	runner.next["job-1"] = &orchestrator.NextJob{JobID: "job-2", Kind: tariff.KindExtractOnly}
	crawlQ, _, stop := startPool(t, runner)
	defer stop()

	require.NoError(t, crawlQ.Enqueue(context.Background(), queue.Item{JobID: "job-1", Kind: tariff.KindFull}))

	runner.wait(t, "crawl:job-1")
	runner.wait(t, "extract:job-2")

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Equal(t, []string{"job-1"}, runner.crawls)
	require.Equal(t, []string{"job-2"}, runner.extracts)
}

func TestPoolSurvivesRunnerError(t *testing.T) {
	runner := newFakeRunner()
	runner.crawlErr = errors.New("job store unreachable")
	crawlQ, _, stop := startPool(t, runner)
	defer stop()

	ctx := context.Background()
	require.NoError(t, crawlQ.Enqueue(ctx, queue.Item{JobID: "job-a", Kind: tariff.KindCrawlOnly}))
	runner.wait(t, "crawl:job-a")

	// The consumer keeps going after an error.
	runner.mu.Lock()
	runner.crawlErr = nil
	runner.mu.Unlock()
	require.NoError(t, crawlQ.Enqueue(ctx, queue.Item{JobID: "job-b", Kind: tariff.KindCrawlOnly}))
	runner.wait(t, "crawl:job-b")
}

func TestPoolCrawlConsumerIsSerial(t *testing.T) {
	runner := newFakeRunner()
	crawlQ, _, stop := startPool(t, runner)
	defer stop()

	ctx := context.Background()
	for _, id := range []string{"c-1", "c-2", "c-3"} {
		require.NoError(t, crawlQ.Enqueue(ctx, queue.Item{JobID: id, Kind: tariff.KindCrawlOnly}))
	}
	runner.wait(t, "crawl:c-3")

	runner.mu.Lock()
	defer runner.mu.Unlock()
	// A single crawl consumer preserves queue order.
	require.Equal(t, []string{"c-1", "c-2", "c-3"}, runner.crawls)
}

func TestPoolStopsOnContextEnd(t *testing.T) {
	runner := newFakeRunner()
	_, _, stop := startPool(t, runner)
	stop() // must return promptly with empty queues
}
