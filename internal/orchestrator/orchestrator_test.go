package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmemory "github.com/tarifwerk/tariff-crawler/internal/blob/memory"
	"github.com/tarifwerk/tariff-crawler/internal/discovery"
	"github.com/tarifwerk/tariff-crawler/internal/download"
	"github.com/tarifwerk/tariff-crawler/internal/extract"
	"github.com/tarifwerk/tariff-crawler/internal/patterns"
	"github.com/tarifwerk/tariff-crawler/internal/store/memory"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

type stubDiscoverer struct {
	mu       sync.Mutex
	shallow  map[tariff.DataClass][]tariff.CandidateDocument
	deep     map[tariff.DataClass][]tariff.CandidateDocument
	requests []discovery.Request
}

func (d *stubDiscoverer) Discover(_ context.Context, req discovery.Request) ([]tariff.CandidateDocument, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if req.Deep {
		return d.deep[req.Class], nil
	}
	return d.shallow[req.Class], nil
}

func (d *stubDiscoverer) deepRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.requests {
		if r.Deep {
			n++
		}
	}
	return n
}

type stubFetcher struct {
	pages      map[string]*download.Result
	onDownload func(url string)
}

func (f *stubFetcher) Download(_ context.Context, url string) (*download.Result, error) {
	if f.onDownload != nil {
		f.onDownload(url)
	}
	res, ok := f.pages[url]
	if !ok {
		return nil, errors.New("fetch failed: 404")
	}
	return res, nil
}

type stubExtractor struct {
	counts  map[string]map[tariff.DataClass]int
	outputs map[tariff.DataClass]*extract.Output
	calls   int
}

func (e *stubExtractor) Extract(_ context.Context, in extract.Input) (*extract.Output, error) {
	e.calls++
	out, ok := e.outputs[in.Class]
	if !ok {
		return nil, errors.New("nothing extractable")
	}
	return out, nil
}

func (e *stubExtractor) CountPlausible(body []byte, _ tariff.FileType) map[tariff.DataClass]int {
	return e.counts[string(body)]
}

type stubRobots struct{ disallow bool }

func (r *stubRobots) RootDisallowed(_ context.Context, _ string) bool { return r.disallow }

type harness struct {
	orch      *Orchestrator
	jobs      *memory.JobStore
	operators *memory.OperatorStore
	profiles  *memory.ProfileStore
	records   *memory.RecordStore
	blobs     *blobmemory.Store
	fetcher   *stubFetcher
	discover  *stubDiscoverer
	extractor *stubExtractor
	robots    *stubRobots
}

const docURL = "https://netz.example.de/downloads/netzentgelte-2025.pdf"

func testOperator() *tariff.Operator {
	return &tariff.Operator{
		ID:        "op-1",
		Slug:      "netz-example",
		Name:      "Netz Example GmbH",
		Website:   "https://netz.example.de",
		Crawlable: true,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		jobs:      memory.NewJobStore(),
		operators: memory.NewOperatorStore(testOperator()),
		profiles:  memory.NewProfileStore(),
		records:   memory.NewRecordStore(),
		blobs:     blobmemory.New(),
		robots:    &stubRobots{},
		discover: &stubDiscoverer{
			shallow: map[tariff.DataClass][]tariff.CandidateDocument{
				tariff.ClassTariff: {{URL: docURL, Score: 8, Strategy: tariff.StrategySitemap, FileType: tariff.TypePDF}},
			},
		},
		fetcher: &stubFetcher{pages: map[string]*download.Result{
			"https://netz.example.de": {Body: []byte("<html>startseite</html>"), FileType: tariff.TypeHTML},
			docURL:                    {Body: []byte("tariff table"), FileType: tariff.TypePDF},
		}},
		extractor: &stubExtractor{
			counts: map[string]map[tariff.DataClass]int{
				"tariff table": {tariff.ClassTariff: 5},
			},
			outputs: map[tariff.DataClass]*extract.Output{
				tariff.ClassTariff: {
					Method: "deterministic",
					Tariffs: []tariff.TariffRecord{
						{Year: 2025, VoltageLevel: tariff.VoltageMS, PowerRateLT: 91.5, EnergyRateLT: 4.2,
							PowerRateGE: 140.1, EnergyRateGE: 1.9, Verification: tariff.VerificationUnverified},
					},
				},
			},
		},
	}
	h.orch = New(Config{StaleAfter: time.Hour, MaxDownloads: 3},
		h.jobs, h.operators, h.profiles, h.records,
		patterns.NewLearner(memory.NewPatternStore()),
		h.discover, h.fetcher, h.extractor, h.blobs, h.robots, zap.NewNop())
	return h
}

func (h *harness) createJob(t *testing.T, job *tariff.Job) *tariff.Job {
	t.Helper()
	if job.Status == "" {
		job.Status = tariff.JobStatusPending
	}
	job.CreatedAt = time.Now().UTC()
	require.NoError(t, h.jobs.CreateJob(context.Background(), job))
	return job
}

func TestRunCrawlFullPipelineChainsExtractChild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.createJob(t, &tariff.Job{
		ID: "job-1", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindFull,
	})

	next, err := h.orch.RunCrawl(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, tariff.KindExtractOnly, next.Kind)

	parent, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusCompleted, parent.Status)
	require.Equal(t, 100, parent.Progress)
	require.Equal(t, next.JobID, parent.ChildJobID)

	child, err := h.jobs.GetJob(ctx, next.JobID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusPending, child.Status)
	require.Equal(t, job.ID, child.ParentJobID)
	require.Equal(t, "crawl:"+job.ID, child.TriggeredBy)
	require.NotEmpty(t, ctxString(child, ctxFileKey(tariff.ClassTariff)))

	// The winning file landed in blob storage and the profile was learned.
	require.Equal(t, 1, h.blobs.Len())
	profile, err := h.profiles.GetProfile(ctx, "op-1", tariff.ClassTariff)
	require.NoError(t, err)
	require.Equal(t, "https://netz.example.de/downloads/netzentgelte-{year}.pdf", profile.URLPattern)

	// The crawl lock is released on exit.
	op, err := h.operators.GetOperator(ctx, "op-1")
	require.NoError(t, err)
	require.Nil(t, op.CrawlLockedAt)

	// Running the chained extract writes the records end to end.
	require.NoError(t, h.orch.RunExtract(ctx, next.JobID))
	child, err = h.jobs.GetJob(ctx, next.JobID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusCompleted, child.Status)
	rec, ok := h.records.GetTariff("op-1", 2025, tariff.VoltageMS)
	require.True(t, ok)
	require.Equal(t, 91.5, rec.PowerRateLT)
}

func TestRunCrawlNoSourceCompletesWithoutChild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.extractor.counts = nil // nothing classifies
	job := h.createJob(t, &tariff.Job{
		ID: "job-ns", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindFull,
	})

	next, err := h.orch.RunCrawl(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, next)

	got, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusCompleted, got.Status)
	require.True(t, ctxBool(got, ctxNoSource))
	// Discovery deepened exactly once before settling.
	require.Equal(t, 1, h.discover.deepRequests())
}

func TestRunCrawlDeepRetryFindsLateSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// Nothing on the first pass, the document only on the deep pass.
	h.discover.shallow = nil
	h.discover.deep = map[tariff.DataClass][]tariff.CandidateDocument{
		tariff.ClassTariff: {{URL: docURL, Score: 8, Strategy: tariff.StrategyCrawl, FileType: tariff.TypePDF}},
	}
	job := h.createJob(t, &tariff.Job{
		ID: "job-deep", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindCrawlOnly,
	})

	next, err := h.orch.RunCrawl(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, next) // crawl-only never chains

	got, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusCompleted, got.Status)
	require.False(t, ctxBool(got, ctxNoSource))
	require.NotEmpty(t, ctxString(got, ctxFileKey(tariff.ClassTariff)))
}

func TestRunCrawlLockContentionFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	locked, err := h.operators.AcquireCrawlLock(ctx, "op-1", time.Hour)
	require.NoError(t, err)
	require.True(t, locked)

	job := h.createJob(t, &tariff.Job{
		ID: "job-lock", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindFull,
	})
	next, err := h.orch.RunCrawl(ctx, job.ID)
	require.NoError(t, err) // handled outcome, not a worker crash
	require.Nil(t, next)

	got, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorText, "crawl in progress")
}

func TestRunCrawlRobotsRootDisallowFlipsCrawlable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.robots.disallow = true
	job := h.createJob(t, &tariff.Job{
		ID: "job-robots", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindFull,
	})

	next, err := h.orch.RunCrawl(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, next)

	got, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorText, "robots.txt")

	op, err := h.operators.GetOperator(ctx, "op-1")
	require.NoError(t, err)
	require.False(t, op.Crawlable)
}

func TestRunCrawlCancelledBetweenSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.createJob(t, &tariff.Job{
		ID: "job-cancel", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindFull,
	})
	// Cancel while preflight is probing the homepage; the pipeline must
	// stop before the discover step runs.
	h.fetcher.onDownload = func(url string) {
		if url != "https://netz.example.de" {
			return
		}
		stored, err := h.jobs.GetJob(ctx, job.ID)
		require.NoError(t, err)
		stored.Status = tariff.JobStatusCancelled
		require.NoError(t, h.jobs.UpdateJob(ctx, stored))
	}

	next, err := h.orch.RunCrawl(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Empty(t, h.discover.requests)
}

func TestRunCrawlSkipsTerminalJob(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, &tariff.Job{
		ID: "job-done", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindFull,
		Status: tariff.JobStatusCompleted,
	})
	next, err := h.orch.RunCrawl(context.Background(), job.ID)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Empty(t, h.discover.requests)
}

func extractJob(t *testing.T, h *harness, id string, ctxExtra map[string]any) *tariff.Job {
	t.Helper()
	ctx := context.Background()
	key := "netz-example/netz-example-tariff-2025.pdf"
	_, err := h.blobs.PutObject(ctx, key, "application/pdf", []byte("tariff table"))
	require.NoError(t, err)
	job := &tariff.Job{
		ID: id, OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindExtractOnly,
		Context: map[string]any{
			ctxFileKey(tariff.ClassTariff):  key,
			ctxFileURL(tariff.ClassTariff):  docURL,
			ctxFileType(tariff.ClassTariff): "pdf",
			ctxFileYear(tariff.ClassTariff): 2025,
		},
	}
	for k, v := range ctxExtra {
		job.Context[k] = v
	}
	return h.createJob(t, job)
}

func TestRunExtractProtectsVerifiedRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	verified := &tariff.TariffRecord{
		OperatorID: "op-1", Year: 2025, VoltageLevel: tariff.VoltageMS,
		PowerRateLT: 80.0, Verification: tariff.VerificationVerified,
	}
	_, err := h.records.UpsertTariff(ctx, verified, false)
	require.NoError(t, err)

	job := extractJob(t, h, "job-verified", nil)
	require.NoError(t, h.orch.RunExtract(ctx, job.ID))

	got, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusCompleted, got.Status)

	// The human-verified value survives.
	rec, ok := h.records.GetTariff("op-1", 2025, tariff.VoltageMS)
	require.True(t, ok)
	require.Equal(t, 80.0, rec.PowerRateLT)
	require.Equal(t, tariff.VerificationVerified, rec.Verification)

	steps, err := h.jobs.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	finalize := steps[len(steps)-1]
	require.Equal(t, "finalize", finalize.Name)
	require.Equal(t, 1, finalize.Detail["skipped_verified"])
}

func TestRunExtractOverrideRewritesVerified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	verified := &tariff.TariffRecord{
		OperatorID: "op-1", Year: 2025, VoltageLevel: tariff.VoltageMS,
		PowerRateLT: 80.0, Verification: tariff.VerificationVerified,
	}
	_, err := h.records.UpsertTariff(ctx, verified, false)
	require.NoError(t, err)

	job := extractJob(t, h, "job-override", map[string]any{ctxOverride: true})
	require.NoError(t, h.orch.RunExtract(ctx, job.ID))

	rec, ok := h.records.GetTariff("op-1", 2025, tariff.VoltageMS)
	require.True(t, ok)
	require.Equal(t, 91.5, rec.PowerRateLT)
}

func TestRunExtractFailsWithoutFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.createJob(t, &tariff.Job{
		ID: "job-nofile", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindExtractOnly,
	})
	require.NoError(t, h.orch.RunExtract(ctx, job.ID))

	got, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorText, "no file to extract")
	require.Zero(t, h.extractor.calls)
}

func TestRunExtractRejectsTamperedFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := extractJob(t, h, "job-tampered", map[string]any{
		ctxFileSHA(tariff.ClassTariff): "deadbeef",
	})
	require.NoError(t, h.orch.RunExtract(ctx, job.ID))

	got, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorText, "changed since crawl")
	require.Zero(t, h.extractor.calls)
}

func TestRecoverStaleMarksStuckJobsFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stuck := time.Now().UTC().Add(-2 * time.Hour)
	h.createJob(t, &tariff.Job{
		ID: "job-stuck", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindFull,
		Status: tariff.JobStatusRunning, CurrentStep: "download", StartedAt: &stuck,
	})
	fresh := time.Now().UTC().Add(-time.Minute)
	h.createJob(t, &tariff.Job{
		ID: "job-fresh", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindFull,
		Status: tariff.JobStatusRunning, CurrentStep: "discover", StartedAt: &fresh,
	})
	locked, err := h.operators.AcquireCrawlLock(ctx, "op-1", time.Hour)
	require.NoError(t, err)
	require.True(t, locked)

	recovered, err := h.orch.RecoverStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	stuckJob, err := h.jobs.GetJob(ctx, "job-stuck")
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusFailed, stuckJob.Status)
	require.True(t, strings.Contains(stuckJob.ErrorText, "stuck in step"))

	freshJob, err := h.jobs.GetJob(ctx, "job-fresh")
	require.NoError(t, err)
	require.Equal(t, tariff.JobStatusRunning, freshJob.Status)

	op, err := h.operators.GetOperator(ctx, "op-1")
	require.NoError(t, err)
	require.Nil(t, op.CrawlLockedAt)
}

func TestJobStepAuditTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.createJob(t, &tariff.Job{
		ID: "job-audit", OperatorID: "op-1", Year: 2025,
		DataClass: tariff.ClassTariff, Kind: tariff.KindCrawlOnly,
	})
	_, err := h.orch.RunCrawl(ctx, job.ID)
	require.NoError(t, err)

	steps, err := h.jobs.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	var names []string
	for _, s := range steps {
		require.Equal(t, tariff.StepCompleted, s.Status)
		require.NotNil(t, s.FinishedAt)
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"preflight", "discover", "download", "learn"}, names)
}
