// Package orchestrator drives jobs through their pipeline steps. It owns
// the job state machine; queue plumbing stays outside, in the thin
// worker layer that enqueues whatever NextJob it returns.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/blob"
	"github.com/tarifwerk/tariff-crawler/internal/discovery"
	"github.com/tarifwerk/tariff-crawler/internal/download"
	"github.com/tarifwerk/tariff-crawler/internal/extract"
	"github.com/tarifwerk/tariff-crawler/internal/patterns"
	"github.com/tarifwerk/tariff-crawler/internal/store"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
	"github.com/tarifwerk/tariff-crawler/internal/telemetry"
)

// Job context keys. The context bag is the only channel between steps
// and survives a JSON round trip through the job store.
const (
	ctxNoSource        = "no_source"
	ctxSuppressExtract = "suppress_extract"
	ctxOverride        = "override_verified"
	ctxDeepRetry       = "deep_retry_used"
)

func ctxFileKey(class tariff.DataClass) string  { return "file_key_" + string(class) }
func ctxFileURL(class tariff.DataClass) string  { return "file_url_" + string(class) }
func ctxFileType(class tariff.DataClass) string { return "file_type_" + string(class) }
func ctxFileYear(class tariff.DataClass) string { return "file_year_" + string(class) }
func ctxFileSHA(class tariff.DataClass) string  { return "file_sha256_" + string(class) }

// Discoverer runs the candidate search ladder.
type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request) ([]tariff.CandidateDocument, error)
}

// Fetcher downloads one URL under the politeness governor.
type Fetcher interface {
	Download(ctx context.Context, url string) (*download.Result, error)
}

// Extractor is the two-tier extraction engine.
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) (*extract.Output, error)
	CountPlausible(body []byte, fileType tariff.FileType) map[tariff.DataClass]int
}

// RobotsChecker answers the root-disallow precondition.
type RobotsChecker interface {
	RootDisallowed(ctx context.Context, siteURL string) bool
}

// NextJob is work the caller should enqueue after a run completes.
type NextJob struct {
	JobID string
	Kind  tariff.JobKind
}

// Config tunes the orchestrator.
type Config struct {
	// StaleAfter is the stuck-job and stale-lock threshold.
	StaleAfter time.Duration
	// MaxDownloads caps how many ranked candidates one crawl fetches.
	MaxDownloads int
}

// Orchestrator runs crawl and extract pipelines over the shared stores.
type Orchestrator struct {
	cfg        Config
	jobs       store.JobStore
	operators  store.OperatorStore
	profiles   store.ProfileStore
	records    store.RecordStore
	learner    *patterns.Learner
	discoverer Discoverer
	fetcher    Fetcher
	extractor  Extractor
	blobs      blob.Store
	robots     RobotsChecker
	logger     *zap.Logger
}

// New wires an Orchestrator.
func New(
	cfg Config,
	jobs store.JobStore,
	operators store.OperatorStore,
	profiles store.ProfileStore,
	records store.RecordStore,
	learner *patterns.Learner,
	discoverer Discoverer,
	fetcher Fetcher,
	extractor Extractor,
	blobs blob.Store,
	robots RobotsChecker,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.MaxDownloads <= 0 {
		cfg.MaxDownloads = 5
	}
	return &Orchestrator{
		cfg:        cfg,
		jobs:       jobs,
		operators:  operators,
		profiles:   profiles,
		records:    records,
		learner:    learner,
		discoverer: discoverer,
		fetcher:    fetcher,
		extractor:  extractor,
		blobs:      blobs,
		robots:     robots,
		logger:     logger,
	}
}

// step is one named pipeline stage. Detail lands in the audit row.
type step struct {
	name string
	run  func(ctx context.Context, job *tariff.Job) (map[string]any, error)
}

// runSteps executes the pipeline. Every step gets a JobStep row before
// work and a completion/failure update after; any step error fails the
// whole job right there. This is the single catch point: the error is
// recorded on the job and nil is returned so workers never crash over a
// failed job. Cancellation is honored between steps, never mid-step.
func (o *Orchestrator) runSteps(ctx context.Context, job *tariff.Job, steps []step) error {
	for i, st := range steps {
		if stop, err := o.cancelled(ctx, job, st.name); err != nil {
			return o.failJob(ctx, job, st.name, err)
		} else if stop {
			return nil
		}

		job.CurrentStep = st.name
		if err := o.jobs.UpdateJob(ctx, job); err != nil {
			return o.failJob(ctx, job, st.name, fmt.Errorf("update job: %w", err))
		}

		row := &tariff.JobStep{
			JobID:     job.ID,
			Name:      st.name,
			Status:    tariff.StepRunning,
			StartedAt: time.Now().UTC(),
		}
		if err := o.jobs.AppendStep(ctx, row); err != nil {
			return o.failJob(ctx, job, st.name, fmt.Errorf("append step: %w", err))
		}

		detail, stepErr := st.run(ctx, job)

		finished := time.Now().UTC()
		row.FinishedAt = &finished
		row.DurationMs = finished.Sub(row.StartedAt).Milliseconds()
		row.Detail = detail
		if stepErr != nil {
			row.Status = tariff.StepFailed
			row.ErrorText = stepErr.Error()
		} else {
			row.Status = tariff.StepCompleted
		}
		if err := o.jobs.FinishStep(ctx, row); err != nil {
			o.logger.Error("finish step failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		if stepErr != nil {
			return o.failJob(ctx, job, st.name, stepErr)
		}

		// A cancel that landed while the step ran must not be clobbered
		// by the progress write.
		if stop, err := o.cancelled(ctx, job, st.name); err != nil {
			return o.failJob(ctx, job, st.name, err)
		} else if stop {
			return nil
		}
		job.Progress = (i + 1) * 100 / len(steps)
		if err := o.jobs.UpdateJob(ctx, job); err != nil {
			return o.failJob(ctx, job, st.name, fmt.Errorf("update job: %w", err))
		}
	}
	return nil
}

// cancelled reloads the job and reports whether a cooperative cancel
// has been requested. The local job adopts the cancelled status so
// callers after runSteps see it too.
func (o *Orchestrator) cancelled(ctx context.Context, job *tariff.Job, stepName string) (bool, error) {
	fresh, err := o.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("reload job: %w", err)
	}
	if fresh.Status != tariff.JobStatusCancelled {
		return false, nil
	}
	job.Status = tariff.JobStatusCancelled
	o.logger.Info("job cancelled, stopping between steps",
		zap.String("job_id", job.ID), zap.String("step", stepName))
	telemetry.ObserveJob(string(job.Kind), string(tariff.JobStatusCancelled))
	return true, nil
}

// failJob records the failure and reports success to the caller: a
// failed job is a handled outcome, not a worker crash.
func (o *Orchestrator) failJob(ctx context.Context, job *tariff.Job, stepName string, cause error) error {
	o.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("step", stepName),
		zap.Error(cause))
	now := time.Now().UTC()
	job.Status = tariff.JobStatusFailed
	job.ErrorText = cause.Error()
	job.CurrentStep = stepName
	job.FinishedAt = &now
	if err := o.jobs.UpdateJob(ctx, job); err != nil {
		o.logger.Error("could not persist job failure",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	telemetry.ObserveJob(string(job.Kind), string(tariff.JobStatusFailed))
	return nil
}

// markRunning flips the job to running and stamps started_at.
func (o *Orchestrator) markRunning(ctx context.Context, job *tariff.Job) error {
	now := time.Now().UTC()
	job.Status = tariff.JobStatusRunning
	job.StartedAt = &now
	job.Progress = 0
	job.ErrorText = ""
	return o.jobs.UpdateJob(ctx, job)
}

func (o *Orchestrator) completeJob(ctx context.Context, job *tariff.Job) error {
	now := time.Now().UTC()
	job.Status = tariff.JobStatusCompleted
	job.Progress = 100
	job.FinishedAt = &now
	telemetry.ObserveJob(string(job.Kind), string(tariff.JobStatusCompleted))
	return o.jobs.UpdateJob(ctx, job)
}

func ctxBool(job *tariff.Job, key string) bool {
	if job.Context == nil {
		return false
	}
	v, _ := job.Context[key].(bool)
	return v
}

func ctxString(job *tariff.Job, key string) string {
	if job.Context == nil {
		return ""
	}
	v, _ := job.Context[key].(string)
	return v
}

// ctxInt tolerates the float64 that JSON decoding turns numbers into.
func ctxInt(job *tariff.Job, key string) int {
	if job.Context == nil {
		return 0
	}
	switch v := job.Context[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func setCtx(job *tariff.Job, key string, value any) {
	if job.Context == nil {
		job.Context = make(map[string]any)
	}
	job.Context[key] = value
}
