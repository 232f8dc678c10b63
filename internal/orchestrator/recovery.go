package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
	"github.com/tarifwerk/tariff-crawler/internal/telemetry"
)

// RecoverStale sweeps jobs that claim to be running past the staleness
// threshold, which happens when a worker died mid-job. Each one is
// marked failed so it can be resubmitted; its operator's crawl lock is
// released along the way. Meant to run at startup and on a timer.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-o.cfg.StaleAfter)
	stale, err := o.jobs.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		now := time.Now().UTC()
		job.Status = tariff.JobStatusFailed
		job.ErrorText = fmt.Sprintf("recovered: stuck in step %q past %s", job.CurrentStep, o.cfg.StaleAfter)
		job.FinishedAt = &now
		if err := o.jobs.UpdateJob(ctx, job); err != nil {
			o.logger.Error("could not recover stale job",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if job.Kind != tariff.KindExtractOnly {
			if err := o.operators.ReleaseCrawlLock(ctx, job.OperatorID); err != nil {
				o.logger.Warn("could not release lock of stale job",
					zap.String("job_id", job.ID),
					zap.String("operator_id", job.OperatorID),
					zap.Error(err))
			}
		}
		o.logger.Warn("recovered stale job",
			zap.String("job_id", job.ID),
			zap.String("step", job.CurrentStep),
			zap.Time("started_at", startedAt(job)))
		telemetry.ObserveJob(string(job.Kind), string(tariff.JobStatusFailed))
		recovered++
	}
	return recovered, nil
}

func startedAt(job *tariff.Job) time.Time {
	if job.StartedAt != nil {
		return *job.StartedAt
	}
	return job.CreatedAt
}
