// Package store defines the persistence interfaces for jobs, source
// profiles, learned patterns, extracted records and operator flags.
// Implementations live in the postgres and memory subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// JobStore persists jobs and their append-only step audit trail.
type JobStore interface {
	CreateJob(ctx context.Context, job *tariff.Job) error
	GetJob(ctx context.Context, id string) (*tariff.Job, error)
	// UpdateJob persists status, progress, current step, error text,
	// context and the child link. Timestamps are written as set on the job.
	UpdateJob(ctx context.Context, job *tariff.Job) error
	// ListStaleRunning returns running jobs whose started_at is older than
	// cutoff, for the recovery sweep.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*tariff.Job, error)

	AppendStep(ctx context.Context, step *tariff.JobStep) error
	FinishStep(ctx context.Context, step *tariff.JobStep) error
	ListSteps(ctx context.Context, jobID string) ([]tariff.JobStep, error)
}

// ProfileStore persists per (operator, data class) source profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, operatorID string, class tariff.DataClass) (*tariff.SourceProfile, error)
	UpsertProfile(ctx context.Context, profile *tariff.SourceProfile) error
	// BumpProfileFailure increments the consecutive-failure counter.
	BumpProfileFailure(ctx context.Context, operatorID string, class tariff.DataClass) error
}

// PatternStore persists the cross-operator learned path patterns. Counters
// are monotonic: they are only ever incremented, entries never deleted.
type PatternStore interface {
	TopPatterns(ctx context.Context, class tariff.DataClass, limit int) ([]tariff.LearnedPathPattern, error)
	RecordPatternSuccess(ctx context.Context, fragment string, class tariff.DataClass, operatorSlug string) error
	RecordPatternFailure(ctx context.Context, fragment string, class tariff.DataClass) error
}

// RecordStore persists extracted records. Upserts return false without
// touching the row when it is already verified and override is unset; with
// override the row is overwritten and a fresh provenance stamp recorded.
type RecordStore interface {
	UpsertTariff(ctx context.Context, rec *tariff.TariffRecord, override bool) (bool, error)
	UpsertTimeWindows(ctx context.Context, rec *tariff.TimeWindowRecord, override bool) (bool, error)
}

// OperatorStore reads operator metadata and owns the advisory crawl lock
// plus the crawlable flag.
type OperatorStore interface {
	GetOperator(ctx context.Context, id string) (*tariff.Operator, error)
	SetCrawlable(ctx context.Context, id string, crawlable bool, reason string) error
	// AcquireCrawlLock sets the lock timestamp if it is unset or older than
	// staleAfter, returning whether the lock was obtained.
	AcquireCrawlLock(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	ReleaseCrawlLock(ctx context.Context, id string) error
}
