package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/queue"
	"github.com/tarifwerk/tariff-crawler/internal/store"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// SubmitRequest is the inbound contract for starting work.
type SubmitRequest struct {
	OperatorID  string
	Year        int
	DataClass   tariff.DataClass
	Kind        tariff.JobKind
	Priority    int
	TriggeredBy string

	// SuppressExtract keeps a full-kind crawl from chaining its extract
	// child; OverrideVerified lets the extract pass overwrite rows a
	// human already verified.
	SuppressExtract  bool
	OverrideVerified bool
}

// JobStatus is the read-side view of a job including its step audit trail.
type JobStatus struct {
	Job   *tariff.Job      `json:"job"`
	Steps []tariff.JobStep `json:"steps"`
}

// Service is the thin inbound layer: it validates, persists the pending
// job and performs the enqueue the orchestrator itself never does.
type Service struct {
	jobs       store.JobStore
	operators  store.OperatorStore
	crawlQueue queue.Queue
	logger     *zap.Logger
}

// NewService wires a Service.
func NewService(jobs store.JobStore, operators store.OperatorStore, crawlQueue queue.Queue, logger *zap.Logger) *Service {
	return &Service{jobs: jobs, operators: operators, crawlQueue: crawlQueue, logger: logger}
}

// EnqueueCrawl validates the request, creates the pending job and puts
// it on the crawl queue. Extract-only jobs are rejected here: they only
// exist as children of a crawl that produced files.
func (s *Service) EnqueueCrawl(ctx context.Context, req SubmitRequest) (*tariff.Job, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	if _, err := s.operators.GetOperator(ctx, req.OperatorID); err != nil {
		return nil, fmt.Errorf("operator %s: %w", req.OperatorID, err)
	}

	job := &tariff.Job{
		ID:          uuid.NewString(),
		OperatorID:  req.OperatorID,
		Year:        req.Year,
		DataClass:   req.DataClass,
		Kind:        req.Kind,
		Status:      tariff.JobStatusPending,
		Priority:    req.Priority,
		TriggeredBy: req.TriggeredBy,
		CreatedAt:   time.Now().UTC(),
	}
	if req.SuppressExtract || req.OverrideVerified {
		job.Context = map[string]any{}
		if req.SuppressExtract {
			job.Context[ctxSuppressExtract] = true
		}
		if req.OverrideVerified {
			job.Context[ctxOverride] = true
		}
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.crawlQueue.Enqueue(ctx, queue.Item{JobID: job.ID, Kind: job.Kind}); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("operator_id", job.OperatorID),
		zap.Int("year", job.Year),
		zap.String("data_class", string(job.DataClass)),
		zap.String("kind", string(job.Kind)))
	return job, nil
}

// GetJobStatus returns the job and its ordered step rows.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	steps, err := s.jobs.ListSteps(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps for %s: %w", jobID, err)
	}
	return &JobStatus{Job: job, Steps: steps}, nil
}

// CancelJob requests cooperative cancellation. The running pipeline
// notices the flipped status between steps; pending jobs never start.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}
	now := time.Now().UTC()
	job.Status = tariff.JobStatusCancelled
	job.FinishedAt = &now
	return s.jobs.UpdateJob(ctx, job)
}

func validateSubmit(req SubmitRequest) error {
	if req.OperatorID == "" {
		return fmt.Errorf("operator id is required")
	}
	if req.Year < 2000 || req.Year > time.Now().Year()+1 {
		return fmt.Errorf("year %d out of range", req.Year)
	}
	switch req.DataClass {
	case tariff.ClassTariff, tariff.ClassTimeWindow, tariff.ClassBoth:
	default:
		return fmt.Errorf("unknown data class %q", req.DataClass)
	}
	switch req.Kind {
	case tariff.KindCrawlOnly, tariff.KindFull:
	case tariff.KindExtractOnly:
		return fmt.Errorf("extract jobs are chained from crawls, not submitted directly")
	default:
		return fmt.Errorf("unknown job kind %q", req.Kind)
	}
	return nil
}
