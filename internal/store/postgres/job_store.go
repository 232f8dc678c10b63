package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tarifwerk/tariff-crawler/internal/store"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// JobStore persists jobs and job steps.
//
// Expected schema:
//
//	CREATE TABLE jobs (
//	    id            TEXT PRIMARY KEY,
//	    operator_id   TEXT NOT NULL,
//	    year          INT NOT NULL,
//	    data_class    TEXT NOT NULL,
//	    kind          TEXT NOT NULL,
//	    status        TEXT NOT NULL,
//	    progress      INT NOT NULL DEFAULT 0,
//	    current_step  TEXT NOT NULL DEFAULT '',
//	    error_text    TEXT NOT NULL DEFAULT '',
//	    context       JSONB,
//	    parent_job_id TEXT,
//	    child_job_id  TEXT,
//	    priority      INT NOT NULL DEFAULT 0,
//	    triggered_by  TEXT NOT NULL DEFAULT '',
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    started_at    TIMESTAMPTZ,
//	    finished_at   TIMESTAMPTZ
//	);
//
//	CREATE TABLE job_steps (
//	    id          BIGSERIAL PRIMARY KEY,
//	    job_id      TEXT NOT NULL REFERENCES jobs(id),
//	    name        TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    started_at  TIMESTAMPTZ NOT NULL,
//	    finished_at TIMESTAMPTZ,
//	    duration_ms BIGINT NOT NULL DEFAULT 0,
//	    error_text  TEXT NOT NULL DEFAULT '',
//	    detail      JSONB
//	);
type JobStore struct {
	db DB
}

// NewJobStore constructs a JobStore on the given pool.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, operator_id, year, data_class, kind, status, progress,
current_step, error_text, context, parent_job_id, child_job_id, priority,
triggered_by, created_at, started_at, finished_at`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job *tariff.Job) error {
	contextJSON, err := marshalMap(job.Context)
	if err != nil {
		return fmt.Errorf("marshal job context: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		job.ID, job.OperatorID, job.Year, string(job.DataClass), string(job.Kind),
		string(job.Status), job.Progress, job.CurrentStep, job.ErrorText, contextJSON,
		nullable(job.ParentJobID), nullable(job.ChildJobID), job.Priority,
		job.TriggeredBy, job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *JobStore) GetJob(ctx context.Context, id string) (*tariff.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob persists the mutable job fields.
func (s *JobStore) UpdateJob(ctx context.Context, job *tariff.Job) error {
	contextJSON, err := marshalMap(job.Context)
	if err != nil {
		return fmt.Errorf("marshal job context: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE jobs SET
	status = $2, progress = $3, current_step = $4, error_text = $5,
	context = $6, child_job_id = $7, started_at = $8, finished_at = $9
WHERE id = $1`,
		job.ID, string(job.Status), job.Progress, job.CurrentStep, job.ErrorText,
		contextJSON, nullable(job.ChildJobID), job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListStaleRunning returns running jobs started before cutoff.
func (s *JobStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*tariff.Job, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2
ORDER BY started_at`, string(tariff.JobStatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*tariff.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}
	return jobs, nil
}

// AppendStep inserts a step row and fills in its id.
func (s *JobStore) AppendStep(ctx context.Context, step *tariff.JobStep) error {
	detailJSON, err := marshalMap(step.Detail)
	if err != nil {
		return fmt.Errorf("marshal step detail: %w", err)
	}
	err = s.db.QueryRow(ctx, `
INSERT INTO job_steps (job_id, name, status, started_at, finished_at, duration_ms, error_text, detail)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		step.JobID, step.Name, string(step.Status), step.StartedAt,
		step.FinishedAt, step.DurationMs, step.ErrorText, detailJSON,
	).Scan(&step.ID)
	if err != nil {
		return fmt.Errorf("insert job step: %w", err)
	}
	return nil
}

// FinishStep updates a step row on stage exit.
func (s *JobStore) FinishStep(ctx context.Context, step *tariff.JobStep) error {
	detailJSON, err := marshalMap(step.Detail)
	if err != nil {
		return fmt.Errorf("marshal step detail: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE job_steps SET
	status = $2, finished_at = $3, duration_ms = $4, error_text = $5, detail = $6
WHERE id = $1`,
		step.ID, string(step.Status), step.FinishedAt, step.DurationMs,
		step.ErrorText, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("update job step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSteps returns a job's step rows in append order.
func (s *JobStore) ListSteps(ctx context.Context, jobID string) ([]tariff.JobStep, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, job_id, name, status, started_at, finished_at, duration_ms, error_text, detail
FROM job_steps WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select job steps: %w", err)
	}
	defer rows.Close()

	var steps []tariff.JobStep
	for rows.Next() {
		var (
			step       tariff.JobStep
			status     string
			detailJSON []byte
		)
		if err := rows.Scan(&step.ID, &step.JobID, &step.Name, &status,
			&step.StartedAt, &step.FinishedAt, &step.DurationMs,
			&step.ErrorText, &detailJSON); err != nil {
			return nil, fmt.Errorf("scan job step: %w", err)
		}
		step.Status = tariff.StepStatus(status)
		if err := unmarshalMap(detailJSON, &step.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal step detail: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job steps: %w", err)
	}
	return steps, nil
}

func scanJob(row pgx.Row) (*tariff.Job, error) {
	var (
		job                   tariff.Job
		class, kind, status   string
		contextJSON           []byte
		parentID, childID     *string
	)
	err := row.Scan(&job.ID, &job.OperatorID, &job.Year, &class, &kind, &status,
		&job.Progress, &job.CurrentStep, &job.ErrorText, &contextJSON,
		&parentID, &childID, &job.Priority, &job.TriggeredBy,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt)
	if err != nil {
		return nil, err
	}
	job.DataClass = tariff.DataClass(class)
	job.Kind = tariff.JobKind(kind)
	job.Status = tariff.JobStatus(status)
	if parentID != nil {
		job.ParentJobID = *parentID
	}
	if childID != nil {
		job.ChildJobID = *childID
	}
	if err := unmarshalMap(contextJSON, &job.Context); err != nil {
		return nil, fmt.Errorf("unmarshal job context: %w", err)
	}
	return &job, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMap(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
