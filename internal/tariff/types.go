// Package tariff defines the core types shared across subsystems:
// jobs, audit steps, source profiles, learned URL patterns and the
// normalized record shapes produced by extraction.
package tariff

import (
	"time"
)

// DataClass identifies which of the two record families a job targets.
type DataClass string

// Data classes handled by the pipeline.
const (
	ClassTariff     DataClass = "tariff"
	ClassTimeWindow DataClass = "time_window"
	ClassBoth       DataClass = "both"
)

// Valid reports whether c is one of the known data classes.
func (c DataClass) Valid() bool {
	switch c {
	case ClassTariff, ClassTimeWindow, ClassBoth:
		return true
	}
	return false
}

// Expand resolves ClassBoth into the concrete classes it covers.
func (c DataClass) Expand() []DataClass {
	if c == ClassBoth {
		return []DataClass{ClassTariff, ClassTimeWindow}
	}
	return []DataClass{c}
}

// JobKind selects which slice of the pipeline a job executes.
type JobKind string

// Job kinds.
const (
	KindCrawlOnly   JobKind = "crawl_only"
	KindExtractOnly JobKind = "extract_only"
	KindFull        JobKind = "full"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one requested unit of work. The Context map carries discovery
// results, chosen file keys and strategy flags between steps; it is
// mutated exclusively by the step currently executing.
type Job struct {
	ID          string         `json:"id"`
	OperatorID  string         `json:"operator_id"`
	Year        int            `json:"year"`
	DataClass   DataClass      `json:"data_class"`
	Kind        JobKind        `json:"kind"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep string         `json:"current_step,omitempty"`
	ErrorText   string         `json:"error_text,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	ParentJobID string         `json:"parent_job_id,omitempty"`
	ChildJobID  string         `json:"child_job_id,omitempty"`
	Priority    int            `json:"priority"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// StepStatus is the lifecycle state of a single pipeline step.
type StepStatus string

// Step status values.
const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// JobStep is an append-only audit record for one pipeline stage. A row is
// inserted before the stage does any work and finished on exit, so the
// table reflects real wall-clock state even across a crash.
type JobStep struct {
	ID         int64          `json:"id"`
	JobID      string         `json:"job_id"`
	Name       string         `json:"name"`
	Status     StepStatus     `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	ErrorText  string         `json:"error_text,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// DiscoveryStrategy names the mechanism that produced a candidate.
type DiscoveryStrategy string

// Discovery strategies, cheapest first.
const (
	StrategyProfile        DiscoveryStrategy = "profile"
	StrategySitemap        DiscoveryStrategy = "sitemap"
	StrategyLearnedPattern DiscoveryStrategy = "learned_pattern"
	StrategyCrawl          DiscoveryStrategy = "crawl"
)

// SourceProfile is per (operator, data class) memory of what worked last
// time. Discovery consults it before any network call; the orchestrator
// upserts it on success.
type SourceProfile struct {
	OperatorID          string            `json:"operator_id"`
	DataClass           DataClass         `json:"data_class"`
	Domain              string            `json:"domain"`
	LastURL             string            `json:"last_url"`
	URLPattern          string            `json:"url_pattern"` // target year abstracted to {year}
	SourceFormat        FileType          `json:"source_format"`
	Strategy            DiscoveryStrategy `json:"strategy"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// LearnedPathPattern is a year-normalized path fragment shared across all
// operators. Entries are never deleted, only reinforced or penalized.
type LearnedPathPattern struct {
	ID            int64       `json:"id"`
	Fragment      string      `json:"fragment"` // e.g. /downloads/{year}/
	DataClasses   []DataClass `json:"data_classes"`
	SuccessCount  int         `json:"success_count"`
	FailureCount  int         `json:"failure_count"`
	OperatorSlugs []string    `json:"operator_slugs"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// SuccessRatio is the fraction of probes that hit, used as a ranking
// tie-breaker after raw success count.
func (p LearnedPathPattern) SuccessRatio() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

// CandidateDocument is a discovered URL with its relevance score. It is
// never persisted; it exists only for the duration of one discovery call.
type CandidateDocument struct {
	URL       string            `json:"url"`
	Score     float64           `json:"score"`
	Strategy  DiscoveryStrategy `json:"strategy"`
	FileType  FileType          `json:"file_type"`
	YearMatch bool              `json:"year_match"`
}

// Operator is the subset of the operator record the pipeline reads and
// writes. All other operator metadata belongs to the management layer.
type Operator struct {
	ID            string     `json:"id"`
	Slug          string     `json:"slug"`
	Name          string     `json:"name"`
	Website       string     `json:"website"`
	ContactEmail  string     `json:"contact_email,omitempty"`
	Crawlable     bool       `json:"crawlable"`
	CrawlLockedAt *time.Time `json:"crawl_locked_at,omitempty"`
}
