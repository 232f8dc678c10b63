// Package memory provides store implementations for tests and local
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tarifwerk/tariff-crawler/internal/store"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// JobStore is an in-memory store.JobStore.
type JobStore struct {
	mu     sync.Mutex
	jobs   map[string]*tariff.Job
	steps  map[string][]tariff.JobStep
	nextID int64
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]*tariff.Job),
		steps: make(map[string][]tariff.JobStep),
	}
}

// CreateJob stores a copy of the job.
func (s *JobStore) CreateJob(_ context.Context, job *tariff.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// GetJob returns a copy of the stored job.
func (s *JobStore) GetJob(_ context.Context, id string) (*tariff.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// UpdateJob overwrites the stored job.
func (s *JobStore) UpdateJob(_ context.Context, job *tariff.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// ListStaleRunning returns running jobs started before cutoff.
func (s *JobStore) ListStaleRunning(_ context.Context, cutoff time.Time) ([]*tariff.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*tariff.Job
	for _, job := range s.jobs {
		if job.Status != tariff.JobStatusRunning || job.StartedAt == nil {
			continue
		}
		if job.StartedAt.Before(cutoff) {
			cp := *job
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale, nil
}

// AppendStep assigns an id and stores the step row.
func (s *JobStore) AppendStep(_ context.Context, step *tariff.JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	step.ID = s.nextID
	s.steps[step.JobID] = append(s.steps[step.JobID], *step)
	return nil
}

// FinishStep updates the stored step row in place.
func (s *JobStore) FinishStep(_ context.Context, step *tariff.JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.steps[step.JobID]
	for i := range rows {
		if rows[i].ID == step.ID {
			rows[i] = *step
			return nil
		}
	}
	return store.ErrNotFound
}

// ListSteps returns the step rows in append order.
func (s *JobStore) ListSteps(_ context.Context, jobID string) ([]tariff.JobStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.steps[jobID]
	out := make([]tariff.JobStep, len(rows))
	copy(out, rows)
	return out, nil
}

// ProfileStore is an in-memory store.ProfileStore.
type ProfileStore struct {
	mu       sync.Mutex
	profiles map[string]*tariff.SourceProfile
}

// NewProfileStore constructs an empty ProfileStore.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: make(map[string]*tariff.SourceProfile)}
}

func profileKey(operatorID string, class tariff.DataClass) string {
	return operatorID + "|" + string(class)
}

// GetProfile returns the profile for (operator, class).
func (s *ProfileStore) GetProfile(_ context.Context, operatorID string, class tariff.DataClass) (*tariff.SourceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[profileKey(operatorID, class)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// UpsertProfile stores the profile, resetting nothing the caller did not set.
func (s *ProfileStore) UpsertProfile(_ context.Context, profile *tariff.SourceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *profile
	cp.UpdatedAt = time.Now().UTC()
	s.profiles[profileKey(profile.OperatorID, profile.DataClass)] = &cp
	return nil
}

// BumpProfileFailure increments the consecutive-failure counter if the
// profile exists.
func (s *ProfileStore) BumpProfileFailure(_ context.Context, operatorID string, class tariff.DataClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[profileKey(operatorID, class)]
	if !ok {
		return store.ErrNotFound
	}
	p.ConsecutiveFailures++
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// PatternStore is an in-memory store.PatternStore.
type PatternStore struct {
	mu       sync.Mutex
	patterns map[string]*tariff.LearnedPathPattern
	nextID   int64
}

// NewPatternStore constructs an empty PatternStore.
func NewPatternStore() *PatternStore {
	return &PatternStore{patterns: make(map[string]*tariff.LearnedPathPattern)}
}

// TopPatterns returns the best patterns for the class, ordered by success
// count, then success ratio, then fragment for a stable order.
func (s *PatternStore) TopPatterns(_ context.Context, class tariff.DataClass, limit int) ([]tariff.LearnedPathPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tariff.LearnedPathPattern
	for _, p := range s.patterns {
		if !hasClass(p.DataClasses, class) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessCount != out[j].SuccessCount {
			return out[i].SuccessCount > out[j].SuccessCount
		}
		if out[i].SuccessRatio() != out[j].SuccessRatio() {
			return out[i].SuccessRatio() > out[j].SuccessRatio()
		}
		return out[i].Fragment < out[j].Fragment
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordPatternSuccess reinforces the fragment for the class and slug.
func (s *PatternStore) RecordPatternSuccess(_ context.Context, fragment string, class tariff.DataClass, operatorSlug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getOrCreate(fragment)
	p.SuccessCount++
	if !hasClass(p.DataClasses, class) {
		p.DataClasses = append(p.DataClasses, class)
	}
	if operatorSlug != "" && !hasSlug(p.OperatorSlugs, operatorSlug) {
		p.OperatorSlugs = append(p.OperatorSlugs, operatorSlug)
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordPatternFailure penalizes the fragment for the class.
func (s *PatternStore) RecordPatternFailure(_ context.Context, fragment string, class tariff.DataClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getOrCreate(fragment)
	p.FailureCount++
	if !hasClass(p.DataClasses, class) {
		p.DataClasses = append(p.DataClasses, class)
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *PatternStore) getOrCreate(fragment string) *tariff.LearnedPathPattern {
	if p, ok := s.patterns[fragment]; ok {
		return p
	}
	s.nextID++
	p := &tariff.LearnedPathPattern{ID: s.nextID, Fragment: fragment}
	s.patterns[fragment] = p
	return p
}

func hasClass(classes []tariff.DataClass, class tariff.DataClass) bool {
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}

func hasSlug(slugs []string, slug string) bool {
	for _, s := range slugs {
		if strings.EqualFold(s, slug) {
			return true
		}
	}
	return false
}

// RecordStore is an in-memory store.RecordStore.
type RecordStore struct {
	mu      sync.Mutex
	tariffs map[string]*tariff.TariffRecord
	windows map[string]*tariff.TimeWindowRecord
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		tariffs: make(map[string]*tariff.TariffRecord),
		windows: make(map[string]*tariff.TimeWindowRecord),
	}
}

func tariffKey(operatorID string, year int, level tariff.VoltageLevel) string {
	return fmt.Sprintf("%s|%d|%s", operatorID, year, level)
}

func windowKey(operatorID string, year int, level tariff.VoltageLevel, season string) string {
	return tariffKey(operatorID, year, level) + "|" + season
}

// UpsertTariff stores the record unless the existing row is verified and
// override is unset.
func (s *RecordStore) UpsertTariff(_ context.Context, rec *tariff.TariffRecord, override bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tariffKey(rec.OperatorID, rec.Year, rec.VoltageLevel)
	if existing, ok := s.tariffs[key]; ok {
		if existing.Verification == tariff.VerificationVerified && !override {
			return false, nil
		}
	}
	cp := *rec
	s.tariffs[key] = &cp
	return true, nil
}

// UpsertTimeWindows stores the record unless the existing row is verified
// and override is unset.
func (s *RecordStore) UpsertTimeWindows(_ context.Context, rec *tariff.TimeWindowRecord, override bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := windowKey(rec.OperatorID, rec.Year, rec.VoltageLevel, rec.Season)
	if existing, ok := s.windows[key]; ok {
		if existing.Verification == tariff.VerificationVerified && !override {
			return false, nil
		}
	}
	cp := *rec
	s.windows[key] = &cp
	return true, nil
}

// GetTariff returns a stored tariff row for test assertions.
func (s *RecordStore) GetTariff(operatorID string, year int, level tariff.VoltageLevel) (*tariff.TariffRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tariffs[tariffKey(operatorID, year, level)]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// OperatorStore is an in-memory store.OperatorStore.
type OperatorStore struct {
	mu        sync.Mutex
	operators map[string]*tariff.Operator
	reasons   map[string]string
}

// NewOperatorStore constructs an OperatorStore seeded with ops.
func NewOperatorStore(ops ...*tariff.Operator) *OperatorStore {
	s := &OperatorStore{
		operators: make(map[string]*tariff.Operator),
		reasons:   make(map[string]string),
	}
	for _, op := range ops {
		cp := *op
		s.operators[op.ID] = &cp
	}
	return s
}

// GetOperator returns a copy of the operator row.
func (s *OperatorStore) GetOperator(_ context.Context, id string) (*tariff.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

// SetCrawlable flips the crawlable flag with a reason.
func (s *OperatorStore) SetCrawlable(_ context.Context, id string, crawlable bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return store.ErrNotFound
	}
	op.Crawlable = crawlable
	s.reasons[id] = reason
	return nil
}

// AcquireCrawlLock takes the advisory lock if free or stale.
func (s *OperatorStore) AcquireCrawlLock(_ context.Context, id string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return false, store.ErrNotFound
	}
	now := time.Now().UTC()
	if op.CrawlLockedAt != nil && now.Sub(*op.CrawlLockedAt) < staleAfter {
		return false, nil
	}
	op.CrawlLockedAt = &now
	return true, nil
}

// ReleaseCrawlLock clears the advisory lock.
func (s *OperatorStore) ReleaseCrawlLock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[id]
	if !ok {
		return store.ErrNotFound
	}
	op.CrawlLockedAt = nil
	return nil
}
