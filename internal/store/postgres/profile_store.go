package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tarifwerk/tariff-crawler/internal/store"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// ProfileStore persists source profiles.
//
// Expected schema:
//
//	CREATE TABLE source_profiles (
//	    operator_id          TEXT NOT NULL,
//	    data_class           TEXT NOT NULL,
//	    domain               TEXT NOT NULL DEFAULT '',
//	    last_url             TEXT NOT NULL DEFAULT '',
//	    url_pattern          TEXT NOT NULL DEFAULT '',
//	    source_format        TEXT NOT NULL DEFAULT '',
//	    strategy             TEXT NOT NULL DEFAULT '',
//	    consecutive_failures INT NOT NULL DEFAULT 0,
//	    last_success_at      TIMESTAMPTZ,
//	    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (operator_id, data_class)
//	);
type ProfileStore struct {
	db DB
}

// NewProfileStore constructs a ProfileStore on the given pool.
func NewProfileStore(db DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// GetProfile loads the profile for (operator, class).
func (s *ProfileStore) GetProfile(ctx context.Context, operatorID string, class tariff.DataClass) (*tariff.SourceProfile, error) {
	row := s.db.QueryRow(ctx, `
SELECT operator_id, data_class, domain, last_url, url_pattern, source_format,
       strategy, consecutive_failures, last_success_at, updated_at
FROM source_profiles WHERE operator_id = $1 AND data_class = $2`,
		operatorID, string(class))

	var (
		p                          tariff.SourceProfile
		dataClass, format, strategy string
	)
	err := row.Scan(&p.OperatorID, &dataClass, &p.Domain, &p.LastURL,
		&p.URLPattern, &format, &strategy, &p.ConsecutiveFailures,
		&p.LastSuccessAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("select profile: %w", err)
	}
	p.DataClass = tariff.DataClass(dataClass)
	p.SourceFormat = tariff.FileType(format)
	p.Strategy = tariff.DiscoveryStrategy(strategy)
	return &p, nil
}

// UpsertProfile writes the profile, resetting the failure counter.
func (s *ProfileStore) UpsertProfile(ctx context.Context, profile *tariff.SourceProfile) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO source_profiles (
	operator_id, data_class, domain, last_url, url_pattern, source_format,
	strategy, consecutive_failures, last_success_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (operator_id, data_class) DO UPDATE SET
	domain = EXCLUDED.domain,
	last_url = EXCLUDED.last_url,
	url_pattern = EXCLUDED.url_pattern,
	source_format = EXCLUDED.source_format,
	strategy = EXCLUDED.strategy,
	consecutive_failures = EXCLUDED.consecutive_failures,
	last_success_at = EXCLUDED.last_success_at,
	updated_at = NOW()`,
		profile.OperatorID, string(profile.DataClass), profile.Domain,
		profile.LastURL, profile.URLPattern, string(profile.SourceFormat),
		string(profile.Strategy), profile.ConsecutiveFailures, profile.LastSuccessAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// BumpProfileFailure increments the consecutive-failure counter.
func (s *ProfileStore) BumpProfileFailure(ctx context.Context, operatorID string, class tariff.DataClass) error {
	tag, err := s.db.Exec(ctx, `
UPDATE source_profiles
SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
WHERE operator_id = $1 AND data_class = $2`,
		operatorID, string(class))
	if err != nil {
		return fmt.Errorf("bump profile failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PatternStore persists learned path patterns.
//
// Expected schema:
//
//	CREATE TABLE learned_path_patterns (
//	    id             BIGSERIAL PRIMARY KEY,
//	    fragment       TEXT NOT NULL UNIQUE,
//	    data_classes   TEXT[] NOT NULL DEFAULT '{}',
//	    success_count  INT NOT NULL DEFAULT 0,
//	    failure_count  INT NOT NULL DEFAULT 0,
//	    operator_slugs TEXT[] NOT NULL DEFAULT '{}',
//	    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PatternStore struct {
	db DB
}

// NewPatternStore constructs a PatternStore on the given pool.
func NewPatternStore(db DB) *PatternStore {
	return &PatternStore{db: db}
}

// TopPatterns returns the best fragments for a class, ordered by success
// count, then hit ratio, then fragment so the ranking is deterministic.
func (s *PatternStore) TopPatterns(ctx context.Context, class tariff.DataClass, limit int) ([]tariff.LearnedPathPattern, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, fragment, data_classes, success_count, failure_count, operator_slugs, updated_at
FROM learned_path_patterns
WHERE $1 = ANY(data_classes)
ORDER BY success_count DESC,
         success_count::float / GREATEST(success_count + failure_count, 1) DESC,
         fragment
LIMIT $2`, string(class), limit)
	if err != nil {
		return nil, fmt.Errorf("select top patterns: %w", err)
	}
	defer rows.Close()

	var patterns []tariff.LearnedPathPattern
	for rows.Next() {
		var (
			p       tariff.LearnedPathPattern
			classes []string
		)
		if err := rows.Scan(&p.ID, &p.Fragment, &classes, &p.SuccessCount,
			&p.FailureCount, &p.OperatorSlugs, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		for _, c := range classes {
			p.DataClasses = append(p.DataClasses, tariff.DataClass(c))
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return patterns, nil
}

// RecordPatternSuccess reinforces a fragment. Counters only ever grow.
func (s *PatternStore) RecordPatternSuccess(ctx context.Context, fragment string, class tariff.DataClass, operatorSlug string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO learned_path_patterns (fragment, data_classes, success_count, operator_slugs, updated_at)
VALUES ($1, ARRAY[$2], 1, ARRAY[$3], NOW())
ON CONFLICT (fragment) DO UPDATE SET
	success_count = learned_path_patterns.success_count + 1,
	data_classes = (
		SELECT ARRAY(SELECT DISTINCT unnest(learned_path_patterns.data_classes || ARRAY[$2]))
	),
	operator_slugs = (
		SELECT ARRAY(SELECT DISTINCT unnest(learned_path_patterns.operator_slugs || ARRAY[$3]))
	),
	updated_at = NOW()`,
		fragment, string(class), operatorSlug)
	if err != nil {
		return fmt.Errorf("record pattern success: %w", err)
	}
	return nil
}

// RecordPatternFailure penalizes a fragment without ever deleting it.
func (s *PatternStore) RecordPatternFailure(ctx context.Context, fragment string, class tariff.DataClass) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO learned_path_patterns (fragment, data_classes, failure_count, updated_at)
VALUES ($1, ARRAY[$2], 1, NOW())
ON CONFLICT (fragment) DO UPDATE SET
	failure_count = learned_path_patterns.failure_count + 1,
	data_classes = (
		SELECT ARRAY(SELECT DISTINCT unnest(learned_path_patterns.data_classes || ARRAY[$2]))
	),
	updated_at = NOW()`,
		fragment, string(class))
	if err != nil {
		return fmt.Errorf("record pattern failure: %w", err)
	}
	return nil
}
