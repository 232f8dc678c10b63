package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tarifwerk/tariff-crawler/internal/store"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// OperatorStore reads the operator subset the pipeline needs and owns the
// advisory crawl lock. The lock is read-check-then-write and self-heals via
// the staleness window, so no row locking is used.
//
// Expected columns on the operators table (owned by the management layer):
// id, slug, name, website, contact_email, crawlable, crawlable_reason,
// crawl_locked_at.
type OperatorStore struct {
	db DB
}

// NewOperatorStore constructs an OperatorStore on the given pool.
func NewOperatorStore(db DB) *OperatorStore {
	return &OperatorStore{db: db}
}

// GetOperator loads the pipeline-relevant operator fields.
func (s *OperatorStore) GetOperator(ctx context.Context, id string) (*tariff.Operator, error) {
	row := s.db.QueryRow(ctx, `
SELECT id, slug, name, website, COALESCE(contact_email, ''), crawlable, crawl_locked_at
FROM operators WHERE id = $1`, id)

	var op tariff.Operator
	err := row.Scan(&op.ID, &op.Slug, &op.Name, &op.Website, &op.ContactEmail,
		&op.Crawlable, &op.CrawlLockedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("select operator: %w", err)
	}
	return &op, nil
}

// SetCrawlable flips the crawlable flag and records the reason.
func (s *OperatorStore) SetCrawlable(ctx context.Context, id string, crawlable bool, reason string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE operators SET crawlable = $2, crawlable_reason = $3 WHERE id = $1`,
		id, crawlable, reason)
	if err != nil {
		return fmt.Errorf("set crawlable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AcquireCrawlLock takes the advisory lock when free or stale. The update
// predicate makes the check-and-set a single statement.
func (s *OperatorStore) AcquireCrawlLock(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	tag, err := s.db.Exec(ctx, `
UPDATE operators SET crawl_locked_at = NOW()
WHERE id = $1 AND (crawl_locked_at IS NULL OR crawl_locked_at < $2)`,
		id, cutoff)
	if err != nil {
		return false, fmt.Errorf("acquire crawl lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseCrawlLock clears the advisory lock.
func (s *OperatorStore) ReleaseCrawlLock(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
UPDATE operators SET crawl_locked_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release crawl lock: %w", err)
	}
	return nil
}
