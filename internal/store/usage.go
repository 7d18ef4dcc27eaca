package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
)

// UsageCounters keeps daily quota counters in Postgres.
type UsageCounters struct {
	db *sql.DB
}

// NewUsageCounters creates a counter store on db.
func NewUsageCounters(db *sql.DB) (*UsageCounters, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &UsageCounters{db: db}, nil
}

// Count returns the counter for day, zero when absent.
func (u *UsageCounters) Count(ctx context.Context, accountID, day string, q models.QuotaType) (int64, error) {
	var n int64
	err := u.db.QueryRowContext(ctx, `
SELECT count FROM daily_usage_counters
WHERE account_id = $1 AND day = $2::date AND quota_type = $3`,
		accountID, day, string(q),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("store: usage count: %w", err)
	}
	return n, nil
}

// Increment atomically bumps the counter and returns its new value.
func (u *UsageCounters) Increment(ctx context.Context, accountID, day string, q models.QuotaType) (int64, error) {
	var n int64
	if err := u.db.QueryRowContext(ctx, `
INSERT INTO daily_usage_counters (account_id, day, quota_type, count, updated_at)
VALUES ($1, $2::date, $3, 1, NOW())
ON CONFLICT (account_id, day, quota_type) DO UPDATE
SET count = daily_usage_counters.count + 1,
    updated_at = NOW()
RETURNING count`,
		accountID, day, string(q),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: usage increment: %w", err)
	}
	return n, nil
}
