package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

const intentColumns = `id, account_id, plan_type, status, created_at, completed_at, completed_by_event`

func scanIntent(row rowScanner) (models.PendingTrialIntent, error) {
	var (
		in          models.PendingTrialIntent
		plan        string
		status      string
		completedAt sql.NullTime
		byEvent     sql.NullString
	)
	if err := row.Scan(&in.ID, &in.AccountID, &plan, &status, &in.CreatedAt, &completedAt, &byEvent); err != nil {
		return models.PendingTrialIntent{}, err
	}
	in.PlanType = plans.Code(plan)
	in.Status = models.IntentStatus(status)
	in.CompletedAt = nullTimePtr(completedAt)
	in.CompletedByEvent = nullStringPtr(byEvent)
	return in, nil
}

// CreateIntent records a pending trial intent.
func (s *Store) CreateIntent(ctx context.Context, in models.PendingTrialIntent) error {
	if in.ID == "" || in.AccountID == "" {
		return errors.New("store: create intent: id and account id are required")
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO pending_trial_intents (id, account_id, plan_type, status, created_at)
VALUES ($1, $2, $3, 'pending', $4)`,
		in.ID, in.AccountID, string(in.PlanType), in.CreatedAt,
	); err != nil {
		return fmt.Errorf("store: create intent: %w", err)
	}
	return nil
}

// RecentPendingIntents returns up to limit pending intents, newest first.
func (s *Store) RecentPendingIntents(ctx context.Context, limit int) ([]models.PendingTrialIntent, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+intentColumns+`
FROM pending_trial_intents
WHERE status = 'pending'
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent pending intents: %w", err)
	}
	defer rows.Close()

	var intents []models.PendingTrialIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan pending intent: %w", err)
		}
		intents = append(intents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate pending intents: %w", err)
	}
	return intents, nil
}

// IntentCompletedByEvent returns the intent an event already completed, or
// nil.
func (s *Store) IntentCompletedByEvent(ctx context.Context, eventID string) (*models.PendingTrialIntent, error) {
	in, err := scanIntent(s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM pending_trial_intents WHERE completed_by_event = $1`, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: intent by event: %w", err)
	}
	return &in, nil
}

// completeIntent is a no-op for an intent that is no longer pending.
func completeIntent(ctx context.Context, q queryer, intentID, eventID string, now time.Time) error {
	var byEvent any
	if eventID != "" {
		byEvent = eventID
	}
	if _, err := q.ExecContext(ctx, `
UPDATE pending_trial_intents
SET status = 'completed', completed_at = $2, completed_by_event = $3
WHERE id = $1 AND status = 'pending'`, intentID, now, byEvent); err != nil {
		return classify("complete intent", err)
	}
	return nil
}
