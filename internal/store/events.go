package store

import (
	"context"
	"fmt"
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
)

// IsEventProcessed reports whether a provider event id was already applied.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: check processed event: %w", err)
	}
	return exists, nil
}

func markEventProcessed(ctx context.Context, q queryer, ev models.ProcessedEvent) error {
	res, err := q.ExecContext(ctx, `
INSERT INTO processed_events (event_id, kind, account_id, processed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.Kind, stringArg(ev.AccountID), ev.ProcessedAt,
	)
	if err != nil {
		return classify("record processed event", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: event %s: %w", ev.EventID, billing.ErrDuplicateEvent)
	}
	return nil
}

// CleanupProcessedEvents deletes dedup records older than olderThan.
func (s *Store) CleanupProcessedEvents(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: cleanup processed events: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
