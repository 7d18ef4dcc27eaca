package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

const accountColumns = `id, subscription_status, current_plan, stripe_customer_id, stripe_subscription_id,
  current_period_end, trial_end_date, cancelled_at, has_used_trial, coupon_used,
  last_event_at, ended_subscription_id, created_at, updated_at`

// Mutation is the outcome of a MutateAccount callback.
type Mutation struct {
	Account models.Account
	// Write is false when the account row must be left untouched.
	Write bool
	// IntentID, when set, marks that pending intent completed by Event.
	IntentID string
	// Event, when set, is recorded as processed. A previously recorded
	// event id aborts the transaction with billing.ErrDuplicateEvent.
	Event *models.ProcessedEvent
	// Coupon, when set, is redeemed. A used code aborts the transaction
	// with billing.ErrCouponAlreadyUsed.
	Coupon *models.CouponRedemption
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (models.Account, error) {
	var (
		a                                               models.Account
		status                                          string
		plan, customerID, subscriptionID, coupon, ended sql.NullString
		periodEnd, trialEnd, cancelledAt, lastEvent     sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&status,
		&plan,
		&customerID,
		&subscriptionID,
		&periodEnd,
		&trialEnd,
		&cancelledAt,
		&a.HasUsedTrial,
		&coupon,
		&lastEvent,
		&ended,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return models.Account{}, err
	}

	a.SubscriptionStatus = models.SubscriptionStatus(status)
	if plan.Valid && plan.String != "" {
		code := plans.Code(plan.String)
		a.CurrentPlan = &code
	}
	a.StripeCustomerID = nullStringPtr(customerID)
	a.StripeSubscriptionID = nullStringPtr(subscriptionID)
	a.CurrentPeriodEnd = nullTimePtr(periodEnd)
	a.TrialEndDate = nullTimePtr(trialEnd)
	a.CancelledAt = nullTimePtr(cancelledAt)
	a.CouponUsed = nullStringPtr(coupon)
	a.LastEventAt = nullTimePtr(lastEvent)
	a.EndedSubscriptionID = nullStringPtr(ended)
	return a, nil
}

// GetAccount loads an account. It returns billing.ErrAccountNotFound when the
// account has never been written.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Account{}, billing.ErrAccountNotFound
		}
		return models.Account{}, fmt.Errorf("store: get account: %w", err)
	}
	return a, nil
}

// AccountIDByProviderRef returns the account linked to a provider
// subscription id, falling back to the customer id.
func (s *Store) AccountIDByProviderRef(ctx context.Context, subscriptionID, customerID string) (string, error) {
	if subscriptionID == "" && customerID == "" {
		return "", billing.ErrAccountNotFound
	}

	var id string
	err := s.db.QueryRowContext(ctx, `
SELECT id
FROM accounts
WHERE ($1 <> '' AND stripe_subscription_id = $1)
   OR ($2 <> '' AND stripe_customer_id = $2)
ORDER BY (stripe_subscription_id = $1) DESC NULLS LAST, updated_at DESC
LIMIT 1`, subscriptionID, customerID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", billing.ErrAccountNotFound
		}
		return "", fmt.Errorf("store: account by provider ref: %w", err)
	}
	return id, nil
}

// MutateAccount locks the account row, creating it as inactive on first
// contact, and hands its latest value to fn. The returned Mutation is written
// in the same transaction. The stored account is returned.
func (s *Store) MutateAccount(ctx context.Context, accountID string, now time.Time, fn func(models.Account) (Mutation, error)) (models.Account, error) {
	var result models.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockAccount(ctx, tx, accountID, now)
		if err != nil {
			return err
		}

		m, err := fn(current)
		if err != nil {
			return err
		}

		result = current
		if m.Write {
			m.Account.ID = accountID
			if result, err = saveAccount(ctx, tx, m.Account, current.UpdatedAt, now); err != nil {
				return err
			}
		}
		if m.IntentID != "" {
			eventID := ""
			if m.Event != nil {
				eventID = m.Event.EventID
			}
			if err := completeIntent(ctx, tx, m.IntentID, eventID, now); err != nil {
				return err
			}
		}
		if m.Coupon != nil {
			if err := redeemCoupon(ctx, tx, *m.Coupon); err != nil {
				return err
			}
		}
		if m.Event != nil {
			if err := markEventProcessed(ctx, tx, *m.Event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}
	return result, nil
}

func lockAccount(ctx context.Context, q queryer, id string, now time.Time) (models.Account, error) {
	if _, err := q.ExecContext(ctx, `
INSERT INTO accounts (id, subscription_status, created_at, updated_at)
VALUES ($1, 'inactive', $2, $2)
ON CONFLICT (id) DO NOTHING`, id, now); err != nil {
		return models.Account{}, classify("create account", err)
	}

	a, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Account{}, classify("lock account", err)
	}
	return a, nil
}

// saveAccount writes a only if the row still carries readAt as updated_at.
func saveAccount(ctx context.Context, q queryer, a models.Account, readAt, now time.Time) (models.Account, error) {
	var plan any
	if a.CurrentPlan != nil {
		plan = string(*a.CurrentPlan)
	}

	res, err := q.ExecContext(ctx, `
UPDATE accounts
SET subscription_status = $2,
    current_plan = $3,
    stripe_customer_id = $4,
    stripe_subscription_id = $5,
    current_period_end = $6,
    trial_end_date = $7,
    cancelled_at = $8,
    has_used_trial = $9,
    coupon_used = $10,
    updated_at = $11,
    last_event_at = $13,
    ended_subscription_id = $14
WHERE id = $1 AND updated_at = $12`,
		a.ID,
		string(a.SubscriptionStatus),
		plan,
		stringArg(a.StripeCustomerID),
		stringArg(a.StripeSubscriptionID),
		timeArg(a.CurrentPeriodEnd),
		timeArg(a.TrialEndDate),
		timeArg(a.CancelledAt),
		a.HasUsedTrial,
		stringArg(a.CouponUsed),
		now,
		readAt,
		timeArg(a.LastEventAt),
		stringArg(a.EndedSubscriptionID),
	)
	if err != nil {
		return models.Account{}, classify("update account", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.Account{}, fmt.Errorf("store: update account %s: %w", a.ID, billing.ErrPersistenceConflict)
	}
	a.UpdatedAt = now
	return a, nil
}
