package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/notify"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
	"github.com/PortNumber53/entitlement-engine/backend/internal/store"
	"github.com/PortNumber53/entitlement-engine/backend/internal/subscription"
)

// AccountStore runs a read-modify-write of one account in a transaction.
type AccountStore interface {
	MutateAccount(ctx context.Context, accountID string, now time.Time, fn func(models.Account) (store.Mutation, error)) (models.Account, error)
}

// Notifier receives notifications after a transition has been committed.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Change is one event to apply to one account.
type Change struct {
	AccountID string
	Event     subscription.Event
	// IntentID is completed together with the account write.
	IntentID string
	// Record stores Event.ID in the processed event table.
	Record bool
}

// Applier applies state machine transitions to persisted accounts.
type Applier struct {
	store    AccountStore
	machine  subscription.Machine
	notifier Notifier
	now      func() time.Time
}

// ApplierOption customises an Applier.
type ApplierOption func(*Applier)

// WithClock injects the current instant.
func WithClock(now func() time.Time) ApplierOption {
	return func(a *Applier) {
		if now != nil {
			a.now = now
		}
	}
}

// NewApplier creates an Applier. notifier may be nil.
func NewApplier(s AccountStore, machine subscription.Machine, notifier Notifier, opts ...ApplierOption) *Applier {
	a := &Applier{store: s, machine: machine, notifier: notifier, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply runs the transition against the latest persisted account. A
// persistence conflict is retried once with a fresh read.
func (a *Applier) Apply(ctx context.Context, c Change) (subscription.Transition, error) {
	tr, err := a.applyOnce(ctx, c)
	if errors.Is(err, billing.ErrPersistenceConflict) {
		metrics.PersistenceRetriesTotal.Inc()
		log.Warn().Err(err).Str("account_id", c.AccountID).Str("event_id", c.Event.ID).Msg("ingest: write conflict; retrying")
		tr, err = a.applyOnce(ctx, c)
	}
	if err != nil {
		return subscription.Transition{}, err
	}

	if tr.StatusChanged() {
		metrics.StateTransitionsTotal.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	}
	log.Info().
		Str("account_id", c.AccountID).
		Str("event_id", c.Event.ID).
		Str("kind", string(c.Event.Kind)).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Bool("changed", tr.Changed).
		Bool("ignored", tr.Ignored).
		Bool("stale", tr.Stale).
		Msg("ingest: event applied")

	if a.notifier != nil {
		if n, ok := notify.ForTransition(c.AccountID, tr, c.Event.Kind); ok {
			a.notifier.Notify(context.WithoutCancel(ctx), n)
		}
	}
	return tr, nil
}

func (a *Applier) applyOnce(ctx context.Context, c Change) (subscription.Transition, error) {
	now := a.now()
	var tr subscription.Transition
	_, err := a.store.MutateAccount(ctx, c.AccountID, now, func(current models.Account) (store.Mutation, error) {
		var err error
		tr, err = a.machine.Next(current, c.Event, now)
		if err != nil {
			return store.Mutation{}, err
		}

		m := store.Mutation{
			Account:  tr.Account,
			Write:    tr.ShouldWrite(),
			IntentID: c.IntentID,
		}
		if c.Record && c.Event.ID != "" {
			accountID := c.AccountID
			m.Event = &models.ProcessedEvent{
				EventID:     c.Event.ID,
				Kind:        string(c.Event.Kind),
				AccountID:   &accountID,
				ProcessedAt: now,
			}
		}
		if c.Event.Kind == subscription.CouponRedeemed && m.Write {
			ct, err := plans.ParseCoupon(c.Event.CouponCode)
			if err != nil {
				return store.Mutation{}, err
			}
			m.Coupon = &models.CouponRedemption{
				Code:       c.Event.CouponCode,
				CouponType: ct.Name,
				AccountID:  c.AccountID,
				RedeemedAt: now,
			}
		}
		return m, nil
	})
	return tr, err
}
