// Package quota gates free-tier actions with per-day usage counters.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/entitlement"
	"github.com/PortNumber53/entitlement-engine/backend/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

// Unlimited marks a quota without a daily cap.
const Unlimited int64 = -1

const dayLayout = "2006-01-02"

// ErrUnknownQuota is returned for quota types without a limit table entry.
var ErrUnknownQuota = errors.New("unknown quota type")

// CounterStore keeps per-day counters. Increment must be atomic.
type CounterStore interface {
	Count(ctx context.Context, accountID, day string, q models.QuotaType) (int64, error)
	Increment(ctx context.Context, accountID, day string, q models.QuotaType) (int64, error)
}

// AccountReader loads the account used to determine the plan tier.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
}

// Limits holds the daily caps of the free tier. Paid plans are unlimited.
type Limits map[models.QuotaType]int64

// DefaultLimits returns the free-tier caps.
func DefaultLimits() Limits {
	return Limits{
		models.QuotaRecord:    2,
		models.QuotaAIMessage: 3,
	}
}

// For returns the daily cap of q on plan.
func (l Limits) For(plan plans.Code, q models.QuotaType) (int64, error) {
	limit, ok := l[q]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownQuota, q)
	}
	if plan.IsPaid() {
		return Unlimited, nil
	}
	return limit, nil
}

// Decision is the answer to a quota check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Remaining int64  `json:"remaining"`
	Limit     int64  `json:"limit"`
	Unlimited bool   `json:"unlimited"`
	Day       string `json:"day"`
	// Degraded is set when the counter store failed and the action was
	// allowed without enforcement.
	Degraded bool `json:"degraded,omitempty"`
}

// Tracker answers quota checks.
type Tracker struct {
	counters  CounterStore
	accounts  AccountReader
	limits    Limits
	loc       *time.Location
	unlimited map[string]struct{}
	now       func() time.Time
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithLocation sets the timezone that defines a usage day.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithUnlimitedAccounts exempts accounts from every quota.
func WithUnlimitedAccounts(ids ...string) Option {
	return func(t *Tracker) {
		for _, id := range ids {
			t.unlimited[id] = struct{}{}
		}
	}
}

// WithClock injects the current instant.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLimits replaces the free-tier caps.
func WithLimits(l Limits) Option {
	return func(t *Tracker) {
		if l != nil {
			t.limits = l
		}
	}
}

// NewTracker builds a Tracker.
func NewTracker(counters CounterStore, accounts AccountReader, opts ...Option) *Tracker {
	t := &Tracker{
		counters:  counters,
		accounts:  accounts,
		limits:    DefaultLimits(),
		loc:       time.UTC,
		unlimited: make(map[string]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Day returns the usage day of instant at.
func (t *Tracker) Day(at time.Time) string {
	return at.In(t.loc).Format(dayLayout)
}

// CheckAndMaybeReject reports whether one more q action is allowed today
// without recording it.
func (t *Tracker) CheckAndMaybeReject(ctx context.Context, accountID string, q models.QuotaType) (Decision, error) {
	now := t.now()
	d, limit, err := t.prepare(ctx, accountID, q, now)
	if err != nil || d.Unlimited {
		return d, err
	}

	count, err := t.counters.Count(ctx, accountID, d.Day, q)
	if err != nil {
		return t.degraded(d, "count", accountID, q, err), nil
	}
	return t.decide(d, q, limit, count, count < limit), nil
}

// Record counts one q action for today.
func (t *Tracker) Record(ctx context.Context, accountID string, q models.QuotaType) error {
	now := t.now()
	d, _, err := t.prepare(ctx, accountID, q, now)
	if err != nil || d.Unlimited {
		return err
	}
	if _, err := t.counters.Increment(ctx, accountID, d.Day, q); err != nil {
		t.degraded(d, "increment", accountID, q, err)
		return fmt.Errorf("quota: record: %w: %v", billing.ErrQuotaStoreUnavailable, err)
	}
	return nil
}

// Consume atomically records one q action and reports whether it fit in
// today's quota. Rejected attempts still bump the counter, which only ever
// moves further past the cap.
func (t *Tracker) Consume(ctx context.Context, accountID string, q models.QuotaType) (Decision, error) {
	now := t.now()
	d, limit, err := t.prepare(ctx, accountID, q, now)
	if err != nil || d.Unlimited {
		return d, err
	}

	count, err := t.counters.Increment(ctx, accountID, d.Day, q)
	if err != nil {
		return t.degraded(d, "increment", accountID, q, err), nil
	}
	return t.decide(d, q, limit, count, count <= limit), nil
}

func (t *Tracker) prepare(ctx context.Context, accountID string, q models.QuotaType, now time.Time) (Decision, int64, error) {
	d := Decision{Day: t.Day(now)}
	if _, ok := t.limits[q]; !ok {
		return d, 0, fmt.Errorf("%w: %q", ErrUnknownQuota, q)
	}
	if _, ok := t.unlimited[accountID]; ok {
		return unlimited(d, q), Unlimited, nil
	}

	ent := entitlement.Resolve(t.loadAccount(ctx, accountID), now)
	limit, err := t.limits.For(ent.Plan, q)
	if err != nil {
		return d, 0, err
	}
	if limit == Unlimited {
		return unlimited(d, q), Unlimited, nil
	}
	d.Limit = limit
	return d, limit, nil
}

// loadAccount falls back to a fresh account, which resolves to the free tier.
func (t *Tracker) loadAccount(ctx context.Context, accountID string) models.Account {
	if t.accounts == nil {
		return models.NewAccount(accountID)
	}
	acct, err := t.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if !errors.Is(err, billing.ErrAccountNotFound) {
			log.Error().Err(err).Str("account_id", accountID).Msg("quota: load account; using free tier")
		}
		return models.NewAccount(accountID)
	}
	return acct
}

func (t *Tracker) decide(d Decision, q models.QuotaType, limit, count int64, allowed bool) Decision {
	d.Allowed = allowed
	d.Remaining = limit - count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	metrics.QuotaDecisionsTotal.WithLabelValues(string(q), result).Inc()
	return d
}

func (t *Tracker) degraded(d Decision, op, accountID string, q models.QuotaType, err error) Decision {
	metrics.QuotaStoreFailuresTotal.WithLabelValues(op).Inc()
	metrics.QuotaDecisionsTotal.WithLabelValues(string(q), "degraded").Inc()
	log.Warn().Err(err).
		Str("account_id", accountID).
		Str("quota_type", string(q)).
		Str("operation", op).
		Msg("quota: counter store unavailable; allowing")
	d.Allowed = true
	d.Degraded = true
	d.Remaining = d.Limit
	return d
}

func unlimited(d Decision, q models.QuotaType) Decision {
	d.Allowed = true
	d.Unlimited = true
	d.Limit = Unlimited
	d.Remaining = Unlimited
	metrics.QuotaDecisionsTotal.WithLabelValues(string(q), "unlimited").Inc()
	return d
}
