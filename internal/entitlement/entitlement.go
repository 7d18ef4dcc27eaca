// Package entitlement derives what an account may use right now from its
// persisted billing fields. Resolve is recomputed on every read; its result
// is never stored.
package entitlement

import (
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

// Entitlement is the read-time view of an account.
type Entitlement struct {
	Plan            plans.Code                `json:"plan"`
	Status          models.SubscriptionStatus `json:"status"`
	IsTrialActive   bool                      `json:"isTrialActive"`
	CanCancel       bool                      `json:"canCancel"`
	CancelScheduled bool                      `json:"cancelScheduled"`
	CouponCohort    bool                      `json:"-"`
	PeriodEndToShow *time.Time                `json:"periodEndToShow,omitempty"`
	SubscriptionRef string                    `json:"subscriptionRef,omitempty"`
}

// IsFree reports whether the account is on the free tier.
func (e Entitlement) IsFree() bool {
	return e.Plan == plans.Free
}

// Label returns the display label in the given locale.
func (e Entitlement) Label(l plans.Locale) string {
	if e.CancelScheduled {
		return plans.CancelScheduledLabel(e.Plan, l)
	}
	return plans.Label(e.Plan, l)
}

// Resolve computes the entitlement of a at instant now.
func Resolve(a models.Account, now time.Time) Entitlement {
	e := Entitlement{
		Plan:            plans.Free,
		Status:          a.SubscriptionStatus,
		CouponCohort:    a.IsCouponCohort(),
		SubscriptionRef: a.SubscriptionRef(),
	}
	if !e.Status.Valid() {
		e.Status = models.StatusInactive
	}

	switch {
	case trialEnd(a) != nil:
		if end := trialEnd(a); now.Before(*end) {
			e.Plan = paidPlan(a)
			if e.Plan == plans.Free {
				e.Plan = plans.Default
			}
			e.IsTrialActive = true
			e.CancelScheduled = a.SubscriptionStatus == models.StatusCancelAtPeriodEnd
			e.PeriodEndToShow = copyTime(end)
		}
		// An elapsed trial is free whatever the persisted status says.

	case a.SubscriptionStatus == models.StatusLifetime:
		e.Plan = lifetimePlan(a)

	case a.SubscriptionStatus == models.StatusCancelled || a.SubscriptionStatus == models.StatusCancelAtPeriodEnd:
		if a.CurrentPeriodEnd != nil && now.Before(*a.CurrentPeriodEnd) {
			e.Plan = paidPlan(a)
			e.CancelScheduled = a.SubscriptionStatus == models.StatusCancelAtPeriodEnd
			e.PeriodEndToShow = copyTime(a.CurrentPeriodEnd)
		}

	case a.SubscriptionStatus == models.StatusActive:
		if a.CurrentPeriodEnd == nil || now.Before(*a.CurrentPeriodEnd) {
			e.Plan = paidPlan(a)
			e.PeriodEndToShow = copyTime(a.CurrentPeriodEnd)
		}
	}

	e.CanCancel = CanCancel(e)
	return e
}

// CanCancel reports whether the cancel action should be offered.
func CanCancel(e Entitlement) bool {
	if e.Status != models.StatusActive && e.Status != models.StatusTrial {
		return false
	}
	if e.Plan == plans.Free || e.Status == models.StatusLifetime {
		return false
	}
	return !e.CouponCohort && !e.Plan.IsCoupon()
}

// trialEnd returns the instant trial rules expire at, or nil when trial
// rules do not govern a. A trial without a trial end falls back to the
// period end. A scheduled cancellation only counts as a trial when the trial
// outlasts the billing period, which is the case for cancellations made
// during the trial.
func trialEnd(a models.Account) *time.Time {
	switch a.SubscriptionStatus {
	case models.StatusTrial:
		if a.TrialEndDate != nil {
			return a.TrialEndDate
		}
		return a.CurrentPeriodEnd
	case models.StatusCancelAtPeriodEnd:
		if a.TrialEndDate == nil {
			return nil
		}
		if a.CurrentPeriodEnd == nil || !a.TrialEndDate.Before(*a.CurrentPeriodEnd) {
			return a.TrialEndDate
		}
	}
	return nil
}

func paidPlan(a models.Account) plans.Code {
	if c := a.Plan(); c.IsPaid() {
		return c
	}
	if a.SubscriptionRef() != "" || a.IsCouponCohort() {
		return plans.Default
	}
	return plans.Free
}

func lifetimePlan(a models.Account) plans.Code {
	if c := a.Plan(); c == plans.Lifetime || c == plans.CrowdfundLifetime {
		return c
	}
	if a.IsCouponCohort() {
		return plans.CrowdfundLifetime
	}
	return plans.Lifetime
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
