// Package subscription implements the billing state machine. Next is a pure
// function of the persisted account, an event and the current instant.
package subscription

import (
	"fmt"
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

const couponMonth = 30 * 24 * time.Hour

// Machine derives plan codes from provider prices and applies transitions.
type Machine struct {
	Prices plans.PriceTable
}

// NewMachine returns a Machine using the given price table.
func NewMachine(prices plans.PriceTable) Machine {
	return Machine{Prices: prices}
}

// Transition is the outcome of applying one event.
type Transition struct {
	From    models.SubscriptionStatus
	To      models.SubscriptionStatus
	Account models.Account
	// Changed is false when the event left every billing field as it was.
	Changed bool
	// Ignored is set when the account state does not accept the event or
	// the event is older than the last change applied to the account.
	Ignored bool
	// Stale is set when the event was ignored for being out of order.
	Stale bool
	// Touched is set when only ordering bookkeeping moved.
	Touched bool
}

// ShouldWrite reports whether the account row needs to be written.
func (t Transition) ShouldWrite() bool {
	return !t.Ignored && (t.Changed || t.Touched)
}

// StatusChanged reports whether the subscription status moved.
func (t Transition) StatusChanged() bool {
	return t.From != t.To
}

// Next applies ev to current at instant now.
func (m Machine) Next(current models.Account, ev Event, now time.Time) (Transition, error) {
	next := current
	if !next.SubscriptionStatus.Valid() {
		next.SubscriptionStatus = models.StatusInactive
	}
	if ev.Kind.FromProvider() && stale(current, ev) {
		return Transition{
			From:    current.SubscriptionStatus,
			To:      current.SubscriptionStatus,
			Account: current,
			Ignored: true,
			Stale:   true,
		}, nil
	}

	var (
		applied bool
		err     error
	)
	switch ev.Kind {
	case CheckoutCompleted:
		applied = m.checkoutCompleted(&next, ev, now)
	case InvoicePaid:
		applied = m.invoicePaid(&next, ev, now)
	case InvoicePaymentFailed:
		applied = paymentFailed(&next, ev)
	case SubscriptionUpdated:
		applied = m.subscriptionUpdated(&next, ev, now)
	case SubscriptionDeleted:
		applied = subscriptionDeleted(&next, ev, now)
	case CancellationRequested:
		applied, err = cancellationRequested(&next, ev, now)
	case CouponRedeemed:
		applied, err = couponRedeemed(&next, ev, now)
	case AdminOverride:
		applied, err = adminOverride(&next, ev, now)
	default:
		return Transition{}, fmt.Errorf("subscription: unsupported event kind %q", ev.Kind)
	}
	if err != nil {
		return Transition{}, err
	}
	if !applied {
		return Transition{
			From:    current.SubscriptionStatus,
			To:      current.SubscriptionStatus,
			Account: current,
			Ignored: true,
		}, nil
	}

	next.LastEventAt = later(next.LastEventAt, eventInstant(ev, now))
	changed := !sameBilling(current, next)
	return Transition{
		From:    current.SubscriptionStatus,
		To:      next.SubscriptionStatus,
		Account: next,
		Changed: changed,
		Touched: !changed && !sameOrdering(current, next),
	}, nil
}

// CancelImmediately reports how a user cancellation must be carried out at
// the provider: immediately for an open trial, at period end otherwise. It
// returns a CancellationError when the account cannot be cancelled.
func CancelImmediately(a models.Account, now time.Time) (bool, error) {
	if err := checkCancellable(a); err != nil {
		return false, err
	}
	if a.SubscriptionStatus == models.StatusTrial && a.TrialEndDate != nil && now.Before(*a.TrialEndDate) {
		return true, nil
	}
	return false, nil
}

// CheckCancellation is CancelImmediately plus the checks that must pass
// before the provider is asked to cancel: a cancellation at period end needs
// a billing period that has not ended yet.
func CheckCancellation(a models.Account, now time.Time) (bool, error) {
	immediate, err := CancelImmediately(a, now)
	if err != nil || immediate {
		return immediate, err
	}
	if a.CurrentPeriodEnd != nil && !now.Before(*a.CurrentPeriodEnd) {
		return false, &billing.CancellationError{Reason: "billing period has already ended"}
	}
	return false, nil
}

// stale reports whether a provider event was created before the last change
// applied to the account. Provider timestamps have second precision, so
// events from the same second are not stale.
func stale(a models.Account, ev Event) bool {
	return !ev.Occurred.IsZero() && a.LastEventAt != nil && ev.Occurred.Before(*a.LastEventAt)
}

// eventInstant is the ordering instant recorded for an applied event: the
// provider creation time, or the second a local decision was taken.
func eventInstant(ev Event, now time.Time) *time.Time {
	at := ev.Occurred
	if at.IsZero() {
		if ev.Kind.FromProvider() {
			return nil
		}
		at = now
	}
	at = at.UTC().Truncate(time.Second)
	return &at
}

// endedRelink reports whether ev refers to the subscription a terminal
// transition unlinked from the account.
func endedRelink(a models.Account, ev Event) bool {
	return a.StripeSubscriptionID == nil && a.EndedSubscriptionID != nil &&
		ev.SubscriptionID != "" && *a.EndedSubscriptionID == ev.SubscriptionID
}

// unlink clears the subscription identifiers and remembers the ended one.
func unlink(a *models.Account) {
	if a.StripeSubscriptionID != nil {
		ended := *a.StripeSubscriptionID
		a.EndedSubscriptionID = &ended
	}
	a.SubscriptionStatus = models.StatusInactive
	a.CurrentPlan = nil
	a.StripeSubscriptionID = nil
	a.CurrentPeriodEnd = nil
}

// terminal accounts only change through coupon redemption or an override.
func terminal(a models.Account) bool {
	return a.SubscriptionStatus == models.StatusLifetime || a.IsCouponCohort()
}

func (m Machine) checkoutCompleted(a *models.Account, ev Event, now time.Time) bool {
	if a.SubscriptionStatus == models.StatusLifetime {
		return false
	}
	if ev.SubscriptionID == "" {
		return false
	}

	m.setPlanFromPrice(a, ev.PriceID)
	setString(&a.StripeCustomerID, ev.CustomerID)
	setString(&a.StripeSubscriptionID, ev.SubscriptionID)
	a.EndedSubscriptionID = nil
	a.CouponUsed = nil
	a.CancelledAt = nil

	if ev.TrialEnd != nil && now.Before(*ev.TrialEnd) {
		a.SubscriptionStatus = models.StatusTrial
		a.TrialEndDate = timeCopy(ev.TrialEnd)
		a.HasUsedTrial = true
		a.CurrentPeriodEnd = later(a.CurrentPeriodEnd, firstTime(ev.PeriodEnd, ev.TrialEnd))
		return true
	}

	a.SubscriptionStatus = models.StatusActive
	a.CurrentPeriodEnd = later(a.CurrentPeriodEnd, ev.PeriodEnd)
	return true
}

func (m Machine) invoicePaid(a *models.Account, ev Event, now time.Time) bool {
	if terminal(*a) {
		return false
	}
	if mismatchedSubscription(*a, ev) {
		return false
	}
	if endedRelink(*a, ev) {
		// A later successful retry of the failed invoice reactivates the
		// subscription. Anything not strictly newer than the unlink is not
		// evidence of payment.
		if ev.Occurred.IsZero() || a.LastEventAt == nil || !ev.Occurred.After(*a.LastEventAt) {
			return false
		}
		a.EndedSubscriptionID = nil
	}

	switch a.SubscriptionStatus {
	case models.StatusInactive, models.StatusCancelled:
		// Reactivation, or an invoice delivered ahead of its checkout event.
		if ev.SubscriptionID == "" {
			return false
		}
		a.CancelledAt = nil
		if ev.TrialEnd != nil && now.Before(*ev.TrialEnd) {
			a.SubscriptionStatus = models.StatusTrial
			a.TrialEndDate = timeCopy(ev.TrialEnd)
			a.HasUsedTrial = true
		} else {
			a.SubscriptionStatus = models.StatusActive
		}
	case models.StatusTrial:
		trialEnd := firstTime(ev.TrialEnd, a.TrialEndDate)
		if trialEnd != nil && now.Before(*trialEnd) {
			a.TrialEndDate = timeCopy(trialEnd)
		} else {
			a.SubscriptionStatus = models.StatusActive
		}
	case models.StatusActive, models.StatusCancelAtPeriodEnd:
	}

	m.setPlanFromPrice(a, ev.PriceID)
	setString(&a.StripeCustomerID, ev.CustomerID)
	setString(&a.StripeSubscriptionID, ev.SubscriptionID)
	a.CurrentPeriodEnd = later(a.CurrentPeriodEnd, ev.PeriodEnd)
	return true
}

func paymentFailed(a *models.Account, ev Event) bool {
	if terminal(*a) {
		return false
	}
	if a.StripeSubscriptionID == nil || mismatchedSubscription(*a, ev) {
		return false
	}
	unlink(a)
	return true
}

func (m Machine) subscriptionUpdated(a *models.Account, ev Event, now time.Time) bool {
	if terminal(*a) {
		return false
	}
	if mismatchedSubscription(*a, ev) || endedRelink(*a, ev) {
		return false
	}

	switch ev.ProviderStatus {
	case "trialing":
		a.TrialEndDate = later(a.TrialEndDate, ev.TrialEnd)
		a.HasUsedTrial = true
		if ev.CancelAtPeriodEnd {
			a.SubscriptionStatus = models.StatusCancelAtPeriodEnd
			markCancelled(a, ev.Occurred, now)
		} else {
			a.SubscriptionStatus = models.StatusTrial
			a.CancelledAt = nil
		}
	case "active":
		if ev.CancelAtPeriodEnd {
			a.SubscriptionStatus = models.StatusCancelAtPeriodEnd
			markCancelled(a, ev.Occurred, now)
		} else {
			a.SubscriptionStatus = models.StatusActive
			a.CancelledAt = nil
		}
	case "canceled":
		a.SubscriptionStatus = models.StatusCancelled
		markCancelled(a, ev.Occurred, now)
	case "unpaid", "incomplete_expired":
		setString(&a.StripeSubscriptionID, ev.SubscriptionID)
		unlink(a)
		return true
	default:
		// past_due and incomplete keep the current status until the
		// provider settles the invoice.
	}

	m.setPlanFromPrice(a, ev.PriceID)
	setString(&a.StripeCustomerID, ev.CustomerID)
	setString(&a.StripeSubscriptionID, ev.SubscriptionID)
	a.CurrentPeriodEnd = later(a.CurrentPeriodEnd, ev.PeriodEnd)
	return true
}

func subscriptionDeleted(a *models.Account, ev Event, now time.Time) bool {
	if terminal(*a) {
		return false
	}
	if a.StripeSubscriptionID == nil || mismatchedSubscription(*a, ev) {
		return false
	}
	a.SubscriptionStatus = models.StatusCancelled
	markCancelled(a, ev.Occurred, now)
	return true
}

func cancellationRequested(a *models.Account, ev Event, now time.Time) (bool, error) {
	if a.SubscriptionStatus == models.StatusCancelAtPeriodEnd && !a.IsCouponCohort() {
		return false, nil
	}
	immediate, err := CancelImmediately(*a, now)
	if err != nil {
		return false, err
	}

	if immediate {
		unlink(a)
		a.TrialEndDate = timeCopy(&now)
		a.CancelledAt = timeCopy(&now)
		return true, nil
	}

	periodEnd := later(a.CurrentPeriodEnd, ev.PeriodEnd)
	if periodEnd == nil || !now.Before(*periodEnd) {
		return false, &billing.CancellationError{Reason: "billing period has already ended"}
	}
	a.SubscriptionStatus = models.StatusCancelAtPeriodEnd
	a.CurrentPeriodEnd = periodEnd
	a.CancelledAt = timeCopy(&now)
	return true, nil
}

func checkCancellable(a models.Account) error {
	switch {
	case a.SubscriptionStatus == models.StatusLifetime:
		return &billing.CancellationError{Reason: "lifetime plans cannot be cancelled"}
	case a.IsCouponCohort():
		return &billing.CancellationError{Reason: "coupon plans cannot be cancelled"}
	case a.SubscriptionStatus == models.StatusCancelAtPeriodEnd:
		return &billing.CancellationError{Reason: "cancellation is already scheduled"}
	case a.SubscriptionStatus != models.StatusActive && a.SubscriptionStatus != models.StatusTrial:
		return &billing.CancellationError{Reason: "no active subscription"}
	}
	return nil
}

func couponRedeemed(a *models.Account, ev Event, now time.Time) (bool, error) {
	ct, err := plans.ParseCoupon(ev.CouponCode)
	if err != nil {
		return false, fmt.Errorf("%w: %v", billing.ErrInvalidCoupon, err)
	}
	if a.SubscriptionStatus == models.StatusLifetime {
		if a.CouponUsed != nil && *a.CouponUsed == ev.CouponCode {
			return false, nil
		}
		return false, fmt.Errorf("%w: account already has lifetime access", billing.ErrInvalidCoupon)
	}
	if a.StripeSubscriptionID != nil && !a.IsCouponCohort() {
		switch a.SubscriptionStatus {
		case models.StatusActive, models.StatusTrial, models.StatusCancelAtPeriodEnd:
			return false, fmt.Errorf("%w: account has a running subscription", billing.ErrInvalidCoupon)
		}
	}

	code := ct.Plan
	couponCode := ev.CouponCode
	a.CurrentPlan = &code
	a.CouponUsed = &couponCode
	a.CancelledAt = nil
	if ct.Lifetime {
		a.SubscriptionStatus = models.StatusLifetime
		a.CurrentPeriodEnd = nil
		return true, nil
	}
	end := now.Add(time.Duration(ct.Months) * couponMonth)
	a.SubscriptionStatus = models.StatusActive
	a.CurrentPeriodEnd = &end
	return true, nil
}

func adminOverride(a *models.Account, ev Event, now time.Time) (bool, error) {
	o := ev.Override
	if o == nil || !o.Status.Valid() {
		return false, fmt.Errorf("subscription: override requires a valid status")
	}
	if o.Plan != nil && !o.Plan.Valid() {
		return false, fmt.Errorf("subscription: override plan %q is unknown", *o.Plan)
	}

	a.SubscriptionStatus = o.Status
	if o.Plan != nil {
		code := *o.Plan
		a.CurrentPlan = &code
	}
	if o.PeriodEnd != nil {
		a.CurrentPeriodEnd = timeCopy(o.PeriodEnd)
	}
	if o.ClearCoupon {
		a.CouponUsed = nil
	}

	switch o.Status {
	case models.StatusLifetime:
		if a.CurrentPlan == nil {
			code := plans.Lifetime
			a.CurrentPlan = &code
		}
		a.CurrentPeriodEnd = nil
		a.CancelledAt = nil
	case models.StatusInactive:
		unlink(a)
	case models.StatusCancelled, models.StatusCancelAtPeriodEnd:
		markCancelled(a, time.Time{}, now)
	default:
		a.CancelledAt = nil
	}
	return true, nil
}

func (m Machine) setPlanFromPrice(a *models.Account, priceID string) {
	if priceID == "" {
		if a.CurrentPlan == nil {
			code := plans.Default
			a.CurrentPlan = &code
		}
		return
	}
	code, _ := m.Prices.PlanForPrice(priceID)
	a.CurrentPlan = &code
}

func mismatchedSubscription(a models.Account, ev Event) bool {
	return ev.SubscriptionID != "" && a.StripeSubscriptionID != nil && *a.StripeSubscriptionID != ev.SubscriptionID
}

func markCancelled(a *models.Account, occurred, now time.Time) {
	if a.CancelledAt != nil {
		return
	}
	at := occurred
	if at.IsZero() {
		at = now
	}
	a.CancelledAt = &at
}

func setString(dst **string, value string) {
	if value == "" {
		return
	}
	v := value
	*dst = &v
}

func timeCopy(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func firstTime(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// later returns the later of two optional instants. Period ends only move
// forward, so out-of-order and repeated events converge.
func later(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return timeCopy(b)
	case b == nil:
		return timeCopy(a)
	case b.After(*a):
		return timeCopy(b)
	default:
		return timeCopy(a)
	}
}

func sameBilling(a, b models.Account) bool {
	return a.SubscriptionStatus == b.SubscriptionStatus &&
		a.Plan() == b.Plan() &&
		sameString(a.StripeCustomerID, b.StripeCustomerID) &&
		sameString(a.StripeSubscriptionID, b.StripeSubscriptionID) &&
		sameTime(a.CurrentPeriodEnd, b.CurrentPeriodEnd) &&
		sameTime(a.TrialEndDate, b.TrialEndDate) &&
		sameTime(a.CancelledAt, b.CancelledAt) &&
		a.HasUsedTrial == b.HasUsedTrial &&
		sameString(a.CouponUsed, b.CouponUsed)
}

func sameOrdering(a, b models.Account) bool {
	return sameTime(a.LastEventAt, b.LastEventAt) &&
		sameString(a.EndedSubscriptionID, b.EndedSubscriptionID)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
