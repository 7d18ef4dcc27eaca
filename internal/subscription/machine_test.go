package subscription

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func machine() Machine {
	return NewMachine(plans.NewPriceTable(map[plans.Code]string{
		plans.Monthly:   "price_monthly",
		plans.Quarterly: "price_quarterly",
		plans.Biannual:  "price_biannual",
		plans.Annual:    "price_annual",
	}))
}

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func strPtr(s string) *string { return &s }

func planPtr(c plans.Code) *plans.Code { return &c }

const day = 24 * time.Hour

func TestCheckoutCompletedWithTrial(t *testing.T) {
	ev := Event{
		Kind:           CheckoutCompleted,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		PriceID:        "price_biannual",
		TrialEnd:       at(3 * day),
		PeriodEnd:      at(3 * day),
	}

	tr, err := machine().Next(models.NewAccount("acct-1"), ev, now)
	require.NoError(t, err)

	a := tr.Account
	assert.True(t, tr.Changed)
	assert.Equal(t, models.StatusInactive, tr.From)
	assert.Equal(t, models.StatusTrial, a.SubscriptionStatus)
	assert.Equal(t, plans.Biannual, a.Plan())
	assert.True(t, a.HasUsedTrial)
	assert.Equal(t, "sub_1", a.SubscriptionRef())
	assert.True(t, a.TrialEndDate.Equal(now.Add(3*day)))
	assert.True(t, a.CurrentPeriodEnd.Equal(now.Add(3*day)))
}

func TestCheckoutCompletedWithoutTrial(t *testing.T) {
	ev := Event{
		Kind:           CheckoutCompleted,
		SubscriptionID: "sub_1",
		PriceID:        "price_unknown",
		PeriodEnd:      at(30 * day),
	}

	tr, err := machine().Next(models.NewAccount("acct-1"), ev, now)
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, tr.Account.SubscriptionStatus)
	assert.Equal(t, plans.Default, tr.Account.Plan(), "unmatched prices fall back to the default plan")
	assert.False(t, tr.Account.HasUsedTrial)
}

func TestInvoicePaidDuringTrialKeepsTrial(t *testing.T) {
	acct := models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusTrial,
		CurrentPlan:          planPtr(plans.Monthly),
		StripeSubscriptionID: strPtr("sub_1"),
		TrialEndDate:         at(2 * day),
		CurrentPeriodEnd:     at(2 * day),
		HasUsedTrial:         true,
	}
	ev := Event{
		Kind:           InvoicePaid,
		SubscriptionID: "sub_1",
		TrialEnd:       at(2 * day),
		PeriodEnd:      at(32 * day),
	}

	tr, err := machine().Next(acct, ev, now)
	require.NoError(t, err)

	assert.Equal(t, models.StatusTrial, tr.Account.SubscriptionStatus)
	assert.True(t, tr.Account.CurrentPeriodEnd.Equal(now.Add(32*day)))
	assert.False(t, tr.StatusChanged())
}

func TestInvoicePaidAfterTrialActivates(t *testing.T) {
	acct := models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusTrial,
		CurrentPlan:          planPtr(plans.Monthly),
		StripeSubscriptionID: strPtr("sub_1"),
		TrialEndDate:         at(-time.Hour),
		CurrentPeriodEnd:     at(-time.Hour),
	}
	ev := Event{
		Kind:           InvoicePaid,
		SubscriptionID: "sub_1",
		TrialEnd:       at(-time.Hour),
		PeriodEnd:      at(30 * day),
	}

	tr, err := machine().Next(acct, ev, now)
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, tr.Account.SubscriptionStatus)
	assert.True(t, tr.Account.CurrentPeriodEnd.Equal(now.Add(30*day)))
}

func TestInvoicePaidNeverShortensPeriod(t *testing.T) {
	acct := models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusActive,
		CurrentPlan:          planPtr(plans.Quarterly),
		StripeSubscriptionID: strPtr("sub_1"),
		CurrentPeriodEnd:     at(60 * day),
	}
	ev := Event{Kind: InvoicePaid, SubscriptionID: "sub_1", PeriodEnd: at(30 * day)}

	tr, err := machine().Next(acct, ev, now)
	require.NoError(t, err)
	assert.True(t, tr.Account.CurrentPeriodEnd.Equal(now.Add(60*day)))
	assert.False(t, tr.Changed)
}

func TestPaymentFailedClearsIdentifiers(t *testing.T) {
	acct := models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusActive,
		CurrentPlan:          planPtr(plans.Monthly),
		StripeCustomerID:     strPtr("cus_1"),
		StripeSubscriptionID: strPtr("sub_1"),
		CurrentPeriodEnd:     at(10 * day),
	}

	tr, err := machine().Next(acct, Event{Kind: InvoicePaymentFailed, SubscriptionID: "sub_1"}, now)
	require.NoError(t, err)

	a := tr.Account
	assert.Equal(t, models.StatusInactive, a.SubscriptionStatus)
	assert.Nil(t, a.CurrentPlan)
	assert.Nil(t, a.StripeSubscriptionID)
	assert.Nil(t, a.CurrentPeriodEnd)
	require.NotNil(t, a.StripeCustomerID)
	assert.Equal(t, "cus_1", *a.StripeCustomerID)
}

func TestEventsForOtherSubscriptionsAreIgnored(t *testing.T) {
	acct := models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusActive,
		CurrentPlan:          planPtr(plans.Monthly),
		StripeSubscriptionID: strPtr("sub_new"),
		CurrentPeriodEnd:     at(10 * day),
	}

	tr, err := machine().Next(acct, Event{Kind: InvoicePaymentFailed, SubscriptionID: "sub_old"}, now)
	require.NoError(t, err)
	assert.True(t, tr.Ignored)
	assert.Equal(t, models.StatusActive, tr.Account.SubscriptionStatus)
}

func TestTerminalPlansIgnoreProviderCancellation(t *testing.T) {
	lifetime := models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusLifetime,
		CurrentPlan:          planPtr(plans.CrowdfundLifetime),
		StripeSubscriptionID: strPtr("sub_1"),
		CouponUsed:           strPtr("CF15000-LT-001"),
	}
	coupon := models.Account{
		ID:                   "acct-2",
		SubscriptionStatus:   models.StatusActive,
		CurrentPlan:          planPtr(plans.Crowdfund3M),
		StripeSubscriptionID: strPtr("sub_2"),
		CouponUsed:           strPtr("CF1500-3M-004"),
		CurrentPeriodEnd:     at(80 * day),
	}

	for _, acct := range []models.Account{lifetime, coupon} {
		for _, kind := range []Kind{InvoicePaymentFailed, SubscriptionDeleted} {
			tr, err := machine().Next(acct, Event{Kind: kind, SubscriptionID: acct.SubscriptionRef()}, now)
			require.NoError(t, err)
			assert.True(t, tr.Ignored, "%s %s", acct.ID, kind)
			assert.Equal(t, acct.SubscriptionStatus, tr.Account.SubscriptionStatus)
		}

		_, err := machine().Next(acct, Event{Kind: CancellationRequested}, now)
		assert.True(t, errors.Is(err, billing.ErrInvalidCancellation), acct.ID)
	}
}

func TestCancellationOfActivePlanIsScheduled(t *testing.T) {
	acct := models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusActive,
		CurrentPlan:          planPtr(plans.Monthly),
		StripeSubscriptionID: strPtr("sub_1"),
		CurrentPeriodEnd:     at(20 * day),
	}

	immediate, err := CancelImmediately(acct, now)
	require.NoError(t, err)
	assert.False(t, immediate)

	tr, err := machine().Next(acct, Event{Kind: CancellationRequested, PeriodEnd: at(20 * day)}, now)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCancelAtPeriodEnd, tr.Account.SubscriptionStatus)
	assert.True(t, tr.Account.CurrentPeriodEnd.Equal(now.Add(20*day)))
	require.NotNil(t, tr.Account.CancelledAt)

	again, err := machine().Next(tr.Account, Event{Kind: CancellationRequested, PeriodEnd: at(20 * day)}, now)
	require.NoError(t, err)
	assert.Equal(t, tr.Account, again.Account)
}

func TestCancellationDuringTrialIsImmediate(t *testing.T) {
	acct := models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusTrial,
		CurrentPlan:          planPtr(plans.Monthly),
		StripeSubscriptionID: strPtr("sub_1"),
		TrialEndDate:         at(2 * day),
		CurrentPeriodEnd:     at(2 * day),
		HasUsedTrial:         true,
	}

	immediate, err := CancelImmediately(acct, now)
	require.NoError(t, err)
	assert.True(t, immediate)

	tr, err := machine().Next(acct, Event{Kind: CancellationRequested}, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, tr.Account.SubscriptionStatus)
	assert.Nil(t, tr.Account.StripeSubscriptionID)
	assert.True(t, tr.Account.HasUsedTrial)
}

func TestCancellationAfterPeriodEndIsRejected(t *testing.T) {
	acct := models.Account{
		ID:                 "acct-1",
		SubscriptionStatus: models.StatusActive,
		CurrentPlan:        planPtr(plans.Monthly),
		CurrentPeriodEnd:   at(-day),
	}
	_, err := machine().Next(acct, Event{Kind: CancellationRequested}, now)
	var cerr *billing.CancellationError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Reason, "ended")
}

func TestSubscriptionUpdatedMapsProviderStatus(t *testing.T) {
	base := models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusActive,
		CurrentPlan:          planPtr(plans.Monthly),
		StripeSubscriptionID: strPtr("sub_1"),
		CurrentPeriodEnd:     at(10 * day),
	}

	cases := []struct {
		status            string
		cancelAtPeriodEnd bool
		want              models.SubscriptionStatus
	}{
		{"active", true, models.StatusCancelAtPeriodEnd},
		{"active", false, models.StatusActive},
		{"canceled", false, models.StatusCancelled},
		{"unpaid", false, models.StatusInactive},
		{"past_due", false, models.StatusActive},
		{"trialing", false, models.StatusTrial},
	}
	for _, tc := range cases {
		ev := Event{
			Kind:              SubscriptionUpdated,
			SubscriptionID:    "sub_1",
			PriceID:           "price_annual",
			ProviderStatus:    tc.status,
			CancelAtPeriodEnd: tc.cancelAtPeriodEnd,
			PeriodEnd:         at(10 * day),
			TrialEnd:          at(day),
		}
		tr, err := machine().Next(base, ev, now)
		require.NoError(t, err)
		assert.Equal(t, tc.want, tr.Account.SubscriptionStatus, tc.status)
	}
}

func TestRedeemCoupon(t *testing.T) {
	tr, err := machine().Next(models.NewAccount("acct-1"), Event{Kind: CouponRedeemed, CouponCode: "CF600-1M-001"}, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, tr.Account.SubscriptionStatus)
	assert.Equal(t, plans.Crowdfund1M, tr.Account.Plan())
	assert.True(t, tr.Account.CurrentPeriodEnd.Equal(now.Add(30*day)))
	assert.True(t, tr.Account.IsCouponCohort())

	tr, err = machine().Next(models.NewAccount("acct-2"), Event{Kind: CouponRedeemed, CouponCode: "CF15000-LT-002"}, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLifetime, tr.Account.SubscriptionStatus)
	assert.Nil(t, tr.Account.CurrentPeriodEnd)

	subscribed := models.Account{
		ID:                   "acct-3",
		SubscriptionStatus:   models.StatusActive,
		StripeSubscriptionID: strPtr("sub_3"),
		CurrentPeriodEnd:     at(day),
	}
	_, err = machine().Next(subscribed, Event{Kind: CouponRedeemed, CouponCode: "CF600-1M-003"}, now)
	assert.True(t, errors.Is(err, billing.ErrInvalidCoupon))
}

func TestAdminOverrideChangesTerminalPlan(t *testing.T) {
	acct := models.Account{
		ID:                 "acct-1",
		SubscriptionStatus: models.StatusLifetime,
		CurrentPlan:        planPtr(plans.CrowdfundLifetime),
		CouponUsed:         strPtr("CF15000-LT-001"),
	}
	ev := Event{Kind: AdminOverride, Override: &Override{Status: models.StatusInactive, ClearCoupon: true}}

	tr, err := machine().Next(acct, ev, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, tr.Account.SubscriptionStatus)
	assert.Nil(t, tr.Account.CurrentPlan)
	assert.Nil(t, tr.Account.CouponUsed)

	_, err = machine().Next(acct, Event{Kind: AdminOverride}, now)
	assert.Error(t, err)
}

// Applying any event twice yields the same fields as applying it once.
func TestNextIsIdempotent(t *testing.T) {
	accounts := []models.Account{
		models.NewAccount("fresh"),
		{
			ID:                   "trial",
			SubscriptionStatus:   models.StatusTrial,
			CurrentPlan:          planPtr(plans.Monthly),
			StripeSubscriptionID: strPtr("sub_1"),
			TrialEndDate:         at(day),
			CurrentPeriodEnd:     at(day),
			HasUsedTrial:         true,
		},
		{
			ID:                   "active",
			SubscriptionStatus:   models.StatusActive,
			CurrentPlan:          planPtr(plans.Quarterly),
			StripeSubscriptionID: strPtr("sub_1"),
			CurrentPeriodEnd:     at(40 * day),
		},
		{
			ID:                 "lifetime",
			SubscriptionStatus: models.StatusLifetime,
			CurrentPlan:        planPtr(plans.Lifetime),
		},
	}
	events := []Event{
		{Kind: CheckoutCompleted, SubscriptionID: "sub_1", PriceID: "price_monthly", TrialEnd: at(3 * day), PeriodEnd: at(3 * day)},
		{Kind: CheckoutCompleted, SubscriptionID: "sub_1", PriceID: "price_annual", PeriodEnd: at(365 * day)},
		{Kind: InvoicePaid, SubscriptionID: "sub_1", TrialEnd: at(day), PeriodEnd: at(31 * day)},
		{Kind: InvoicePaid, SubscriptionID: "sub_1", TrialEnd: at(-day), PeriodEnd: at(31 * day)},
		{Kind: InvoicePaymentFailed, SubscriptionID: "sub_1"},
		{Kind: SubscriptionUpdated, SubscriptionID: "sub_1", ProviderStatus: "active", CancelAtPeriodEnd: true, PeriodEnd: at(40 * day), Occurred: now},
		{Kind: SubscriptionDeleted, SubscriptionID: "sub_1", Occurred: now},
		{Kind: CouponRedeemed, CouponCode: "CF3000-6M-010"},
	}

	m := machine()
	for _, acct := range accounts {
		for _, ev := range events {
			once, err := m.Next(acct, ev, now)
			if err != nil {
				continue
			}
			twice, err := m.Next(once.Account, ev, now)
			require.NoError(t, err, "%s/%s", acct.ID, ev.Kind)
			assert.True(t, sameBilling(once.Account, twice.Account), "%s/%s", acct.ID, ev.Kind)
		}
	}
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("invoice.payment_succeeded")
	assert.True(t, ok)
	assert.Equal(t, InvoicePaid, k)

	_, ok = ParseKind("customer.created")
	assert.False(t, ok)
}

func trialAccount() models.Account {
	return models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusTrial,
		CurrentPlan:          planPtr(plans.Monthly),
		StripeCustomerID:     strPtr("cus_1"),
		StripeSubscriptionID: strPtr("sub_1"),
		TrialEndDate:         at(3 * day),
		CurrentPeriodEnd:     at(3 * day),
		HasUsedTrial:         true,
		LastEventAt:          at(-time.Hour),
	}
}

func activeAccount() models.Account {
	return models.Account{
		ID:                   "acct-1",
		SubscriptionStatus:   models.StatusActive,
		CurrentPlan:          planPtr(plans.Monthly),
		StripeCustomerID:     strPtr("cus_1"),
		StripeSubscriptionID: strPtr("sub_1"),
		CurrentPeriodEnd:     at(20 * day),
		LastEventAt:          at(-10 * day),
	}
}

func TestOutOfOrderEventsDoNotReviveAccounts(t *testing.T) {
	m := machine()

	cancelledTrial, err := m.Next(trialAccount(), Event{Kind: CancellationRequested, Occurred: now}, now)
	require.NoError(t, err)
	require.Equal(t, models.StatusInactive, cancelledTrial.Account.SubscriptionStatus)

	failed, err := m.Next(activeAccount(), Event{Kind: InvoicePaymentFailed, SubscriptionID: "sub_1", Occurred: now}, now)
	require.NoError(t, err)
	require.Equal(t, models.StatusInactive, failed.Account.SubscriptionStatus)

	cases := []struct {
		name      string
		account   models.Account
		event     Event
		wantStale bool
	}{
		{
			name:    "trialing update from before a trial cancel",
			account: cancelledTrial.Account,
			event: Event{
				Kind: SubscriptionUpdated, CustomerID: "cus_1", SubscriptionID: "sub_1",
				ProviderStatus: "trialing", PriceID: "price_monthly", TrialEnd: at(3 * day),
				PeriodEnd: at(3 * day), Occurred: now.Add(-time.Hour),
			},
			wantStale: true,
		},
		{
			name:    "trialing update from the same second as a trial cancel",
			account: cancelledTrial.Account,
			event: Event{
				Kind: SubscriptionUpdated, CustomerID: "cus_1", SubscriptionID: "sub_1",
				ProviderStatus: "trialing", TrialEnd: at(3 * day), Occurred: now,
			},
		},
		{
			name:    "active update from before a payment failure",
			account: failed.Account,
			event: Event{
				Kind: SubscriptionUpdated, CustomerID: "cus_1", SubscriptionID: "sub_1",
				ProviderStatus: "active", PriceID: "price_monthly", PeriodEnd: at(20 * day),
				Occurred: now.Add(-day),
			},
			wantStale: true,
		},
		{
			name:    "past_due update sent with the payment failure",
			account: failed.Account,
			event: Event{
				Kind: SubscriptionUpdated, CustomerID: "cus_1", SubscriptionID: "sub_1",
				ProviderStatus: "past_due", PriceID: "price_monthly", PeriodEnd: at(20 * day),
				Occurred: now,
			},
		},
		{
			name:    "invoice paid from before a payment failure",
			account: failed.Account,
			event: Event{
				Kind: InvoicePaid, CustomerID: "cus_1", SubscriptionID: "sub_1",
				PeriodEnd: at(20 * day), Occurred: now.Add(-day),
			},
			wantStale: true,
		},
		{
			name:    "checkout redelivered after a trial cancel",
			account: cancelledTrial.Account,
			event: Event{
				Kind: CheckoutCompleted, CustomerID: "cus_1", SubscriptionID: "sub_1",
				PriceID: "price_monthly", TrialEnd: at(3 * day), Occurred: now.Add(-2 * time.Hour),
			},
			wantStale: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := m.Next(tc.account, tc.event, now)
			require.NoError(t, err)
			assert.True(t, tr.Ignored)
			assert.Equal(t, tc.wantStale, tr.Stale)
			assert.False(t, tr.ShouldWrite())
			assert.Equal(t, models.StatusInactive, tr.Account.SubscriptionStatus)
			assert.Nil(t, tr.Account.StripeSubscriptionID)
			assert.Nil(t, tr.Account.CurrentPlan)
			assert.Nil(t, tr.Account.CurrentPeriodEnd)
		})
	}
}

func TestUnlinkRemembersEndedSubscription(t *testing.T) {
	tr, err := machine().Next(activeAccount(), Event{Kind: InvoicePaymentFailed, SubscriptionID: "sub_1", Occurred: now}, now)
	require.NoError(t, err)
	require.NotNil(t, tr.Account.EndedSubscriptionID)
	assert.Equal(t, "sub_1", *tr.Account.EndedSubscriptionID)
	require.NotNil(t, tr.Account.LastEventAt)
	assert.True(t, tr.Account.LastEventAt.Equal(now))
}

func TestLaterPaymentReactivatesEndedSubscription(t *testing.T) {
	m := machine()
	failed, err := m.Next(activeAccount(), Event{Kind: InvoicePaymentFailed, SubscriptionID: "sub_1", Occurred: now}, now)
	require.NoError(t, err)

	retry := now.Add(2 * day)
	tr, err := m.Next(failed.Account, Event{
		Kind: InvoicePaid, SubscriptionID: "sub_1", PriceID: "price_monthly",
		PeriodEnd: at(32 * day), Occurred: retry,
	}, retry)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, tr.Account.SubscriptionStatus)
	assert.Equal(t, "sub_1", tr.Account.SubscriptionRef())
	assert.Nil(t, tr.Account.EndedSubscriptionID)
}

func TestNewCheckoutRelinksAfterTrialCancel(t *testing.T) {
	m := machine()
	cancelled, err := m.Next(trialAccount(), Event{Kind: CancellationRequested, Occurred: now}, now)
	require.NoError(t, err)

	next := now.Add(time.Hour)
	tr, err := m.Next(cancelled.Account, Event{
		Kind: CheckoutCompleted, CustomerID: "cus_1", SubscriptionID: "sub_2",
		PriceID: "price_annual", PeriodEnd: at(366 * day), Occurred: next,
	}, next)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, tr.Account.SubscriptionStatus)
	assert.Equal(t, "sub_2", tr.Account.SubscriptionRef())
	assert.Nil(t, tr.Account.EndedSubscriptionID)
}

func TestOrderingOnlyChangeIsWritten(t *testing.T) {
	acct := activeAccount()
	tr, err := machine().Next(acct, Event{
		Kind: SubscriptionUpdated, CustomerID: "cus_1", SubscriptionID: "sub_1",
		ProviderStatus: "active", PriceID: "price_monthly", PeriodEnd: at(20 * day),
		Occurred: now,
	}, now)
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.True(t, tr.Touched)
	assert.True(t, tr.ShouldWrite())
}

func TestCheckCancellationRejectsEndedPeriod(t *testing.T) {
	acct := activeAccount()
	acct.CurrentPeriodEnd = at(-time.Hour)

	_, err := CheckCancellation(acct, now)
	var ce *billing.CancellationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "billing period has already ended", ce.Reason)

	immediate, err := CheckCancellation(trialAccount(), now)
	require.NoError(t, err)
	assert.True(t, immediate)

	immediate, err = CheckCancellation(activeAccount(), now)
	require.NoError(t, err)
	assert.False(t, immediate)
}
