package subscription

import (
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

// Kind identifies what happened to an account.
type Kind string

// Provider webhook kinds.
const (
	CheckoutCompleted    Kind = "checkout.session.completed"
	InvoicePaid          Kind = "invoice.paid"
	InvoicePaymentFailed Kind = "invoice.payment_failed"
	SubscriptionUpdated  Kind = "customer.subscription.updated"
	SubscriptionDeleted  Kind = "customer.subscription.deleted"
)

// Internally raised kinds.
const (
	CancellationRequested Kind = "cancellation.requested"
	CouponRedeemed        Kind = "coupon.redeemed"
	AdminOverride         Kind = "admin.override"
)

// FromProvider reports whether k is delivered by the payment provider.
func (k Kind) FromProvider() bool {
	switch k {
	case CheckoutCompleted, InvoicePaid, InvoicePaymentFailed, SubscriptionUpdated, SubscriptionDeleted:
		return true
	}
	return false
}

// ParseKind maps a provider event type to a Kind. invoice.payment_succeeded
// is treated as invoice.paid.
func ParseKind(raw string) (Kind, bool) {
	switch Kind(raw) {
	case CheckoutCompleted, InvoicePaid, InvoicePaymentFailed, SubscriptionUpdated, SubscriptionDeleted:
		return Kind(raw), true
	}
	if raw == "invoice.payment_succeeded" {
		return InvoicePaid, true
	}
	return "", false
}

// Event is the normalized input of the state machine.
type Event struct {
	ID       string
	Kind     Kind
	Occurred time.Time

	CustomerID     string
	SubscriptionID string
	PriceID        string

	// PeriodEnd and TrialEnd come from the provider subscription.
	PeriodEnd *time.Time
	TrialEnd  *time.Time

	// ProviderStatus is the raw provider subscription status
	// (trialing, active, past_due, canceled, unpaid, ...).
	ProviderStatus    string
	CancelAtPeriodEnd bool

	CouponCode string
	Override   *Override
}

// Override is an administrative change that bypasses the normal
// transitions. Nil fields are left as they are.
type Override struct {
	Status      models.SubscriptionStatus
	Plan        *plans.Code
	PeriodEnd   *time.Time
	ClearCoupon bool
}
