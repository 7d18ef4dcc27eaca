package models

import (
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

// SubscriptionStatus is the persisted billing status of an account.
type SubscriptionStatus string

const (
	StatusInactive          SubscriptionStatus = "inactive"
	StatusTrial             SubscriptionStatus = "trial"
	StatusActive            SubscriptionStatus = "active"
	StatusCancelAtPeriodEnd SubscriptionStatus = "cancel_at_period_end"
	StatusCancelled         SubscriptionStatus = "cancelled"
	StatusLifetime          SubscriptionStatus = "lifetime"
)

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusInactive, StatusTrial, StatusActive, StatusCancelAtPeriodEnd, StatusCancelled, StatusLifetime:
		return true
	}
	return false
}

// Account holds the billing fields of one account.
type Account struct {
	ID                   string             `json:"id"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	CurrentPlan          *plans.Code        `json:"current_plan,omitempty"`
	StripeCustomerID     *string            `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	TrialEndDate         *time.Time         `json:"trial_end_date,omitempty"`
	CancelledAt          *time.Time         `json:"cancelled_at,omitempty"`
	HasUsedTrial         bool               `json:"has_used_trial"`
	CouponUsed           *string            `json:"coupon_used,omitempty"`
	// LastEventAt is the creation time of the newest provider event, or the
	// instant of the latest local decision, applied to the account.
	LastEventAt          *time.Time         `json:"last_event_at,omitempty"`
	// EndedSubscriptionID is the provider subscription a payment failure or
	// an immediate cancellation unlinked. Only a new checkout or a later
	// successful payment may link it again.
	EndedSubscriptionID  *string            `json:"ended_subscription_id,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// NewAccount returns the initial state of an account seen for the first time.
func NewAccount(id string) Account {
	return Account{ID: id, SubscriptionStatus: StatusInactive}
}

// Plan returns the recorded plan code, or "" when none is set.
func (a Account) Plan() plans.Code {
	if a.CurrentPlan == nil {
		return ""
	}
	return *a.CurrentPlan
}

// SubscriptionRef returns the provider subscription id, or "".
func (a Account) SubscriptionRef() string {
	if a.StripeSubscriptionID == nil {
		return ""
	}
	return *a.StripeSubscriptionID
}

// IsCouponCohort reports whether the account's plan came from a coupon.
func (a Account) IsCouponCohort() bool {
	if a.CouponUsed != nil && plans.IsCouponCode(*a.CouponUsed) {
		return true
	}
	return a.Plan().IsCoupon()
}

// IntentStatus is the state of a pending trial intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCompleted IntentStatus = "completed"
)

// PendingTrialIntent is recorded before a checkout redirect so that the
// account can be recovered when the provider callback lacks it.
type PendingTrialIntent struct {
	ID               string       `json:"id"`
	AccountID        string       `json:"account_id"`
	PlanType         plans.Code   `json:"plan_type"`
	Status           IntentStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	CompletedByEvent *string      `json:"completed_by_event,omitempty"`
}

// ProcessedEvent records a provider event that has been applied.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	Kind        string    `json:"kind"`
	AccountID   *string   `json:"account_id,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// CouponRedemption records a single-use coupon.
type CouponRedemption struct {
	Code       string    `json:"code"`
	CouponType string    `json:"coupon_type"`
	AccountID  string    `json:"account_id"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// QuotaType names a metered free-tier action.
type QuotaType string

const (
	QuotaRecord    QuotaType = "record"
	QuotaAIMessage QuotaType = "ai_message"
)

// DailyUsageCounter is the count of one quota type for an account on a day.
type DailyUsageCounter struct {
	AccountID string    `json:"account_id"`
	Day       string    `json:"day"`
	QuotaType QuotaType `json:"quota_type"`
	Count     int64     `json:"count"`
}
