// Package billing holds the error taxonomy shared by the reconciliation
// components. Callers classify failures with errors.Is.
package billing

import "errors"

var (
	// ErrUnresolvedIdentity means no strategy could attribute an event to an
	// account. The event is acknowledged and nothing is written.
	ErrUnresolvedIdentity = errors.New("unresolved identity")

	// ErrTransientProvider wraps failed payment-provider round trips. Webhook
	// callers answer non-2xx so the provider redelivers.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrPersistenceConflict signals a concurrent write on the same account.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrInvalidCancellation rejects cancellation of a plan that cannot be
	// cancelled through the normal path.
	ErrInvalidCancellation = errors.New("invalid cancellation request")

	// ErrQuotaStoreUnavailable is logged when the usage counter store fails.
	ErrQuotaStoreUnavailable = errors.New("quota store unavailable")

	ErrAccountNotFound   = errors.New("account not found")
	ErrMalformedEvent    = errors.New("malformed billing event")
	ErrSignature         = errors.New("webhook signature verification failed")
	ErrInvalidCoupon     = errors.New("invalid coupon code")
	ErrCouponAlreadyUsed = errors.New("coupon already used")
	ErrProviderDisabled  = errors.New("payment provider not configured")
	ErrDuplicateEvent    = errors.New("billing event already processed")
)

// CancellationError carries the user-facing reason a cancellation was
// rejected. It matches ErrInvalidCancellation.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	return "invalid cancellation request: " + e.Reason
}

func (e *CancellationError) Is(target error) bool {
	return target == ErrInvalidCancellation
}
