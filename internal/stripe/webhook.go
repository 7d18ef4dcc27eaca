package stripe

import (
	"encoding/json"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

// EventParser turns webhook bodies into events.
type EventParser struct {
	secret string
	verify bool
}

// NewEventParser builds a parser. With verify off the signature header is
// ignored.
func NewEventParser(secret string, verify bool) EventParser {
	return EventParser{secret: secret, verify: verify}
}

// Verifies reports whether signatures are checked.
func (p EventParser) Verifies() bool { return p.verify }

// Parse decodes payload, checking sigHeader when verification is on.
func (p EventParser) Parse(payload []byte, sigHeader string) (stripeapi.Event, error) {
	if p.verify {
		ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return stripeapi.Event{}, fmt.Errorf("%w: %v", billing.ErrSignature, err)
		}
		return ev, nil
	}

	var ev stripeapi.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return stripeapi.Event{}, fmt.Errorf("%w: %v", billing.ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return stripeapi.Event{}, fmt.Errorf("%w: missing id or type", billing.ErrMalformedEvent)
	}
	return ev, nil
}
