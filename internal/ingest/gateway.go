// Package ingest turns provider webhooks into committed account transitions.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v76"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/identity"
	"github.com/PortNumber53/entitlement-engine/backend/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/backend/internal/subscription"
)

// MaxBodyBytes caps webhook payloads.
const MaxBodyBytes = 1 << 20

// Outcome classifies an acknowledged event.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeUnresolved Outcome = "unresolved"
)

// Result describes how an event was handled.
type Result struct {
	Outcome    Outcome             `json:"outcome"`
	EventID    string              `json:"event_id"`
	Kind       string              `json:"kind"`
	AccountID  string              `json:"account_id,omitempty"`
	Strategy   identity.Strategy   `json:"strategy,omitempty"`
	Confidence identity.Confidence `json:"confidence,omitempty"`
}

// Parser decodes and authenticates webhook payloads.
type Parser interface {
	Parse(payload []byte, sigHeader string) (stripeapi.Event, error)
}

// EventStore is the persisted state the gateway reads before applying.
type EventStore interface {
	identity.Store
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
}

// Gateway handles one webhook delivery per call.
type Gateway struct {
	parser   Parser
	events   EventStore
	resolver *identity.Resolver
	provider identity.Provider
	applier  *Applier
}

// NewGateway wires a Gateway. provider may be nil when the provider API is
// not configured; events are then handled from their payload alone.
func NewGateway(parser Parser, events EventStore, resolver *identity.Resolver, provider identity.Provider, applier *Applier) *Gateway {
	return &Gateway{
		parser:   parser,
		events:   events,
		resolver: resolver,
		provider: provider,
		applier:  applier,
	}
}

// Handle processes one delivery. A nil error means the delivery must be
// acknowledged; errors are classified with the billing sentinels.
func (g *Gateway) Handle(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	start := time.Now()
	res, err := g.handle(ctx, payload, sigHeader)

	outcome := string(res.Outcome)
	if err != nil {
		outcome = errorOutcome(err)
	}
	kind := res.Kind
	if kind == "" {
		kind = "unknown"
	}
	metrics.WebhookEventsTotal.WithLabelValues(kind, outcome).Inc()
	metrics.WebhookDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	logger := log.With().Str("event_id", res.EventID).Str("kind", res.Kind).Str("outcome", outcome).Logger()
	if err != nil {
		logger.Error().Err(err).Msg("ingest: webhook failed")
	} else {
		logger.Info().Str("account_id", res.AccountID).Msg("ingest: webhook handled")
	}
	return res, err
}

func (g *Gateway) handle(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	ev, err := g.parser.Parse(payload, sigHeader)
	if err != nil {
		return Result{}, err
	}
	res := Result{EventID: ev.ID, Kind: string(ev.Type)}

	kind, ok := subscription.ParseKind(string(ev.Type))
	if !ok {
		res.Outcome = OutcomeIgnored
		return res, nil
	}
	if ev.ID == "" || ev.Data == nil || len(ev.Data.Raw) == 0 {
		return res, fmt.Errorf("%w: event lacks id or data.object", billing.ErrMalformedEvent)
	}

	done, err := g.events.IsEventProcessed(ctx, ev.ID)
	if err != nil {
		return res, fmt.Errorf("ingest: dedup lookup: %w", err)
	}
	if done {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	n, err := normalize(ev, kind)
	if err != nil {
		return res, err
	}
	if n.skip {
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	// Provider lookups made by the resolver are reused by enrichment.
	provider := identity.NewRequestCache(g.provider)

	resolution, err := g.resolver.Resolve(ctx, n.identity, provider)
	if errors.Is(err, billing.ErrUnresolvedIdentity) {
		res.Outcome = OutcomeUnresolved
		return res, nil
	} else if err != nil {
		return res, err
	}
	res.AccountID = resolution.AccountID
	res.Strategy = resolution.Strategy
	res.Confidence = resolution.Confidence

	if n.needsSubscription && provider != nil && n.event.SubscriptionID != "" {
		if err := enrich(ctx, provider, &n.event); err != nil {
			return res, err
		}
	}

	tr, err := g.applier.Apply(ctx, Change{
		AccountID: resolution.AccountID,
		Event:     n.event,
		IntentID:  resolution.IntentID,
		Record:    true,
	})
	if errors.Is(err, billing.ErrDuplicateEvent) {
		res.Outcome = OutcomeDuplicate
		return res, nil
	} else if err != nil {
		return res, err
	}

	res.Outcome = OutcomeApplied
	if tr.Ignored {
		res.Outcome = OutcomeIgnored
	}
	return res, nil
}

// enrich fills subscription fields from the provider's current view.
func enrich(ctx context.Context, provider identity.Provider, ev *subscription.Event) error {
	sub, err := provider.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return fmt.Errorf("ingest: fetch subscription %s: %w", ev.SubscriptionID, err)
	}
	if sub == nil {
		return nil
	}
	applySubscription(ev, sub)
	return nil
}

type normalized struct {
	event             subscription.Event
	identity          identity.Event
	needsSubscription bool
	skip              bool
}

func normalize(ev stripeapi.Event, kind subscription.Kind) (normalized, error) {
	occurred := time.Unix(ev.Created, 0).UTC()
	n := normalized{
		event: subscription.Event{ID: ev.ID, Kind: kind, Occurred: occurred},
		identity: identity.Event{
			ID:                     ev.ID,
			Kind:                   string(ev.Type),
			Created:                occurred,
			AllowIntentCorrelation: kind == subscription.CheckoutCompleted,
		},
	}

	switch kind {
	case subscription.CheckoutCompleted:
		var sess stripeapi.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return n, fmt.Errorf("%w: checkout session: %v", billing.ErrMalformedEvent, err)
		}
		if sess.Subscription == nil || sess.Subscription.ID == "" {
			n.skip = true
			return n, nil
		}
		n.event.CustomerID = customerID(sess.Customer)
		n.event.SubscriptionID = sess.Subscription.ID
		applySubscription(&n.event, sess.Subscription)
		n.identity.References = []string{sess.ClientReferenceID, identity.AccountFromMetadata(sess.Metadata)}
		n.needsSubscription = true

	case subscription.InvoicePaid, subscription.InvoicePaymentFailed:
		var inv stripeapi.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return n, fmt.Errorf("%w: invoice: %v", billing.ErrMalformedEvent, err)
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			n.skip = true
			return n, nil
		}
		n.event.CustomerID = customerID(inv.Customer)
		n.event.SubscriptionID = inv.Subscription.ID
		refs := []string{identity.AccountFromMetadata(inv.Metadata)}
		if inv.Lines != nil {
			for _, line := range inv.Lines.Data {
				if line == nil {
					continue
				}
				if line.Price != nil && n.event.PriceID == "" {
					n.event.PriceID = line.Price.ID
				}
				if line.Period != nil && line.Period.End > 0 {
					n.event.PeriodEnd = later(n.event.PeriodEnd, unixTime(line.Period.End))
				}
				refs = append(refs, identity.AccountFromMetadata(line.Metadata))
			}
		}
		n.identity.References = refs
		n.needsSubscription = kind == subscription.InvoicePaid

	case subscription.SubscriptionUpdated, subscription.SubscriptionDeleted:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return n, fmt.Errorf("%w: subscription: %v", billing.ErrMalformedEvent, err)
		}
		if sub.ID == "" {
			return n, fmt.Errorf("%w: subscription without id", billing.ErrMalformedEvent)
		}
		n.event.CustomerID = customerID(sub.Customer)
		n.event.SubscriptionID = sub.ID
		applySubscription(&n.event, &sub)
		n.identity.References = []string{identity.AccountFromMetadata(sub.Metadata)}
	}

	n.identity.CustomerID = n.event.CustomerID
	n.identity.SubscriptionID = n.event.SubscriptionID
	return n, nil
}

// applySubscription copies the fields present on sub. An unexpanded
// subscription carries only its id and leaves ev untouched.
func applySubscription(ev *subscription.Event, sub *stripeapi.Subscription) {
	if sub.Status != "" {
		ev.ProviderStatus = string(sub.Status)
		ev.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	}
	if t := unixTime(sub.CurrentPeriodEnd); t != nil {
		ev.PeriodEnd = later(ev.PeriodEnd, t)
	}
	if t := unixTime(sub.TrialEnd); t != nil {
		ev.TrialEnd = t
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				ev.PriceID = item.Price.ID
				break
			}
		}
	}
	if ev.CustomerID == "" {
		ev.CustomerID = customerID(sub.Customer)
	}
}

func customerID(c *stripeapi.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func later(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || !b.After(*a) {
		return a
	}
	return b
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, billing.ErrSignature):
		return "bad_signature"
	case errors.Is(err, billing.ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, billing.ErrTransientProvider):
		return "provider_error"
	case errors.Is(err, billing.ErrPersistenceConflict):
		return "conflict"
	}
	return "store_error"
}
