// Package identity attributes inbound billing events to internal accounts.
//
// Strategies run in order and the first match wins:
//
//  1. an account reference embedded in the event payload at checkout time
//  2. an account already linked to the event's subscription or customer
//  3. provider customer metadata
//  4. provider subscription metadata
//  5. correlation with recently created pending trial intents
//
// The last strategy matches by time proximity and can misattribute events
// when checkouts overlap, so its results carry BestEffort confidence.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v76"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
)

// Confidence tags how a resolution was reached.
type Confidence string

const (
	Exact      Confidence = "exact"
	BestEffort Confidence = "best_effort"
)

// Strategy names the rule that produced a resolution.
type Strategy string

const (
	StrategyPayload              Strategy = "payload_reference"
	StrategyLinkedAccount        Strategy = "linked_account"
	StrategyCustomerMetadata     Strategy = "customer_metadata"
	StrategySubscriptionMetadata Strategy = "subscription_metadata"
	StrategyIntentReplay         Strategy = "pending_intent_replay"
	StrategyIntentWindow         Strategy = "pending_intent_window"
	StrategyIntentLatest         Strategy = "pending_intent_latest"
)

const (
	// RecentIntentLimit is how many pending intents correlation looks at.
	RecentIntentLimit = 5

	DefaultWindow        = 5 * time.Minute
	DefaultLookupTimeout = 5 * time.Second
)

// MetadataKeys are the metadata entries that may hold an account id.
var MetadataKeys = []string{"userId", "user_id", "account_id", "accountId"}

// Event is the identity-relevant part of a billing event.
type Event struct {
	ID      string
	Kind    string
	Created time.Time

	// References are account ids embedded in the payload, in priority order.
	References     []string
	CustomerID     string
	SubscriptionID string

	// AllowIntentCorrelation enables the pending intent strategy. Only
	// checkout completions are correlated.
	AllowIntentCorrelation bool
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	AccountID  string
	Strategy   Strategy
	Confidence Confidence
	// IntentID is set when a pending intent must be marked completed
	// together with the account write.
	IntentID string
}

// Provider reads objects from the payment provider.
type Provider interface {
	GetCustomer(ctx context.Context, id string) (*stripeapi.Customer, error)
	GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error)
}

// Store exposes the persisted data the resolver consults.
type Store interface {
	AccountIDByProviderRef(ctx context.Context, subscriptionID, customerID string) (string, error)
	IntentCompletedByEvent(ctx context.Context, eventID string) (*models.PendingTrialIntent, error)
	RecentPendingIntents(ctx context.Context, limit int) ([]models.PendingTrialIntent, error)
}

// Resolver runs the ordered strategies.
type Resolver struct {
	store         Store
	window        time.Duration
	lookupTimeout time.Duration
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithWindow sets the correlation window.
func WithWindow(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithLookupTimeout bounds each provider round trip.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

// NewResolver builds a Resolver over store.
func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{store: store, window: DefaultWindow, lookupTimeout: DefaultLookupTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve attributes ev to an account. provider may be nil when the
// provider API is not configured; pass a request-scoped cache so lookups
// are shared with the rest of the request.
//
// It returns billing.ErrUnresolvedIdentity when every strategy came up
// empty, and billing.ErrTransientProvider when a provider lookup failed
// and nothing else matched.
func (r *Resolver) Resolve(ctx context.Context, ev Event, provider Provider) (Resolution, error) {
	res, err := r.resolve(ctx, ev, provider)
	if err != nil {
		return Resolution{}, err
	}

	metrics.IdentityResolutionsTotal.WithLabelValues(string(res.Strategy), string(res.Confidence)).Inc()
	logger := log.With().Str("event_id", ev.ID).Str("account_id", res.AccountID).Str("strategy", string(res.Strategy)).Logger()
	if res.Confidence == BestEffort {
		logger.Warn().Str("intent_id", res.IntentID).Msg("identity: best-effort resolution")
	} else {
		logger.Debug().Msg("identity: resolved")
	}
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, ev Event, provider Provider) (Resolution, error) {
	for _, ref := range ev.References {
		if ref = strings.TrimSpace(ref); ref != "" {
			return Resolution{AccountID: ref, Strategy: StrategyPayload, Confidence: Exact}, nil
		}
	}

	if ev.SubscriptionID != "" || ev.CustomerID != "" {
		id, err := r.store.AccountIDByProviderRef(ctx, ev.SubscriptionID, ev.CustomerID)
		if err != nil && !errors.Is(err, billing.ErrAccountNotFound) {
			return Resolution{}, fmt.Errorf("identity: linked account lookup: %w", err)
		}
		if id != "" {
			return Resolution{AccountID: id, Strategy: StrategyLinkedAccount, Confidence: Exact}, nil
		}
	}

	var lookupErr error
	if provider != nil && ev.CustomerID != "" {
		cus, err := r.getCustomer(ctx, provider, ev.CustomerID)
		switch {
		case err != nil:
			lookupErr = err
		case cus != nil && !cus.Deleted:
			if id := AccountFromMetadata(cus.Metadata); id != "" {
				return Resolution{AccountID: id, Strategy: StrategyCustomerMetadata, Confidence: Exact}, nil
			}
		}
	}

	if provider != nil && ev.SubscriptionID != "" {
		sub, err := r.getSubscription(ctx, provider, ev.SubscriptionID)
		switch {
		case err != nil:
			lookupErr = err
		case sub != nil:
			if id := AccountFromMetadata(sub.Metadata); id != "" {
				return Resolution{AccountID: id, Strategy: StrategySubscriptionMetadata, Confidence: Exact}, nil
			}
		}
	}

	if lookupErr != nil {
		// A retry may still find the metadata; correlating now could
		// attach the event to the wrong account.
		log.Warn().Err(lookupErr).Str("event_id", ev.ID).Msg("identity: provider lookup failed")
		return Resolution{}, fmt.Errorf("identity: %w: %v", billing.ErrTransientProvider, lookupErr)
	}

	if ev.AllowIntentCorrelation {
		res, ok, err := r.correlate(ctx, ev)
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			return res, nil
		}
	}

	log.Warn().Str("event_id", ev.ID).Str("kind", ev.Kind).Str("customer_id", ev.CustomerID).
		Str("subscription_id", ev.SubscriptionID).Msg("identity: unresolved")
	return Resolution{}, billing.ErrUnresolvedIdentity
}

func (r *Resolver) correlate(ctx context.Context, ev Event) (Resolution, bool, error) {
	if ev.ID != "" {
		done, err := r.store.IntentCompletedByEvent(ctx, ev.ID)
		if err != nil {
			return Resolution{}, false, fmt.Errorf("identity: completed intent lookup: %w", err)
		}
		if done != nil {
			// Redelivery of an event that already consumed an intent.
			return Resolution{AccountID: done.AccountID, Strategy: StrategyIntentReplay, Confidence: BestEffort}, true, nil
		}
	}

	intents, err := r.store.RecentPendingIntents(ctx, RecentIntentLimit)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("identity: pending intents: %w", err)
	}
	intent, strategy, ok := PickIntent(intents, ev.Created, r.window)
	if !ok {
		return Resolution{}, false, nil
	}
	return Resolution{
		AccountID:  intent.AccountID,
		Strategy:   strategy,
		Confidence: BestEffort,
		IntentID:   intent.ID,
	}, true, nil
}

// PickIntent applies the correlation rule to recent pending intents: the
// single intent created within window of at, else the most recent one.
func PickIntent(intents []models.PendingTrialIntent, at time.Time, window time.Duration) (models.PendingTrialIntent, Strategy, bool) {
	var (
		latest   *models.PendingTrialIntent
		inWindow []models.PendingTrialIntent
	)
	for i := range intents {
		in := intents[i]
		if in.Status != models.IntentPending {
			continue
		}
		if latest == nil || in.CreatedAt.After(latest.CreatedAt) {
			latest = &intents[i]
		}
		if !at.IsZero() && absDuration(at.Sub(in.CreatedAt)) <= window {
			inWindow = append(inWindow, in)
		}
	}
	if len(inWindow) == 1 {
		return inWindow[0], StrategyIntentWindow, true
	}
	if latest == nil {
		return models.PendingTrialIntent{}, "", false
	}
	return *latest, StrategyIntentLatest, true
}

func (r *Resolver) getCustomer(ctx context.Context, p Provider, id string) (*stripeapi.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	return p.GetCustomer(ctx, id)
}

func (r *Resolver) getSubscription(ctx context.Context, p Provider, id string) (*stripeapi.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	return p.GetSubscription(ctx, id)
}

// AccountFromMetadata returns the first account id found in metadata.
func AccountFromMetadata(md map[string]string) string {
	for _, key := range MetadataKeys {
		if v := strings.TrimSpace(md[key]); v != "" {
			return v
		}
	}
	return ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
