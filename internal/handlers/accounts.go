package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v76"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/entitlement"
	"github.com/PortNumber53/entitlement-engine/backend/internal/ingest"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
	stripeclient "github.com/PortNumber53/entitlement-engine/backend/internal/stripe"
	"github.com/PortNumber53/entitlement-engine/backend/internal/subscription"
)

// AccountStore is the account persistence used by the account routes.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
	CreateIntent(ctx context.Context, in models.PendingTrialIntent) error
}

// Transitioner commits a state machine event for an account.
type Transitioner interface {
	Apply(ctx context.Context, c ingest.Change) (subscription.Transition, error)
}

// BillingProvider is the subset of the payment provider used by the account
// routes.
type BillingProvider interface {
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*stripeapi.Subscription, error)
	CreateCheckoutSession(ctx context.Context, req stripeclient.CheckoutRequest) (sessionID, sessionURL string, err error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// CheckoutConfig holds the checkout and portal settings.
type CheckoutConfig struct {
	Prices          plans.PriceTable
	TrialPeriodDays int64
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// AccountHandler serves the per-account billing routes.
type AccountHandler struct {
	Accounts AccountStore
	Applier  Transitioner
	// Provider is nil when no provider key is configured.
	Provider BillingProvider
	Checkout CheckoutConfig
	Locale   plans.Locale
	Now      func() time.Time
}

// RegisterRoutes registers the account routes on router.
func (h *AccountHandler) RegisterRoutes(router chi.Router) {
	router.Route("/api/accounts/{accountID}", func(r chi.Router) {
		r.Get("/entitlement", h.Entitlement())
		r.Post("/cancel", h.Cancel())
		r.Post("/checkout-intents", h.CreateCheckoutIntent())
		r.Post("/coupons", h.RedeemCoupon())
		r.Post("/billing-portal", h.BillingPortal())
	})
}

type entitlementResponse struct {
	Plan            plans.Code                `json:"plan"`
	PlanLabel       string                    `json:"planLabel"`
	Status          models.SubscriptionStatus `json:"status"`
	PeriodEndToShow *time.Time                `json:"periodEndToShow,omitempty"`
	SubscriptionRef string                    `json:"subscriptionRef,omitempty"`
	IsTrialActive   bool                      `json:"isTrialActive"`
	CanCancel       bool                      `json:"canCancel"`
	CancelScheduled bool                      `json:"cancelScheduled"`
}

// Entitlement returns what the account may use now. Read failures degrade
// to the free tier.
func (h *AccountHandler) Entitlement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")
		acct, err := h.Accounts.GetAccount(r.Context(), accountID)
		if err != nil {
			if !errors.Is(err, billing.ErrAccountNotFound) {
				log.Error().Err(err).Str("account_id", accountID).Msg("handlers: load account; answering free tier")
			}
			acct = models.NewAccount(accountID)
		}

		ent := entitlement.Resolve(acct, h.now())
		respondJSON(w, http.StatusOK, entitlementResponse{
			Plan:            ent.Plan,
			PlanLabel:       ent.Label(h.locale(r)),
			Status:          ent.Status,
			PeriodEndToShow: ent.PeriodEndToShow,
			SubscriptionRef: ent.SubscriptionRef,
			IsTrialActive:   ent.IsTrialActive,
			CanCancel:       ent.CanCancel,
			CancelScheduled: ent.CancelScheduled,
		})
	}
}

// Cancel cancels the account's subscription: immediately during a trial,
// at period end otherwise.
func (h *AccountHandler) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		accountID := chi.URLParam(r, "accountID")
		acct, err := h.Accounts.GetAccount(ctx, accountID)
		if errors.Is(err, billing.ErrAccountNotFound) {
			acct = models.NewAccount(accountID)
		} else if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("handlers: cancel: load account")
			respondServiceError(w, err)
			return
		}

		requested := h.now()
		immediate, err := subscription.CheckCancellation(acct, requested)
		if err != nil {
			respondServiceError(w, err)
			return
		}

		ev := subscription.Event{Kind: subscription.CancellationRequested, Occurred: requested}
		ref := acct.SubscriptionRef()
		if ref != "" {
			if h.Provider == nil {
				respondServiceError(w, billing.ErrProviderDisabled)
				return
			}
			sub, err := h.Provider.CancelSubscription(ctx, ref, !immediate)
			if err != nil {
				log.Error().Err(err).Str("account_id", accountID).Str("subscription_id", ref).Msg("handlers: cancel at provider")
				respondServiceError(w, err)
				return
			}
			if sub != nil && sub.CurrentPeriodEnd > 0 {
				end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
				ev.PeriodEnd = &end
			}
		}

		tr, err := h.Applier.Apply(ctx, ingest.Change{AccountID: accountID, Event: ev})
		if err != nil {
			l := log.Error().Err(err).Str("account_id", accountID)
			if ref != "" {
				// The provider already cancelled; its subscription webhook
				// settles the local state.
				l = l.Str("subscription_id", ref).Bool("provider_cancelled", true).Bool("immediate", immediate)
			}
			l.Msg("handlers: cancel: apply")
			respondServiceError(w, err)
			return
		}

		locale := h.locale(r)
		resp := map[string]any{"message": cancelMessage(immediate, locale)}
		if !immediate && tr.Account.CurrentPeriodEnd != nil {
			resp["periodEndToShow"] = tr.Account.CurrentPeriodEnd
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

type checkoutIntentRequest struct {
	Plan plans.Code `json:"plan"`
}

// CreateCheckoutIntent records a pending trial intent and opens a provider
// checkout session carrying the account reference.
func (h *AccountHandler) CreateCheckoutIntent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		accountID := chi.URLParam(r, "accountID")
		if h.Provider == nil {
			respondServiceError(w, billing.ErrProviderDisabled)
			return
		}

		var req checkoutIntentRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "invalid JSON payload")
				return
			}
		}
		if req.Plan == "" {
			req.Plan = plans.Default
		}
		priceID, ok := h.Checkout.Prices.PriceForPlan(req.Plan)
		if !ok {
			respondError(w, http.StatusBadRequest, "plan is not available for checkout")
			return
		}

		acct, err := h.Accounts.GetAccount(ctx, accountID)
		if errors.Is(err, billing.ErrAccountNotFound) {
			acct = models.NewAccount(accountID)
		} else if err != nil {
			respondServiceError(w, err)
			return
		}

		intent := models.PendingTrialIntent{
			ID:        uuid.NewString(),
			AccountID: accountID,
			PlanType:  req.Plan,
			Status:    models.IntentPending,
			CreatedAt: h.now(),
		}
		if err := h.Accounts.CreateIntent(ctx, intent); err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("handlers: create intent")
			respondServiceError(w, err)
			return
		}

		checkout := stripeclient.CheckoutRequest{
			AccountID:  accountID,
			IntentID:   intent.ID,
			PriceID:    priceID,
			SuccessURL: h.Checkout.SuccessURL,
			CancelURL:  h.Checkout.CancelURL,
		}
		if acct.StripeCustomerID != nil {
			checkout.CustomerID = *acct.StripeCustomerID
		}
		if !acct.HasUsedTrial {
			checkout.TrialDays = h.Checkout.TrialPeriodDays
		}

		_, url, err := h.Provider.CreateCheckoutSession(ctx, checkout)
		if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Str("intent_id", intent.ID).Msg("handlers: create checkout session")
			respondServiceError(w, err)
			return
		}
		log.Info().Str("account_id", accountID).Str("intent_id", intent.ID).Str("plan", string(req.Plan)).Msg("handlers: checkout started")
		respondJSON(w, http.StatusCreated, map[string]string{"intentId": intent.ID, "url": url})
	}
}

type couponRequest struct {
	Code string `json:"code"`
}

// RedeemCoupon applies a single-use crowdfunding coupon.
func (h *AccountHandler) RedeemCoupon() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")
		var req couponRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		code := strings.ToUpper(strings.TrimSpace(req.Code))
		if _, err := plans.ParseCoupon(code); err != nil {
			respondError(w, http.StatusBadRequest, "invalid coupon code")
			return
		}

		tr, err := h.Applier.Apply(r.Context(), ingest.Change{
			AccountID: accountID,
			Event: subscription.Event{
				Kind:       subscription.CouponRedeemed,
				Occurred:   h.now(),
				CouponCode: code,
			},
		})
		if err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("handlers: redeem coupon")
			respondServiceError(w, err)
			return
		}

		ent := entitlement.Resolve(tr.Account, h.now())
		respondJSON(w, http.StatusOK, map[string]any{
			"plan":            ent.Plan,
			"planLabel":       ent.Label(h.locale(r)),
			"status":          ent.Status,
			"periodEndToShow": ent.PeriodEndToShow,
		})
	}
}

// BillingPortal returns a provider portal URL for the account's customer.
func (h *AccountHandler) BillingPortal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		accountID := chi.URLParam(r, "accountID")
		if h.Provider == nil {
			respondServiceError(w, billing.ErrProviderDisabled)
			return
		}
		acct, err := h.Accounts.GetAccount(ctx, accountID)
		if err != nil && !errors.Is(err, billing.ErrAccountNotFound) {
			respondServiceError(w, err)
			return
		}
		if acct.StripeCustomerID == nil {
			respondError(w, http.StatusNotFound, "no billing customer for account")
			return
		}

		url, err := h.Provider.CreateBillingPortalSession(ctx, *acct.StripeCustomerID, h.Checkout.PortalReturnURL)
		if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("handlers: billing portal")
			respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

func (h *AccountHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// locale reads ?locale= then Accept-Language.
func (h *AccountHandler) locale(r *http.Request) plans.Locale {
	if raw := r.URL.Query().Get("locale"); raw != "" {
		return plans.ParseLocale(raw)
	}
	if raw := r.Header.Get("Accept-Language"); raw != "" {
		return plans.ParseLocale(strings.ToLower(strings.TrimSpace(raw)))
	}
	if h.Locale != "" {
		return h.Locale
	}
	return plans.DefaultLocale
}

var cancelMessages = map[plans.Locale][2]string{
	plans.Japanese: {"解約予約を受け付けました。期間終了までご利用いただけます。", "トライアルを解約しました。"},
	plans.English:  {"Your cancellation is scheduled. You keep access until the end of the period.", "Your trial has been cancelled."},
}

func cancelMessage(immediate bool, l plans.Locale) string {
	msgs, ok := cancelMessages[l]
	if !ok {
		msgs = cancelMessages[plans.DefaultLocale]
	}
	if immediate {
		return msgs[1]
	}
	return msgs[0]
}
