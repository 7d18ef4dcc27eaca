// Package stripe talks to the payment provider through stripe-go.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
)

const defaultTimeout = 10 * time.Second

// Client wraps the Stripe API calls the engine needs.
type Client struct {
	api *client.API
}

// Option customises a Client.
type Option func(*stripeapi.BackendConfig)

// WithBaseURL points the client at a different API host. Used by tests.
func WithBaseURL(u string) Option {
	return func(cfg *stripeapi.BackendConfig) {
		cfg.URL = stripeapi.String(u)
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(cfg *stripeapi.BackendConfig) {
		cfg.HTTPClient = hc
	}
}

// NewClient creates a new Stripe API client. It returns nil when secretKey
// is empty so callers can treat the provider as unconfigured.
func NewClient(secretKey string, opts ...Option) *Client {
	if secretKey == "" {
		return nil
	}
	cfg := &stripeapi.BackendConfig{
		HTTPClient:        &http.Client{Timeout: defaultTimeout},
		MaxNetworkRetries: stripeapi.Int64(1),
		LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelError},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	backends := &stripeapi.Backends{
		API:     stripeapi.GetBackendWithConfig(stripeapi.APIBackend, cfg),
		Connect: stripeapi.GetBackendWithConfig(stripeapi.ConnectBackend, cfg),
		Uploads: stripeapi.GetBackendWithConfig(stripeapi.UploadsBackend, cfg),
	}
	return &Client{api: client.New(secretKey, backends)}
}

// GetCustomer fetches a customer. A missing customer yields nil, nil.
func (c *Client) GetCustomer(ctx context.Context, id string) (*stripeapi.Customer, error) {
	params := &stripeapi.CustomerParams{}
	params.Context = ctx
	cus, err := c.api.Customers.Get(id, params)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify("get customer", err)
	}
	return cus, nil
}

// GetSubscription fetches a subscription. A missing subscription yields nil, nil.
func (c *Client) GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify("get subscription", err)
	}
	return sub, nil
}

// CancelSubscription cancels a subscription immediately or at the end of the
// current billing period.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*stripeapi.Subscription, error) {
	if atPeriodEnd {
		params := &stripeapi.SubscriptionParams{CancelAtPeriodEnd: stripeapi.Bool(true)}
		params.Context = ctx
		sub, err := c.api.Subscriptions.Update(subscriptionID, params)
		if err != nil {
			return nil, classify("cancel subscription at period end", err)
		}
		return sub, nil
	}

	params := &stripeapi.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return nil, classify("cancel subscription", err)
	}
	return sub, nil
}

// CheckoutRequest describes a subscription checkout.
type CheckoutRequest struct {
	AccountID  string
	IntentID   string
	PriceID    string
	CustomerID string
	// TrialDays is omitted when zero.
	TrialDays  int64
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession creates a Checkout session for a subscription. The
// account id travels as client_reference_id and in metadata so the webhook
// can attribute the completion.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (sessionID, sessionURL string, err error) {
	md := map[string]string{"userId": req.AccountID}
	if req.IntentID != "" {
		md["intentId"] = req.IntentID
	}

	params := &stripeapi.CheckoutSessionParams{
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripeapi.String(req.AccountID),
		SuccessURL:        stripeapi.String(req.SuccessURL),
		CancelURL:         stripeapi.String(req.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{Price: stripeapi.String(req.PriceID), Quantity: stripeapi.Int64(1)},
		},
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: md,
		},
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripeapi.Int64(req.TrialDays)
	}
	if req.CustomerID != "" {
		params.Customer = stripeapi.String(req.CustomerID)
	}
	for k, v := range md {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", "", classify("create checkout session", err)
	}
	if sess.ID == "" {
		return "", "", fmt.Errorf("create checkout session: missing session ID in response")
	}
	return sess.ID, sess.URL, nil
}

// CreateBillingPortalSession returns the URL of a customer portal session.
func (c *Client) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripeapi.BillingPortalSessionParams{
		Customer:  stripeapi.String(customerID),
		ReturnURL: stripeapi.String(returnURL),
	}
	params.Context = ctx
	sess, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", classify("create billing portal session", err)
	}
	return sess.URL, nil
}

func isNotFound(err error) bool {
	var se *stripeapi.Error
	return errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound
}

// classify marks network failures, rate limits and 5xx answers as transient.
// Other 4xx answers are returned as is.
func classify(op string, err error) error {
	var se *stripeapi.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 &&
		se.HTTPStatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, billing.ErrTransientProvider, err)
}
