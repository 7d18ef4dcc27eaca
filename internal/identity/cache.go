package identity

import (
	"context"
	"sync"

	stripeapi "github.com/stripe/stripe-go/v76"
)

// RequestCache memoizes provider lookups for the lifetime of one request.
// It must not be shared across requests.
type RequestCache struct {
	provider Provider

	mu            sync.Mutex
	customers     map[string]*stripeapi.Customer
	subscriptions map[string]*stripeapi.Subscription
}

// NewRequestCache wraps p. It returns a nil Provider when p is nil so the
// result can be passed straight to Resolve.
func NewRequestCache(p Provider) Provider {
	if p == nil {
		return nil
	}
	return &RequestCache{
		provider:      p,
		customers:     make(map[string]*stripeapi.Customer),
		subscriptions: make(map[string]*stripeapi.Subscription),
	}
}

// GetCustomer returns the cached customer or fetches it. Errors are not cached.
func (c *RequestCache) GetCustomer(ctx context.Context, id string) (*stripeapi.Customer, error) {
	c.mu.Lock()
	cus, ok := c.customers[id]
	c.mu.Unlock()
	if ok {
		return cus, nil
	}

	cus, err := c.provider.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.customers[id] = cus
	c.mu.Unlock()
	return cus, nil
}

// GetSubscription returns the cached subscription or fetches it.
func (c *RequestCache) GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	c.mu.Lock()
	sub, ok := c.subscriptions[id]
	c.mu.Unlock()
	if ok {
		return sub, nil
	}

	sub, err := c.provider.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subscriptions[id] = sub
	c.mu.Unlock()
	return sub, nil
}
