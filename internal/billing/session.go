package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	"github.com/stripe/stripe-go/v76/subscription"
)

// ErrNoSubscription is returned when an address has no active subscription.
var ErrNoSubscription = errors.New("no active subscription")

// StripeClient talks to the Stripe API for subscriptions and portal sessions.
type StripeClient struct {
	subs   *subscription.Client
	portal *portalsession.Client
}

// NewStripeClient builds a client on backend; pass
// stripe.GetBackend(stripe.APIBackend) in production.
func NewStripeClient(key string, backend stripe.Backend) *StripeClient {
	return &StripeClient{
		subs:   &subscription.Client{B: backend, Key: key},
		portal: &portalsession.Client{B: backend, Key: key},
	}
}

// TagSubscription stores the subscriber address on the subscription so the
// deletion event can be mapped back to it.
func (s *StripeClient) TagSubscription(ctx context.Context, subscriptionID, clientReference string) error {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddMetadata(ClientReferenceKey, clientReference)
	if _, err := s.subs.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// PortalURL creates a customer portal session for the active subscription
// tagged with clientReference and returns its URL.
func (s *StripeClient) PortalURL(ctx context.Context, clientReference, returnURL string) (string, error) {
	query := fmt.Sprintf(`status:"active" AND metadata["%s"]:"%s"`, ClientReferenceKey, clientReference)
	iter := s.subs.Search(&stripe.SubscriptionSearchParams{
		SearchParams: stripe.SearchParams{Query: query, Context: ctx},
	})

	var sub *stripe.Subscription
	if iter.Next() {
		sub = iter.Subscription()
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("search subscriptions: %w", err)
	}
	if sub == nil || sub.Customer == nil || sub.Customer.ID == "" {
		return "", ErrNoSubscription
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.Customer.ID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	ps, err := s.portal.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return ps.URL, nil
}
