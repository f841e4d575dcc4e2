package billing

import (
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Verifier checks the Stripe-Signature header of webhook deliveries.
type Verifier struct {
	secret string
}

func NewVerifier(endpointSecret string) *Verifier {
	return &Verifier{secret: endpointSecret}
}

// Verify checks the signature and timestamp tolerance of payload and decodes
// the event. The event's API version is not required to match the SDK's.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("verify webhook: %w", err)
	}
	return event, nil
}
