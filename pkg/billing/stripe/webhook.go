package stripe

import (
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/psicoid/billing/pkg/billing"
)

// Verifier authenticates Stripe webhook deliveries and decodes their data.
// It makes no network calls.
type Verifier struct {
	secret string
}

// NewVerifier creates a verifier for an endpoint signing secret.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	return &Verifier{secret: secret}, nil
}

// Name returns the provider name
func (v *Verifier) Name() string {
	return providerName
}

// SignatureHeader returns the header Stripe signs deliveries with.
func (v *Verifier) SignatureHeader() string {
	return signatureHeader
}

// VerifyEvent checks the Stripe-Signature header against the raw payload
// (including the timestamp tolerance) and returns the event envelope.
func (v *Verifier) VerifyEvent(payload []byte, signature string) (*billing.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, err
	}

	out := &billing.Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		out.Data = event.Data.Raw
	}
	return out, nil
}
