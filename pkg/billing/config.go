package billing

import (
	"time"

	"github.com/psicoid/billing/pkg/subscription"
)

// Config defines the dependencies of the reconciler and the billing service.
type Config struct {
	// Provider is the payment backend (verification, decoding and API calls).
	Provider Provider

	// Storage persists subscriptions and the transaction ledger.
	Storage subscription.Storage

	// PlanMapping maps provider price IDs to plan names.
	// For example: map[string]string{"price_1Pro": "pro", "price_1Basic": "basic"}
	// Reserved keys:
	//   - "*" or "default": plan used when a price is not mapped
	PlanMapping map[string]string

	// Currency is the ISO currency for one-off payment checkouts. Defaults to "brl".
	Currency string

	// Mailer sends the welcome email after a subscription is created.
	// If nil, no email is sent.
	Mailer Mailer

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger subscription.Logger

	// Metrics is an optional metrics collector for tracking billing operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// WebhookRateLimit is the number of webhook requests allowed per IP per
	// WebhookRateWindow. Defaults to 100 per minute.
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// TrustProxyHeaders keys the webhook limiter by the last X-Forwarded-For
	// hop instead of the connection address. Enable only behind a proxy.
	TrustProxyHeaders bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// NewID generates local identifiers. Defaults to random UUIDs.
	NewID func() string
}
