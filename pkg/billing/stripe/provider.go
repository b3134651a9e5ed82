package stripe

import (
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/psicoid/billing/pkg/billing"
)

const (
	providerName    = "stripe"
	signatureHeader = "Stripe-Signature"
)

// Config holds the Stripe credentials and optional instrumentation.
type Config struct {
	// APIKey is the secret key used for outbound API calls.
	APIKey string

	// WebhookSecret is the endpoint signing secret (whsec_...).
	WebhookSecret string

	// BaseURL overrides the Stripe API endpoint. Used by tests.
	BaseURL string

	// Metrics is an optional collector for API call metrics.
	Metrics billing.Metrics
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	*Verifier

	client  *stripe.Client
	metrics billing.Metrics
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a Stripe provider. Both the API key and the webhook
// secret are required.
func NewProvider(cfg Config) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	verifier, err := NewVerifier(cfg.WebhookSecret)
	if err != nil {
		return nil, err
	}

	var opts []stripe.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:               stripe.String(cfg.BaseURL),
			MaxNetworkRetries: stripe.Int64(0),
		})))
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		Verifier: verifier,
		client:   stripe.NewClient(apiKey, opts...),
		metrics:  metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// observe records the outcome and latency of one API call.
func (p *Provider) observe(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}
