package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - a nil Metrics in Config is replaced by NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// status: "success" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook failure by kind
	// (e.g., "auth_failed", "invalid_payload", "inconsistent_state", "processing_error").
	RecordWebhookError(provider, errorType string)

	// RecordStatusTransition records a subscription status change.
	RecordStatusTransition(provider, fromStatus, toStatus string)

	// RecordSubscriptionCreated records a subscription created from a checkout.
	RecordSubscriptionCreated(provider, plan string)

	// RecordTransactionAppended records a ledger append.
	// result: "created" or "duplicate"
	RecordTransactionAppended(provider, result string)

	// RecordAPICall records an API call to the provider.
	// endpoint: The API endpoint called (e.g., "/checkout/sessions")
	// status: "success", "error" or a short reason
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// SetStaleRenewals reports how many entitling subscriptions have a renewal
	// date in the past.
	SetStaleRenewals(count int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordStatusTransition(_, _, _ string)                        {}
func (n *NoopMetrics) RecordSubscriptionCreated(_, _ string)                        {}
func (n *NoopMetrics) RecordTransactionAppended(_, _ string)                        {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) SetStaleRenewals(_ int)                                       {}
