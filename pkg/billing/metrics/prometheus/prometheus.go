package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/psicoid/billing/pkg/billing"
)

// Metrics implements billing.Metrics and entitlement.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	statusTransitionsTotal    *prometheus.CounterVec
	subscriptionsCreatedTotal *prometheus.CounterVec
	transactionsTotal         *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
	staleRenewals             prometheus.Gauge
	entitlementChecksTotal    *prometheus.CounterVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from the payment provider.",
		}, []string{"provider", "event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Total number of rejected or failed webhook deliveries.",
		}, []string{"provider", "error_type"}),

		statusTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "subscription_status_transitions_total",
			Help:      "Total number of subscription status changes.",
		}, []string{"provider", "from_status", "to_status"}),

		subscriptionsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "subscriptions_created_total",
			Help:      "Total number of subscriptions created from checkouts.",
		}, []string{"provider", "plan"}),

		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "transactions_total",
			Help:      "Total number of ledger appends by result.",
		}, []string{"provider", "result"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_calls_total",
			Help:      "Total number of API calls to the payment provider.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to the payment provider in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),

		staleRenewals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "stale_renewals",
			Help:      "Entitling subscriptions whose renewal date has passed.",
		}),

		entitlementChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "checks_total",
			Help:      "Total number of entitlement checks by plan, resource and outcome.",
		}, []string{"plan", "resource", "allowed"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordStatusTransition(provider, fromStatus, toStatus string) {
	m.statusTransitionsTotal.WithLabelValues(provider, fromStatus, toStatus).Inc()
}

func (m *Metrics) RecordSubscriptionCreated(provider, plan string) {
	m.subscriptionsCreatedTotal.WithLabelValues(provider, plan).Inc()
}

func (m *Metrics) RecordTransactionAppended(provider, result string) {
	m.transactionsTotal.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) SetStaleRenewals(count int) {
	m.staleRenewals.Set(float64(count))
}

func (m *Metrics) RecordEntitlementCheck(plan, resource string, allowed bool) {
	m.entitlementChecksTotal.WithLabelValues(plan, resource, strconv.FormatBool(allowed)).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
