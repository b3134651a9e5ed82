package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/psicoid/billing/pkg/billing/internal"
	"github.com/psicoid/billing/pkg/subscription"
)

// maxWebhookBody caps webhook payloads at 256KB.
const maxWebhookBody = 256 * 1024

type webhookResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleWebhook processes incoming provider webhook deliveries.
//
// Responses: 200 applied or ignored, 401 signature failure, 400 malformed
// payload, 409 update for a subscription not yet created (the provider
// redelivers), 502 provider lookup failure, 500 anything else.
func (r *Reconciler) handleWebhook(w http.ResponseWriter, req *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)
	providerName := r.provider.Name()

	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-req.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, req, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			r.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload: "+err.Error(), http.StatusBadRequest)
			r.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := r.HandleWebhook(req.Context(), body, req.Header.Get(r.provider.SignatureHeader()))

	eventType := "UNKNOWN"
	if event != nil && event.Type != "" {
		eventType = event.Type
	}

	if err != nil {
		status, kind := classifyWebhookError(err)
		message := err.Error()
		switch {
		case status == http.StatusBadGateway:
			message = "payment provider unavailable"
		case status >= http.StatusInternalServerError:
			message = "failed to process webhook"
		}

		r.metrics.RecordWebhookError(providerName, kind)
		if event != nil {
			r.metrics.RecordWebhookEvent(providerName, eventType, "error")
			r.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		}

		fields := []subscription.Field{
			subscription.F("event_type", eventType),
			subscription.F("status", status),
			subscription.F("error", err),
		}
		if event != nil {
			fields = append(fields, subscription.F("event_id", event.ID))
		}
		if status >= http.StatusInternalServerError {
			r.logger.Error("webhook processing failed", fields...)
		} else {
			r.logger.Warn("webhook rejected", fields...)
		}

		_ = internal.WriteJSON(w, status, webhookResponse{Error: kind, Message: message})
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	r.metrics.RecordWebhookEvent(providerName, eventType, "success")
	r.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// classifyWebhookError maps an error to a status code and a metric label.
func classifyWebhookError(err error) (int, string) {
	switch {
	case errors.Is(err, subscription.ErrSignatureInvalid):
		return http.StatusUnauthorized, "auth_failed"
	case errors.Is(err, subscription.ErrInconsistent):
		return http.StatusConflict, "inconsistent_state"
	case errors.Is(err, subscription.ErrValidation):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, subscription.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, subscription.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	default:
		return http.StatusInternalServerError, "processing_error"
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Cache-Control", "no-store")
}
