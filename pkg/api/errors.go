package api

import (
	"errors"
	"net/http"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"

	"github.com/psicoid/billing/pkg/billing"
	"github.com/psicoid/billing/pkg/entitlement"
	"github.com/psicoid/billing/pkg/subscription"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorKind struct {
	target  error
	status  int
	code    string
	message string // empty means the error text is returned
}

// Order matters: the first matching kind wins.
var errorKinds = []errorKind{
	{subscription.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", "authentication required"},
	{subscription.ErrSignatureInvalid, http.StatusUnauthorized, "auth_failed", ""},
	{subscription.ErrAuthorizationDenied, http.StatusForbidden, "forbidden", "access denied"},
	{entitlement.ErrLimitExceeded, http.StatusForbidden, "limit_exceeded", ""},
	{billing.ErrNoCustomer, http.StatusNotFound, "no_customer", ""},
	{subscription.ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{billing.ErrAlreadySubscribed, http.StatusConflict, "already_subscribed", ""},
	{subscription.ErrAlreadyExists, http.StatusConflict, "already_exists", ""},
	{subscription.ErrInconsistent, http.StatusConflict, "inconsistent_state", ""},
	{subscription.ErrValidation, http.StatusBadRequest, "invalid_request", ""},
	{subscription.ErrUpstreamUnavailable, http.StatusBadGateway, "upstream_unavailable", "payment provider unavailable"},
	{billing.ErrProviderNotConfigured, http.StatusServiceUnavailable, "not_configured", "billing is not configured"},
}

// classify maps an error to its HTTP status and response body.
// Unknown errors map to an opaque 500.
func classify(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorResponse{Error: codeForStatus(he.Code), Message: msg}
	}

	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			msg := k.message
			if msg == "" {
				msg = err.Error()
			}
			return k.status, ErrorResponse{Error: k.code, Message: msg}
		}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "internal server error"}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	if status >= http.StatusInternalServerError {
		return "internal_error"
	}
	return "error"
}

// handleError is installed as the echo HTTPErrorHandler.
func (h *Handler) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		rid, _ := c.Get(requestIDKey).(string)
		h.logger.Error().Err(err).
			Str("request_id", rid).
			Str("path", c.Request().URL.Path).
			Msg("request failed")
		if h.config.ReportErrors {
			if hub := sentryecho.GetHubFromContext(c); hub != nil {
				hub.CaptureException(err)
			}
		}
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		h.logger.Error().Err(writeErr).Msg("failed to write error response")
	}
}
