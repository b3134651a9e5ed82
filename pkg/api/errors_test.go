package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/psicoid/billing/pkg/billing"
	"github.com/psicoid/billing/pkg/entitlement"
	"github.com/psicoid/billing/pkg/subscription"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unauthenticated", fmt.Errorf("%w: missing caller", subscription.ErrUnauthenticated), http.StatusUnauthorized, "unauthenticated"},
		{"signature", billing.ErrMissingSignature, http.StatusUnauthorized, "auth_failed"},
		{"denied", subscription.ErrAuthorizationDenied, http.StatusForbidden, "forbidden"},
		{"limit", fmt.Errorf("%w: free allows 5 patients", entitlement.ErrLimitExceeded), http.StatusForbidden, "limit_exceeded"},
		{"no customer", billing.ErrNoCustomer, http.StatusNotFound, "no_customer"},
		{"not found", subscription.ErrNotFound, http.StatusNotFound, "not_found"},
		{"already subscribed", billing.ErrAlreadySubscribed, http.StatusConflict, "already_subscribed"},
		{"duplicate", subscription.ErrAlreadyExists, http.StatusConflict, "already_exists"},
		{"inconsistent", subscription.ErrInconsistent, http.StatusConflict, "inconsistent_state"},
		{"plan not configured", billing.ErrPlanNotConfigured, http.StatusBadRequest, "invalid_request"},
		{"upstream", fmt.Errorf("%w: checkout session", subscription.ErrUpstreamUnavailable), http.StatusBadGateway, "upstream_unavailable"},
		{"not configured", billing.ErrProviderNotConfigured, http.StatusServiceUnavailable, "not_configured"},
		{"echo error", echo.NewHTTPError(http.StatusMethodNotAllowed, "Method Not Allowed"), http.StatusMethodNotAllowed, "method_not_allowed"},
		{"unknown", errors.New("pq: connection reset"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Error)
		})
	}
}

func TestClassify_OpaqueMessages(t *testing.T) {
	_, body := classify(errors.New("dial tcp 10.0.0.3:5432: connection refused"))
	assert.Equal(t, "internal server error", body.Message)

	_, body = classify(fmt.Errorf("%w: stripe: 500 from api.stripe.com", subscription.ErrUpstreamUnavailable))
	assert.Equal(t, "payment provider unavailable", body.Message)
}
