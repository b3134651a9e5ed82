package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/psicoid/billing/pkg/billing"
	"github.com/psicoid/billing/pkg/subscription"
)

const healthTimeout = 2 * time.Second

// PortalRequest asks for a customer portal session.
type PortalRequest struct {
	ReturnURL string `json:"returnUrl" validate:"required,url"`
}

// PortalResponse carries the portal URL.
type PortalResponse struct {
	URL string `json:"url"`
}

// TransactionsResponse lists ledger entries, newest first.
type TransactionsResponse struct {
	Transactions []*subscription.Transaction `json:"transactions"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// bindAndValidate decodes the JSON body into req and runs struct validation.
func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return fmt.Errorf("%w: malformed request body", subscription.ErrValidation)
	}
	if err := c.Validate(req); err != nil {
		return fmt.Errorf("%w: %v", subscription.ErrValidation, err)
	}
	return nil
}

// StartCheckout handles POST /billing/checkout
func (h *Handler) StartCheckout(c echo.Context) error {
	var req billing.CheckoutRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	link, err := h.config.Service.StartCheckout(c.Request().Context(), callerFrom(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, link)
}

// StartPaymentCheckout handles POST /billing/payments/checkout
func (h *Handler) StartPaymentCheckout(c echo.Context) error {
	var req billing.PaymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	link, err := h.config.Service.StartPaymentCheckout(c.Request().Context(), callerFrom(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, link)
}

// OpenPortal handles POST /billing/portal
func (h *Handler) OpenPortal(c echo.Context) error {
	var req PortalRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	url, err := h.config.Service.OpenPortal(c.Request().Context(), callerFrom(c), req.ReturnURL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PortalResponse{URL: url})
}

// ConfirmCheckout handles GET /billing/checkout/confirm?session_id=
// It is the redirect target after a successful checkout and races the webhook.
func (h *Handler) ConfirmCheckout(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return fmt.Errorf("%w: session_id is required", subscription.ErrValidation)
	}
	sub, err := h.config.Service.ConfirmCheckout(c.Request().Context(), callerFrom(c), sessionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

// GetSubscription handles GET /billing/subscription
func (h *Handler) GetSubscription(c echo.Context) error {
	sub, err := h.config.Service.GetSubscription(c.Request().Context(), callerFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

// ListTransactions handles GET /billing/transactions?limit=
func (h *Handler) ListTransactions(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: limit must be a number", subscription.ErrValidation)
		}
		limit = n
	}
	txs, err := h.config.Service.ListTransactions(c.Request().Context(), callerFrom(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TransactionsResponse{Transactions: txs})
}

// GetEntitlement handles GET /billing/entitlement
func (h *Handler) GetEntitlement(c echo.Context) error {
	ent, err := h.config.Gate.Plan(c.Request().Context(), callerFrom(c).UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ent)
}

// CheckLimit handles GET /billing/entitlement/:resource?current=
// The plan limit middleware has already admitted the request.
func (h *Handler) CheckLimit(c echo.Context) error {
	return c.JSON(http.StatusOK, c.Get(entitlementKey))
}

// Health handles GET /healthz
func (h *Handler) Health(c echo.Context) error {
	if h.config.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		if err := h.config.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("health check failed")
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// currentFromQuery reads the caller-reported usage for the limit check route.
func currentFromQuery(c echo.Context, _, _ string) (int, error) {
	raw := c.QueryParam("current")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: current must be a non-negative number", subscription.ErrValidation)
	}
	return n, nil
}
