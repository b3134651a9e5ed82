package api

import (
	"errors"
	"net/http"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	limitmw "github.com/psicoid/billing/middleware/echo"
	"github.com/psicoid/billing/pkg/subscription"
)

const entitlementKey = limitmw.EntitlementKey

// maxBodySize caps JSON request bodies. The webhook route applies its own cap.
const maxBodySize = "64K"

// requestValidator adapts validator/v10 to echo.Validator.
type requestValidator struct {
	validator *validator.Validate
}

// Validate validates a struct
func (v *requestValidator) Validate(i interface{}) error {
	return v.validator.Struct(i)
}

// NewEcho builds the echo instance with middleware and every billing route.
func NewEcho(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.handleError
	e.Validator = &requestValidator{validator: validator.New(validator.WithRequiredStructEnabled())}

	e.Use(Recovery(h.logger))
	if h.config.ReportErrors {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}
	e.Use(RequestID())
	e.Use(Logger(h.logger))

	h.Register(e)
	return e
}

// Register mounts the billing routes on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	if h.config.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(h.config.MetricsHandler))
	}

	// Authenticated by signature, not by bearer token.
	e.POST("/webhooks/stripe", echo.WrapHandler(h.config.Service.Reconciler().WebhookHandler()))

	g := e.Group("/billing", Authenticate(h.config.Tokens), echomw.BodyLimit(maxBodySize))
	g.POST("/checkout", h.StartCheckout)
	g.GET("/checkout/confirm", h.ConfirmCheckout)
	g.POST("/payments/checkout", h.StartPaymentCheckout)
	g.POST("/portal", h.OpenPortal)
	g.GET("/subscription", h.GetSubscription)
	g.GET("/transactions", h.ListTransactions)
	g.GET("/entitlement", h.GetEntitlement)
	g.GET("/entitlement/:resource", h.CheckLimit, limitmw.Limit(limitmw.Config{
		Gate:        h.config.Gate,
		GetUserID:   limitmw.FromCaller(CallerKey),
		GetResource: limitmw.FromParam("resource"),
		CountUsage:  currentFromQuery,
		OnError:     h.limitError,
	}))
}

// limitError keeps validation failures of the limit check distinguishable from
// gate failures, which always deny.
func (h *Handler) limitError(c echo.Context, err error) error {
	if errors.Is(err, subscription.ErrValidation) {
		return err
	}
	h.logger.Error().Err(err).Msg("entitlement check failed")
	return c.JSON(http.StatusForbidden, ErrorResponse{Error: "forbidden", Message: "unable to verify plan"})
}
