// Package echo provides Echo middleware for plan limit enforcement
package echo

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/psicoid/billing/pkg/auth"
	"github.com/psicoid/billing/pkg/entitlement"
	"github.com/psicoid/billing/pkg/subscription"
)

// EntitlementKey is the echo context key the resolved entitlement is stored under.
const EntitlementKey = "entitlement"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// ResourceExtractor extracts the resource name from an Echo context
// For example: "patients", "ai_requests", "events"
type ResourceExtractor func(c echo.Context) string

// UsageCounter returns how many units of resource the user already holds.
type UsageCounter func(c echo.Context, userID, resource string) (int, error)

// Config holds middleware configuration
type Config struct {
	// Gate is the entitlement gate (required)
	Gate *entitlement.Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetResource extracts resource name from context (required)
	GetResource ResourceExtractor

	// CountUsage returns current usage (required)
	CountUsage UsageCounter

	// OnLimitExceeded is called when the plan ceiling is reached
	// If nil, returns 403 JSON with plan and limit
	OnLimitExceeded func(c echo.Context, ent *entitlement.Entitlement, resource string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the plan or usage cannot be determined.
	// The request is never let through in that case.
	// If nil, returns 403 Forbidden
	OnError func(c echo.Context, err error) error
}

// Limit creates an Echo middleware that denies creation once the user's plan
// limit for a resource is reached.
func Limit(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("entitlement/echo: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlement/echo: Config.GetUserID is required")
	}
	if cfg.GetResource == nil {
		panic("entitlement/echo: Config.GetResource is required")
	}
	if cfg.CountUsage == nil {
		panic("entitlement/echo: Config.CountUsage is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			resource := cfg.GetResource(c)
			current, err := cfg.CountUsage(c, userID, resource)
			if err != nil {
				return deny(c, cfg, fmt.Errorf("count usage: %w", err))
			}

			ent, err := cfg.Gate.Check(c.Request().Context(), userID, resource, current)
			switch {
			case errors.Is(err, entitlement.ErrLimitExceeded):
				if cfg.OnLimitExceeded != nil {
					return cfg.OnLimitExceeded(c, ent, resource)
				}
				return defaultLimitExceeded(c, ent, resource)
			case errors.Is(err, subscription.ErrUnauthenticated):
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			case err != nil:
				return deny(c, cfg, err)
			}

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

func deny(c echo.Context, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return defaultError(c, err)
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultLimitExceeded(c echo.Context, ent *entitlement.Entitlement, resource string) error {
	return c.JSON(http.StatusForbidden, map[string]interface{}{
		"error":    "Plan limit reached",
		"plan":     ent.Plan,
		"resource": resource,
		"limit":    ent.Limit(resource),
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusForbidden, map[string]string{"error": "Unable to verify plan"})
}

// Convenience extractors for User ID

// FromCaller returns a UserIDExtractor reading the auth.Caller stored under key
// by the authentication middleware.
func FromCaller(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if caller, ok := c.Get(key).(auth.Caller); ok {
			return caller.UserID
		}
		return ""
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for Resource

// FixedResource returns a ResourceExtractor that always returns a fixed resource name
func FixedResource(resource string) ResourceExtractor {
	return func(echo.Context) string {
		return resource
	}
}

// FromParam returns a ResourceExtractor that reads the resource from a route parameter
func FromParam(paramName string) ResourceExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
