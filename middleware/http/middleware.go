// Package http provides net/http middleware for plan limit enforcement
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/psicoid/billing/pkg/entitlement"
	"github.com/psicoid/billing/pkg/subscription"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// ResourceExtractor extracts the resource name from an HTTP request
type ResourceExtractor func(r *http.Request) string

// UsageCounter returns how many units of resource the user already holds.
type UsageCounter func(r *http.Request, userID, resource string) (int, error)

// Config holds middleware configuration
type Config struct {
	// Gate is the entitlement gate (required)
	Gate *entitlement.Gate

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetResource extracts resource name from request (required)
	GetResource ResourceExtractor

	// CountUsage returns current usage (required)
	CountUsage UsageCounter

	// OnLimitExceeded is called when the plan ceiling is reached
	// If nil, returns 403 JSON with plan and limit
	OnLimitExceeded func(w http.ResponseWriter, r *http.Request, ent *entitlement.Entitlement, resource string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the plan or usage cannot be determined.
	// If nil, returns 403 Forbidden
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type entitlementKey struct{}

// Middleware creates an HTTP middleware that denies the request once the
// user's plan limit for the resource is reached. Lookup failures deny.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil || config.GetUserID == nil || config.GetResource == nil || config.CountUsage == nil {
		panic("entitlement/http: Gate, GetUserID, GetResource and CountUsage are required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				unauthorized(w, r, config)
				return
			}

			resource := config.GetResource(r)
			current, err := config.CountUsage(r, userID, resource)
			if err != nil {
				fail(w, r, config, err)
				return
			}

			ent, err := config.Gate.Check(r.Context(), userID, resource, current)
			switch {
			case errors.Is(err, entitlement.ErrLimitExceeded):
				if config.OnLimitExceeded != nil {
					config.OnLimitExceeded(w, r, ent, resource)
					return
				}
				writeJSON(w, http.StatusForbidden, map[string]interface{}{
					"error":    "Plan limit reached",
					"plan":     ent.Plan,
					"resource": resource,
					"limit":    ent.Limit(resource),
				})
				return
			case errors.Is(err, subscription.ErrUnauthenticated):
				unauthorized(w, r, config)
				return
			case err != nil:
				fail(w, r, config, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), entitlementKey{}, ent)))
		})
	}
}

// HandlerFunc is the HandlerFunc version of Middleware.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// EntitlementFromContext returns the entitlement resolved by Middleware.
func EntitlementFromContext(ctx context.Context) (*entitlement.Entitlement, bool) {
	ent, ok := ctx.Value(entitlementKey{}).(*entitlement.Entitlement)
	return ent, ok
}

func unauthorized(w http.ResponseWriter, r *http.Request, config Config) {
	if config.OnUnauthorized != nil {
		config.OnUnauthorized(w, r)
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func fail(w http.ResponseWriter, r *http.Request, config Config, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	http.Error(w, "Unable to verify plan", http.StatusForbidden)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billing:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedResource returns a ResourceExtractor that always returns a fixed resource name
func FixedResource(resource string) ResourceExtractor {
	return func(r *http.Request) string {
		return resource
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
