// Package api exposes the billing service over HTTP with echo.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/psicoid/billing/pkg/auth"
	"github.com/psicoid/billing/pkg/billing"
	"github.com/psicoid/billing/pkg/entitlement"
)

// CallerKey is the echo context key the authenticated caller is stored under.
const CallerKey = "caller"

// Config holds configuration for the billing API
type Config struct {
	// Service is the caller-facing billing service (required)
	Service *billing.Service

	// Gate resolves plans and limits (required)
	Gate *entitlement.Gate

	// Tokens verifies bearer tokens (required)
	Tokens *auth.TokenVerifier

	// Logger receives request and error logs
	Logger zerolog.Logger

	// MetricsHandler is mounted at GET /metrics when set
	MetricsHandler http.Handler

	// Ping reports storage health for GET /healthz. If nil, healthz always succeeds.
	Ping func(ctx context.Context) error

	// ReportErrors enables sentry capture of unexpected errors
	ReportErrors bool
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	if c.Tokens == nil {
		return fmt.Errorf("token verifier is required")
	}
	return nil
}

// Handler serves the billing routes.
type Handler struct {
	config Config
	logger zerolog.Logger
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{config: config, logger: config.Logger}, nil
}
