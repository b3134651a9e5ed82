package api

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/psicoid/billing/pkg/auth"
	"github.com/psicoid/billing/pkg/subscription"
)

const (
	headerRequestID = "X-Request-ID"
	requestIDKey    = "request_id"
	maxRequestIDLen = 128
)

// RequestID propagates an incoming X-Request-ID or assigns a new one.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(headerRequestID)
			if rid == "" || len(rid) > maxRequestIDLen {
				rid = uuid.NewString()
			}
			c.Set(requestIDKey, rid)
			c.Response().Header().Set(headerRequestID, rid)
			return next(c)
		}
	}
}

// Logger logs one line per request.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get(requestIDKey).(string)

			err := next(c)
			if err != nil {
				// resolve the status before logging it
				c.Error(err)
			}

			evt := logger.Info()
			if c.Response().Status >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			if err != nil {
				evt = evt.Err(err)
			}
			if caller, ok := c.Get(CallerKey).(auth.Caller); ok {
				evt = evt.Str("user_id", caller.UserID)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}

// Recovery converts panics into 500 responses.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)

					logger.Error().
						Str("request_id", fmt.Sprintf("%v", c.Get(requestIDKey))).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")

					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// Authenticate validates the bearer token and stores the caller under CallerKey.
func Authenticate(tokens *auth.TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return fmt.Errorf("%w: missing authorization header", subscription.ErrUnauthenticated)
			}
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				return fmt.Errorf("%w: invalid authorization format", subscription.ErrUnauthenticated)
			}

			caller, err := tokens.Parse(strings.TrimSpace(token))
			if err != nil {
				return err
			}
			c.Set(CallerKey, caller)
			return next(c)
		}
	}
}

// callerFrom returns the caller set by Authenticate. Handlers pass it
// explicitly to the service, which rejects the zero value.
func callerFrom(c echo.Context) auth.Caller {
	caller, _ := c.Get(CallerKey).(auth.Caller)
	return caller
}
