package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psicoid/billing/pkg/auth"
	"github.com/psicoid/billing/pkg/entitlement"
	"github.com/psicoid/billing/pkg/subscription"
	"github.com/psicoid/billing/storage/memory"
	"github.com/psicoid/billing/storage/storagetest"
)

type brokenReader struct{}

func (brokenReader) GetSubscriptionByUserID(context.Context, string) (*subscription.Subscription, error) {
	return nil, errors.New("connection refused")
}

func newGate(t *testing.T, reader entitlement.Reader) *entitlement.Gate {
	t.Helper()
	g, err := entitlement.NewGate(entitlement.Config{Storage: reader})
	require.NoError(t, err)
	return g
}

func fixedUsage(n int) UsageCounter {
	return func(echo.Context, string, string) (int, error) { return n, nil }
}

func serve(t *testing.T, cfg Config, userID string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID != "" {
				c.Set("caller", auth.Caller{UserID: userID})
			}
			return next(c)
		}
	})
	e.Use(Limit(cfg))
	e.POST("/patients", func(c echo.Context) error {
		ent, _ := c.Get(EntitlementKey).(*entitlement.Entitlement)
		return c.String(http.StatusCreated, ent.Plan)
	})

	req := httptest.NewRequest(http.MethodPost, "/patients", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLimit_Allows(t *testing.T) {
	rec := serve(t, Config{
		Gate:        newGate(t, memory.New()),
		GetUserID:   FromCaller("caller"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(2),
	}, "user_1")

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, entitlement.FreePlan, rec.Body.String())
}

func TestLimit_DeniesAtCeiling(t *testing.T) {
	rec := serve(t, Config{
		Gate:        newGate(t, memory.New()),
		GetUserID:   FromCaller("caller"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(5),
	}, "user_1")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Plan limit reached")
}

func TestLimit_ProPlan(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.CreateSubscription(context.Background(), storagetest.NewSubscription("user_1", "sub_1")))

	rec := serve(t, Config{
		Gate:        newGate(t, store),
		GetUserID:   FromCaller("caller"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(500),
	}, "user_1")

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "pro", rec.Body.String())
}

func TestLimit_Unauthenticated(t *testing.T) {
	rec := serve(t, Config{
		Gate:        newGate(t, memory.New()),
		GetUserID:   FromCaller("caller"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(0),
	}, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLimit_GateErrorDenies(t *testing.T) {
	rec := serve(t, Config{
		Gate:        newGate(t, brokenReader{}),
		GetUserID:   FromCaller("caller"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(0),
	}, "user_1")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unable to verify plan")
}

func TestLimit_UsageErrorDenies(t *testing.T) {
	var handled error
	rec := serve(t, Config{
		Gate:        newGate(t, memory.New()),
		GetUserID:   FromCaller("caller"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage: func(echo.Context, string, string) (int, error) {
			return 0, errors.New("count failed")
		},
		OnError: func(c echo.Context, err error) error {
			handled = err
			return c.NoContent(http.StatusServiceUnavailable)
		},
	}, "user_1")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.ErrorContains(t, handled, "count failed")
}

func TestLimit_PanicsWithoutGate(t *testing.T) {
	assert.Panics(t, func() { Limit(Config{}) })
}
