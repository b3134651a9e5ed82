package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psicoid/billing/pkg/entitlement"
	"github.com/psicoid/billing/pkg/subscription"
	"github.com/psicoid/billing/storage/memory"
)

type brokenStore struct{}

func (brokenStore) GetSubscriptionByUserID(context.Context, string) (*subscription.Subscription, error) {
	return nil, errors.New("connection refused")
}

func setupGate(t *testing.T, reader entitlement.Reader) *entitlement.Gate {
	t.Helper()
	gate, err := entitlement.NewGate(entitlement.Config{Storage: reader})
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	return gate
}

func seedPlan(t *testing.T, store *memory.Storage, userID, plan string, status subscription.Status) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateSubscription(context.Background(), &subscription.Subscription{
		ID:             "id_" + userID,
		UserID:         userID,
		SubscriptionID: "sub_" + userID,
		Status:         status,
		Plan:           plan,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
}

func fixedUsage(n int) UsageCounter {
	return func(*http.Request, string, string) (int, error) { return n, nil }
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := EntitlementFromContext(r.Context()); !ok {
			t.Error("expected entitlement in request context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/patients", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_AllowsUnderLimit(t *testing.T) {
	mw := Middleware(Config{
		Gate:        setupGate(t, memory.New()),
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(4),
	})

	rec := serve(mw(okHandler(t)), "user1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
}

func TestMiddleware_DeniesAtLimit(t *testing.T) {
	mw := Middleware(Config{
		Gate:        setupGate(t, memory.New()),
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(5),
	})

	rec := serve(mw(okHandler(t)), "user1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"plan":"free"`) {
		t.Errorf("Expected free plan in body, got %s", rec.Body.String())
	}
}

func TestMiddleware_PaidPlanUnlimited(t *testing.T) {
	store := memory.New()
	seedPlan(t, store, "user1", "pro", subscription.StatusActive)

	mw := Middleware(Config{
		Gate:        setupGate(t, store),
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(5000),
	})

	rec := serve(mw(okHandler(t)), "user1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
}

func TestMiddleware_CanceledPlanFallsBackToFree(t *testing.T) {
	store := memory.New()
	seedPlan(t, store, "user1", "pro", subscription.StatusCanceled)

	mw := Middleware(Config{
		Gate:        setupGate(t, store),
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(5),
	})

	rec := serve(mw(okHandler(t)), "user1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	called := false
	mw := Middleware(Config{
		Gate:        setupGate(t, memory.New()),
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(0),
		OnUnauthorized: func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusUnauthorized)
		},
	})

	rec := serve(mw(okHandler(t)), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", rec.Code)
	}
	if !called {
		t.Error("Expected OnUnauthorized to be called")
	}
}

func TestMiddleware_StoreErrorDenies(t *testing.T) {
	var gotErr error
	mw := Middleware(Config{
		Gate:        setupGate(t, brokenStore{}),
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage:  fixedUsage(0),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusForbidden)
		},
	})

	rec := serve(mw(okHandler(t)), "user1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if gotErr == nil {
		t.Error("Expected OnError to receive the lookup error")
	}
}

func TestMiddleware_CountErrorDenies(t *testing.T) {
	mw := Middleware(Config{
		Gate:        setupGate(t, memory.New()),
		GetUserID:   FromHeader("X-User-ID"),
		GetResource: FixedResource(entitlement.ResourcePatients),
		CountUsage: func(*http.Request, string, string) (int, error) {
			return 0, errors.New("count failed")
		},
	})

	rec := serve(mw(okHandler(t)), "user1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing gate")
		}
	}()
	Middleware(Config{})
}

func TestHandlerFunc(t *testing.T) {
	mw := HandlerFunc(Config{
		Gate:        setupGate(t, memory.New()),
		GetUserID:   FromContext(UserIDKey),
		GetResource: FixedResource(entitlement.ResourceEvents),
		CountUsage:  fixedUsage(0),
	})

	h := mw(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", rec.Code)
	}
}
