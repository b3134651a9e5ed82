package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatal("request beyond burst allowed")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatal("other IP must have its own bucket")
	}

	// One token refills every window/limit
	now = now.Add(20 * time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Fatal("token not refilled")
	}
}

func TestRateLimiter_CleanupPreventsMemoryLeak(t *testing.T) {
	limiter := NewRateLimiter(10, time.Second)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 150; i++ {
		limiter.Allow(fmt.Sprintf("192.168.1.%d", i))
	}
	if got := limiter.Size(); got != 150 {
		t.Fatalf("Size = %d, want 150", got)
	}

	now = now.Add(time.Minute)
	for i := 0; i < 100; i++ {
		limiter.Allow("10.0.0.1")
	}
	if got := limiter.Size(); got != 1 {
		t.Errorf("Size after cleanup = %d, want 1", got)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 429]", codes)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		trustProxy bool
		want       string
	}{
		{name: "forwarded header ignored by default", xff: "198.51.100.1", remoteAddr: "10.0.0.1:80", want: "10.0.0.1"},
		{name: "trusted proxy uses last hop", xff: "6.6.6.6, 198.51.100.1", remoteAddr: "10.0.0.1:80", trustProxy: true, want: "198.51.100.1"},
		{name: "trusted proxy without header", remoteAddr: "10.0.0.1:80", trustProxy: true, want: "10.0.0.1"},
		{name: "remote with port", remoteAddr: "203.0.113.7:5555", want: "203.0.113.7"},
		{name: "remote without port", remoteAddr: "203.0.113.7", want: "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("GetClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware_SpoofedForwardedForSharesBucket(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 2)
	for _, spoofed := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		req.Header.Set("X-Forwarded-For", spoofed)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 429]", codes)
	}
}
