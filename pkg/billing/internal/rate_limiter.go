package internal

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits webhook requests per client IP with token buckets.
type RateLimiter struct {
	mu            sync.Mutex
	visitors      map[string]*visitor
	limit         rate.Limit
	burst         int
	idleTTL       time.Duration
	requestCount  int
	cleanupEvery  int
	cleanupAtSize int
	trustProxy    bool
	now           func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requests per window per IP, with bursts up to requests.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 {
		requests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		visitors:      make(map[string]*visitor),
		limit:         rate.Every(window / time.Duration(requests)),
		burst:         requests,
		idleTTL:       2 * window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

// TrustProxy makes the limiter key requests by X-Forwarded-For. Enable it only
// behind a reverse proxy that sets the header; otherwise clients choose their own key.
func (rl *RateLimiter) TrustProxy(trust bool) *RateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.trustProxy = trust
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	// Deterministic cleanup: every N requests or when the map grows too large
	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.visitors) > rl.cleanupAtSize {
		rl.cleanupIdle(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) cleanupIdle(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, ip)
		}
	}
}

// Size returns the number of tracked clients.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.mu.Lock()
		trust := rl.trustProxy
		rl.mu.Unlock()
		if !rl.Allow(GetClientIP(r, trust)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP extracts the client IP address from the request.
// RemoteAddr is used unless trustProxy is set, in which case the last
// X-Forwarded-For entry (the one appended by the proxy) wins.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[len(parts)-1]); ip != "" {
				return ip
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
