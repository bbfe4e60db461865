package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor pairs a limiter with its last access time so idle entries can
// be pruned.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-IP request budget on the API.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	limit rate.Limit
	burst int
}

// NewRateLimiter allows 10 requests per second with a burst of 30 per
// client IP — generous enough for a polling dashboard, tight enough to
// shed runaway loops.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(10),
		burst:    30,
	}
}

func (m *RateLimiter) allow(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.visitors[ip] = v
		if len(m.visitors) > 1024 {
			m.pruneLocked()
		}
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// pruneLocked drops entries idle for more than ten minutes. Pruning
// piggybacks on insertion instead of running a background goroutine, so
// there is nothing to stop on shutdown.
func (m *RateLimiter) pruneLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, v := range m.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(m.visitors, ip)
		}
	}
}

// Middleware returns a handler enforcing the per-IP limit.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !m.allow(ip) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
