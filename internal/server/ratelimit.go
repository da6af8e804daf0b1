package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"txrelay/internal/debuglog"
	"txrelay/internal/metrics"
)

const limiterIdleTTL = 10 * time.Minute

// hostLimiter keeps one token bucket per remote host.
type hostLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	entries   map[string]*limBucket
	lastSweep time.Time
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newHostLimiter(perSecond float64, burst int, ttl time.Duration) *hostLimiter {
	return &hostLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*limBucket),
	}
}

func (m *hostLimiter) allow(key string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.entries[key]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = b
	}
	b.lastSeen = now
	if now.Sub(m.lastSweep) > m.ttl {
		m.lastSweep = now
		for k, v := range m.entries {
			if now.Sub(v.lastSeen) > m.ttl {
				delete(m.entries, k)
			}
		}
	}
	return b.lim.Allow()
}

func (m *hostLimiter) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// remoteHost ignores forwarding headers; the gate judges the same address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func (m *hostLimiter) middleware(next http.Handler, mt *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := remoteHost(r)
		if !m.allow(host) {
			debuglog.RateLimitedf("rest-ratelimit:"+host, time.Minute, "rate limited: remote=%s path=%s", host, r.URL.Path)
			mt.IncDropByReason("rest_rate_limit")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
