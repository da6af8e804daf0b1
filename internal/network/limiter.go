package network

import (
	"sync"

	"txrelay/internal/metrics"
)

type capKind int

const (
	capConn capKind = iota
	capStream
)

// reason is the drop label reported in the metrics snapshot.
func (k capKind) reason() string {
	if k == capConn {
		return "quic_conn_cap"
	}
	return "quic_stream_cap"
}

// admission caps live QUIC connections and streams per remote IP. A cap of
// zero or less turns that check off.
type admission struct {
	mu      sync.Mutex
	caps    [2]int
	live    [2]map[string]int
	metrics *metrics.Metrics
}

func newAdmission(maxConns, maxStreams int, m *metrics.Metrics) *admission {
	return &admission{
		caps:    [2]int{maxConns, maxStreams},
		live:    [2]map[string]int{make(map[string]int), make(map[string]int)},
		metrics: m,
	}
}

// admit reserves one slot of kind for ip. When the cap is reached it counts
// the drop and returns ok=false. release may be called more than once.
func (a *admission) admit(kind capKind, ip string) (release func(), ok bool) {
	if a.caps[kind] <= 0 {
		return func() {}, true
	}
	a.mu.Lock()
	if a.live[kind][ip] >= a.caps[kind] {
		a.mu.Unlock()
		a.metrics.IncDropByReason(kind.reason())
		return nil, false
	}
	a.live[kind][ip]++
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { a.put(kind, ip) })
	}, true
}

func (a *admission) put(kind capKind, ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live[kind][ip] <= 1 {
		delete(a.live[kind], ip)
		return
	}
	a.live[kind][ip]--
}

func (a *admission) inUse(kind capKind, ip string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[kind][ip]
}
