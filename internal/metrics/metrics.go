package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// PushFailure records a peer that exhausted every attempt for a transaction.
type PushFailure struct {
	Hash     string    `json:"hash"`
	Peer     string    `json:"peer"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Tx           TxMetrics         `json:"tx"`
	Push         PushMetrics       `json:"push"`
	Gate         GateMetrics       `json:"gate"`
	Store        StoreMetrics      `json:"store"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Recent       []PushFailure     `json:"recent_push_failures"`
}

type TxMetrics struct {
	Sent         uint64 `json:"sent"`
	Received     uint64 `json:"received"`
	Unauthorized uint64 `json:"unauthorized"`
	NotFound     uint64 `json:"not_found"`
	Deleted      uint64 `json:"deleted"`
}

type PushMetrics struct {
	OK      uint64 `json:"ok"`
	Failed  uint64 `json:"failed"`
	Retried uint64 `json:"retried"`
	Inbound uint64 `json:"inbound"`
	NoRoute uint64 `json:"no_route"`
}

type GateMetrics struct {
	Allow         uint64 `json:"allow"`
	Reject        uint64 `json:"reject"`
	Indeterminate uint64 `json:"indeterminate"`
}

type StoreMetrics struct {
	Inserts    uint64 `json:"inserts"`
	Merges     uint64 `json:"merges"`
	BoxesAdded uint64 `json:"boxes_added"`
	CacheHits  uint64 `json:"cache_hits"`
}

type Metrics struct {
	txSent          atomic.Uint64
	txReceived      atomic.Uint64
	txUnauthorized  atomic.Uint64
	txNotFound      atomic.Uint64
	txDeleted       atomic.Uint64
	pushOK          atomic.Uint64
	pushFailed      atomic.Uint64
	pushRetried     atomic.Uint64
	pushInbound     atomic.Uint64
	pushNoRoute     atomic.Uint64
	gateAllow       atomic.Uint64
	gateReject      atomic.Uint64
	gateUndecided   atomic.Uint64
	storeInserts    atomic.Uint64
	storeMerges     atomic.Uint64
	storeBoxesAdded atomic.Uint64
	storeCacheHits  atomic.Uint64

	dropMu sync.Mutex
	drops  map[string]uint64
	recent *RecentFailures
}

func New() *Metrics {
	return &Metrics{recent: NewRecentFailures(64), drops: make(map[string]uint64)}
}

// nil-safe so components can run without a collector.

func (m *Metrics) IncTxSent() {
	if m != nil {
		m.txSent.Add(1)
	}
}

func (m *Metrics) IncTxReceived() {
	if m != nil {
		m.txReceived.Add(1)
	}
}

func (m *Metrics) IncTxUnauthorized() {
	if m != nil {
		m.txUnauthorized.Add(1)
	}
}

func (m *Metrics) IncTxNotFound() {
	if m != nil {
		m.txNotFound.Add(1)
	}
}

func (m *Metrics) IncTxDeleted() {
	if m != nil {
		m.txDeleted.Add(1)
	}
}

func (m *Metrics) IncPushOK() {
	if m != nil {
		m.pushOK.Add(1)
	}
}

func (m *Metrics) IncPushRetried() {
	if m != nil {
		m.pushRetried.Add(1)
	}
}

func (m *Metrics) IncPushInbound() {
	if m != nil {
		m.pushInbound.Add(1)
	}
}

func (m *Metrics) IncPushNoRoute() {
	if m != nil {
		m.pushNoRoute.Add(1)
	}
}

func (m *Metrics) RecordPushFailure(f PushFailure) {
	if m == nil {
		return
	}
	m.pushFailed.Add(1)
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	m.recent.Add(f)
}

func (m *Metrics) IncGateAllow() {
	if m != nil {
		m.gateAllow.Add(1)
	}
}

func (m *Metrics) IncGateReject() {
	if m != nil {
		m.gateReject.Add(1)
	}
}

func (m *Metrics) IncGateIndeterminate() {
	if m != nil {
		m.gateUndecided.Add(1)
	}
}

func (m *Metrics) IncStoreInsert() {
	if m != nil {
		m.storeInserts.Add(1)
	}
}

func (m *Metrics) AddStoreMerge(boxes int) {
	if m == nil {
		return
	}
	m.storeMerges.Add(1)
	if boxes > 0 {
		m.storeBoxesAdded.Add(uint64(boxes))
	}
}

func (m *Metrics) IncStoreCacheHit() {
	if m != nil {
		m.storeCacheHits.Add(1)
	}
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.dropMu.Lock()
	m.drops[reason]++
	m.dropMu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.dropMu.Lock()
	drops := make(map[string]uint64, len(m.drops))
	for k, v := range m.drops {
		drops[k] = v
	}
	m.dropMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Tx: TxMetrics{
			Sent:         m.txSent.Load(),
			Received:     m.txReceived.Load(),
			Unauthorized: m.txUnauthorized.Load(),
			NotFound:     m.txNotFound.Load(),
			Deleted:      m.txDeleted.Load(),
		},
		Push: PushMetrics{
			OK:      m.pushOK.Load(),
			Failed:  m.pushFailed.Load(),
			Retried: m.pushRetried.Load(),
			Inbound: m.pushInbound.Load(),
			NoRoute: m.pushNoRoute.Load(),
		},
		Gate: GateMetrics{
			Allow:         m.gateAllow.Load(),
			Reject:        m.gateReject.Load(),
			Indeterminate: m.gateUndecided.Load(),
		},
		Store: StoreMetrics{
			Inserts:    m.storeInserts.Load(),
			Merges:     m.storeMerges.Load(),
			BoxesAdded: m.storeBoxesAdded.Load(),
			CacheHits:  m.storeCacheHits.Load(),
		},
		DropByReason: drops,
		Recent:       m.recent.List(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type RecentFailures struct {
	mu   sync.Mutex
	cap  int
	list []PushFailure
}

func NewRecentFailures(capacity int) *RecentFailures {
	if capacity <= 0 {
		capacity = 64
	}
	return &RecentFailures{cap: capacity}
}

func (r *RecentFailures) Add(f PushFailure) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = f
		return
	}
	r.list = append(r.list, f)
}

func (r *RecentFailures) List() []PushFailure {
	if r == nil {
		return []PushFailure{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PushFailure, len(r.list))
	copy(out, r.list)
	return out
}
