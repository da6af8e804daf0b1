package distribute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"txrelay/internal/crypto"
	"txrelay/internal/envelope"
	"txrelay/internal/metrics"
	"txrelay/internal/peer"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // failures before success; <0 always fails
	block    map[string]bool
	got      map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		block:    make(map[string]bool),
		got:      make(map[string][]byte),
	}
}

func (f *fakeClient) Push(ctx context.Context, p peer.Peer, encoded []byte) error {
	key := p.String()
	f.mu.Lock()
	f.calls[key]++
	n := f.calls[key]
	fail := f.failures[key]
	block := f.block[key]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail < 0 || n <= fail {
		return errors.New("connection refused")
	}
	f.mu.Lock()
	f.got[key] = encoded
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func mustPeer(t *testing.T, raw string) peer.Peer {
	t.Helper()
	p, err := peer.ParsePeer(raw)
	if err != nil {
		t.Fatalf("parse peer: %v", err)
	}
	return p
}

func testEnvelope(t *testing.T) *envelope.EncodedPayload {
	t.Helper()
	sender, _ := crypto.GenerateKeyPair()
	r, _ := crypto.GenerateKeyPair()
	env, err := envelope.Seal([]byte{1, 2, 3}, sender, []crypto.PublicKey{r.Public})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return env
}

func fastOptions(m *metrics.Metrics) Options {
	return Options{
		MaxAttempts:    3,
		AttemptTimeout: 50 * time.Millisecond,
		BackoffBase:    time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
		Metrics:        m,
	}
}

func TestDistributeRetriesThenSucceeds(t *testing.T) {
	c := newFakeClient()
	b := mustPeer(t, "http://b.example:9001")
	cc := mustPeer(t, "http://c.example:9001")
	c.failures[b.String()] = 2
	m := metrics.New()
	d := New(c, fastOptions(m))
	defer d.Close(context.Background())

	env := testEnvelope(t)
	job := d.Distribute(context.Background(), env, envelope.Hash(env), []peer.Peer{b, cc, b})
	results := job.Wait()
	if len(results) != 2 {
		t.Fatalf("expected duplicate target collapsed, got %d results", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("peer %s failed: %v", r.Peer, r.Err)
		}
	}
	if results[0].Attempts != 3 || results[1].Attempts != 1 {
		t.Fatalf("unexpected attempts: %d %d", results[0].Attempts, results[1].Attempts)
	}
	decoded, err := envelope.Decode(c.got[cc.String()])
	if err != nil || envelope.Hash(decoded) != envelope.Hash(env) {
		t.Fatalf("peer received a different envelope: %v", err)
	}
	snap := m.Snapshot().Push
	if snap.OK != 2 || snap.Retried != 2 || snap.Failed != 0 {
		t.Fatalf("unexpected push metrics: %+v", snap)
	}
}

func TestDistributeExhaustionIsRecordedNotReturned(t *testing.T) {
	c := newFakeClient()
	b := mustPeer(t, "http://b.example:9001")
	c.failures[b.String()] = -1
	m := metrics.New()
	d := New(c, fastOptions(m))
	defer d.Close(context.Background())

	env := testEnvelope(t)
	results := d.Distribute(context.Background(), env, envelope.Hash(env), []peer.Peer{b}).Wait()
	if results[0].Err == nil || results[0].Attempts != 3 {
		t.Fatalf("expected exhaustion after 3 attempts, got %+v", results[0])
	}
	snap := m.Snapshot()
	if snap.Push.Failed != 1 || len(snap.Recent) != 1 || snap.Recent[0].Peer != b.String() {
		t.Fatalf("failure not recorded: %+v", snap.Push)
	}
}

func TestAttemptTimeoutIsPerAttempt(t *testing.T) {
	c := newFakeClient()
	b := mustPeer(t, "http://slow.example:9001")
	c.block[b.String()] = true
	d := New(c, fastOptions(nil))
	defer d.Close(context.Background())

	env := testEnvelope(t)
	start := time.Now()
	results := d.Distribute(context.Background(), env, envelope.Hash(env), []peer.Peer{b}).Wait()
	if !errors.Is(results[0].Err, context.DeadlineExceeded) || results[0].Attempts != 3 {
		t.Fatalf("expected three timed out attempts, got %+v", results[0])
	}
	if c.callCount(b.String()) != 3 {
		t.Fatalf("expected 3 calls, got %d", c.callCount(b.String()))
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("attempts not bounded")
	}
}

func TestCallerCancellationDoesNotStopPushes(t *testing.T) {
	c := newFakeClient()
	b := mustPeer(t, "http://b.example:9001")
	c.failures[b.String()] = 1
	d := New(c, fastOptions(nil))
	defer d.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	env := testEnvelope(t)
	job := d.Distribute(ctx, env, envelope.Hash(env), []peer.Peer{b})
	cancel()
	if r := job.Wait(); r[0].Err != nil {
		t.Fatalf("push stopped by caller cancellation: %v", r[0].Err)
	}
}

func TestCloseWaitsAndRejectsNewJobs(t *testing.T) {
	c := newFakeClient()
	b := mustPeer(t, "http://b.example:9001")
	d := New(c, fastOptions(nil))
	env := testEnvelope(t)
	job := d.Distribute(context.Background(), env, envelope.Hash(env), []peer.Peer{b})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-job.Done():
	default:
		t.Fatalf("close returned before in-flight job finished")
	}
	late := d.Distribute(context.Background(), env, envelope.Hash(env), []peer.Peer{b}).Wait()
	if !errors.Is(late[0].Err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", late[0].Err)
	}
}

func TestCloseDeadlineCancelsPushes(t *testing.T) {
	c := newFakeClient()
	b := mustPeer(t, "http://b.example:9001")
	c.block[b.String()] = true
	opts := fastOptions(nil)
	opts.AttemptTimeout = time.Minute
	d := New(c, opts)
	env := testEnvelope(t)
	job := d.Distribute(context.Background(), env, envelope.Hash(env), []peer.Peer{b})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if r := job.Wait(); r[0].Err == nil {
		t.Fatalf("expected cancelled push")
	}
}

func TestRouterDispatchesByScheme(t *testing.T) {
	httpc := newFakeClient()
	quicc := newFakeClient()
	r := Router{"http": httpc, "quic": quicc}
	ctx := context.Background()
	if err := r.Push(ctx, mustPeer(t, "HTTP://b.example"), nil); err != nil {
		t.Fatalf("http push: %v", err)
	}
	if err := r.Push(ctx, mustPeer(t, "quic://b.example:9443"), nil); err != nil {
		t.Fatalf("quic push: %v", err)
	}
	if httpc.callCount("http://b.example") != 1 || quicc.callCount("quic://b.example:9443") != 1 {
		t.Fatalf("router sent to the wrong client")
	}
	if err := r.Push(ctx, mustPeer(t, "grpc://b.example"), nil); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected unsupported scheme, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	o := Options{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := o.Backoff(i + 1); got != w*time.Millisecond {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w*time.Millisecond)
		}
	}
}
