package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"txrelay/internal/metrics"
	"txrelay/internal/network"
	"txrelay/internal/peer"
	"txrelay/internal/proto"
)

type countingOrigin struct {
	host      string
	hostErr   error
	addr      string
	hostCalls int
	addrCalls int
}

func (o *countingOrigin) RemoteHost() (string, error) {
	o.hostCalls++
	return o.host, o.hostErr
}

func (o *countingOrigin) RemoteAddr() string {
	o.addrCalls++
	return o.addr
}

func mustRegistry(t *testing.T, enabled bool, urls ...string) *peer.Registry {
	t.Helper()
	r, err := peer.NewRegistry(urls, enabled)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

var httpDest = &url.URL{Scheme: "http", Host: "localhost:9001"}

func TestDisabledRegistryNeverInspectsOrigin(t *testing.T) {
	g := New(mustRegistry(t, false, "http://b.example"))
	o := &countingOrigin{hostErr: errors.New("boom")}
	if d := g.Decide(Request{Destination: httpDest, Origin: o}); d != Allow {
		t.Fatalf("expected allow, got %s", d)
	}
	if o.hostCalls != 0 || o.addrCalls != 0 {
		t.Fatalf("origin inspected %d/%d times", o.hostCalls, o.addrCalls)
	}
}

func TestUnixDestinationBypassesGate(t *testing.T) {
	g := New(mustRegistry(t, true, "http://b.example"))
	o := &countingOrigin{host: "stranger.example"}
	dest := &url.URL{Scheme: "unix", Path: "/tmp/tm.ipc"}
	if d := g.Decide(Request{Destination: dest, Origin: o}); d != Allow {
		t.Fatalf("expected allow, got %s", d)
	}
	if o.hostCalls != 0 || o.addrCalls != 0 {
		t.Fatalf("origin inspected %d/%d times", o.hostCalls, o.addrCalls)
	}
}

func TestEnabledRegistryDecisions(t *testing.T) {
	g := New(mustRegistry(t, true, "http://b.example:9001", "http://10.0.0.7:9001"))
	cases := []struct {
		name      string
		origin    *countingOrigin
		want      Decision
		addrCalls int
	}{
		{"host match", &countingOrigin{host: "B.example", addr: "10.0.0.9:5000"}, Allow, 0},
		{"addr match", &countingOrigin{host: "unknown.example", addr: "10.0.0.7:5000"}, Allow, 1},
		{"no match", &countingOrigin{host: "c.example", addr: "10.0.0.9:5000"}, Reject, 1},
		{"lookup failure", &countingOrigin{hostErr: errors.New("timeout"), addr: "10.0.0.7:5000"}, Indeterminate, 0},
	}
	for _, tc := range cases {
		if d := g.Decide(Request{Destination: httpDest, Origin: tc.origin}); d != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, d)
		}
		if tc.origin.hostCalls != 1 || tc.origin.addrCalls != tc.addrCalls {
			t.Fatalf("%s: origin calls host=%d addr=%d", tc.name, tc.origin.hostCalls, tc.origin.addrCalls)
		}
	}
}

func TestFailedLookupDoesNotAffectLaterRequests(t *testing.T) {
	g := New(mustRegistry(t, true, "http://b.example"))
	seq := []struct {
		origin *countingOrigin
		want   Decision
	}{
		{&countingOrigin{hostErr: errors.New("dns down")}, Indeterminate},
		{&countingOrigin{host: "b.example"}, Allow},
		{&countingOrigin{hostErr: errors.New("dns down")}, Indeterminate},
		{&countingOrigin{host: "c.example", addr: "192.0.2.1:1"}, Reject},
		{&countingOrigin{host: "b.example"}, Allow},
	}
	for i, s := range seq {
		if d := g.Decide(Request{Destination: httpDest, Origin: s.origin}); d != s.want {
			t.Fatalf("request %d: expected %s, got %s", i, s.want, d)
		}
		if s.origin.hostCalls != 1 {
			t.Fatalf("request %d: expected one host lookup, got %d", i, s.origin.hostCalls)
		}
	}
}

type fakeResolver struct {
	names []string
	err   error
	calls int
}

func (r *fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	r.calls++
	return r.names, r.err
}

func TestAddrOrigin(t *testing.T) {
	res := &fakeResolver{names: []string{"b.example."}}
	o := NewAddrOrigin(context.Background(), "10.0.0.7:5000", res)
	if res.calls != 0 {
		t.Fatalf("lookup must be lazy")
	}
	for i := 0; i < 2; i++ {
		host, err := o.RemoteHost()
		if err != nil || host != "b.example" {
			t.Fatalf("host=%q err=%v", host, err)
		}
	}
	if res.calls != 1 {
		t.Fatalf("expected one lookup, got %d", res.calls)
	}

	notFound := &fakeResolver{err: &net.DNSError{Err: "no such host", IsNotFound: true}}
	if host, err := NewAddrOrigin(context.Background(), "10.0.0.7:5000", notFound).RemoteHost(); err != nil || host != "10.0.0.7" {
		t.Fatalf("missing PTR should fall back to ip: host=%q err=%v", host, err)
	}
	failing := &fakeResolver{err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}}
	if _, err := NewAddrOrigin(context.Background(), "10.0.0.7:5000", failing).RemoteHost(); err == nil {
		t.Fatalf("expected lookup error")
	}
	if host, err := NewAddrOrigin(context.Background(), "[::1]:5000", nil).RemoteHost(); err != nil || host != "::1" {
		t.Fatalf("no resolver: host=%q err=%v", host, err)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	reg := mustRegistry(t, true, "http://192.0.2.1:9001")
	m := metrics.New()
	g := New(reg)
	served := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	})

	run := func(remote string, res HostResolver) *httptest.ResponseRecorder {
		h := g.HTTP(next, Options{Destination: httpDest, Resolver: res, Metrics: m})
		req := httptest.NewRequest(http.MethodGet, "/upcheck", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := run("192.0.2.1:1234", nil); rec.Code != http.StatusOK || served != 1 {
		t.Fatalf("allowed peer: code=%d served=%d", rec.Code, served)
	}
	rec := run("198.51.100.9:1234", nil)
	if rec.Code != http.StatusUnauthorized || rec.Body.Len() != 0 || served != 1 {
		t.Fatalf("stranger: code=%d body=%q served=%d", rec.Code, rec.Body.String(), served)
	}
	rec = run("192.0.2.1:1234", &fakeResolver{err: errors.New("resolver unreachable")})
	if rec.Code != http.StatusServiceUnavailable || served != 1 {
		t.Fatalf("indeterminate: code=%d served=%d", rec.Code, served)
	}
	if rec := run("192.0.2.1:1234", nil); rec.Code != http.StatusOK || served != 2 {
		t.Fatalf("request after failure: code=%d served=%d", rec.Code, served)
	}
	snap := m.Snapshot().Gate
	if snap.Allow != 2 || snap.Reject != 1 || snap.Indeterminate != 1 {
		t.Fatalf("unexpected gate metrics: %+v", snap)
	}
}

func TestResponderWrapper(t *testing.T) {
	g := New(mustRegistry(t, true, "quic://192.0.2.1:9443"))
	called := 0
	inner := network.ResponderFunc(func(ctx context.Context, remote net.Addr, req []byte) []byte {
		called++
		return []byte(`{"type":"push_ack"}`)
	})
	r := g.Responder(inner, Options{Destination: &url.URL{Scheme: "quic", Host: "0.0.0.0:9443"}})

	allowed := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5555}
	if resp := r.Respond(context.Background(), allowed, nil); proto.PeekType(resp) != proto.MsgTypePushAck || called != 1 {
		t.Fatalf("allowed peer not served: %s", resp)
	}
	stranger := &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 5555}
	resp := r.Respond(context.Background(), stranger, nil)
	var em proto.ErrorMsg
	if err := json.Unmarshal(resp, &em); err != nil || em.Code != proto.CodeUnauthorized || called != 1 {
		t.Fatalf("stranger: resp=%s called=%d", resp, called)
	}
}
