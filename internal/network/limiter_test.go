package network

import (
	"testing"

	"txrelay/internal/metrics"
)

func TestAdmissionConnCapCountsDrops(t *testing.T) {
	m := metrics.New()
	a := newAdmission(1, 0, m)
	release, ok := a.admit(capConn, "10.0.0.7")
	if !ok {
		t.Fatalf("first connection refused")
	}
	if _, ok := a.admit(capConn, "10.0.0.7"); ok {
		t.Fatalf("second connection admitted past the cap")
	}
	if _, ok := a.admit(capConn, "10.0.0.8"); !ok {
		t.Fatalf("cap leaked across addresses")
	}
	release()
	release()
	if n := a.inUse(capConn, "10.0.0.7"); n != 0 {
		t.Fatalf("double release miscounted: %d", n)
	}
	if _, ok := a.admit(capConn, "10.0.0.7"); !ok {
		t.Fatalf("connection refused after release")
	}
	drops := m.Snapshot().DropByReason
	if drops["quic_conn_cap"] != 1 || drops["quic_stream_cap"] != 0 {
		t.Fatalf("unexpected drops %v", drops)
	}
}

func TestAdmissionStreamCap(t *testing.T) {
	m := metrics.New()
	a := newAdmission(0, 2, m)
	var releases []func()
	for i := 0; i < 2; i++ {
		r, ok := a.admit(capStream, "10.0.0.7")
		if !ok {
			t.Fatalf("stream %d refused", i)
		}
		releases = append(releases, r)
	}
	if _, ok := a.admit(capStream, "10.0.0.7"); ok {
		t.Fatalf("third stream admitted")
	}
	for _, r := range releases {
		r()
	}
	if n := a.inUse(capStream, "10.0.0.7"); n != 0 {
		t.Fatalf("streams still held: %d", n)
	}
	if m.Snapshot().DropByReason["quic_stream_cap"] != 1 {
		t.Fatalf("stream drop not counted")
	}
}

func TestAdmissionUncapped(t *testing.T) {
	a := newAdmission(0, 0, nil)
	for i := 0; i < 100; i++ {
		if _, ok := a.admit(capConn, "10.0.0.7"); !ok {
			t.Fatalf("uncapped admission refused at %d", i)
		}
	}
	if n := a.inUse(capConn, "10.0.0.7"); n != 0 {
		t.Fatalf("uncapped admission should not track, got %d", n)
	}
}
