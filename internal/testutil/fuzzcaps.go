// Package testutil keeps fuzz targets for the wire decoders bounded in
// input size and running time.
package testutil

import (
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 200 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// Decode runs fn on data capped to DefaultMaxFuzzBytes under the default
// timeout. Decoders must reject garbage, never hang or panic.
func Decode(t testing.TB, data []byte, fn func([]byte)) {
	t.Helper()
	data = CapBytes(data, DefaultMaxFuzzBytes)
	WithTimeout(t, DefaultFuzzTimeout, func() { fn(data) })
}
