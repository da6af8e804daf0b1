package proto

import (
	"bytes"
	"testing"

	"txrelay/internal/testutil"
)

func FuzzReadFrameWithTypeCap(f *testing.F) {
	frame, _ := EncodeFrame([]byte(`{"type":"upcheck"}`))
	f.Add(frame)
	f.Add([]byte{0, 0, 0, 0})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, '{'})
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.Decode(t, data, func(data []byte) {
			payload, err := ReadFrameWithTypeCap(bytes.NewReader(data), SoftMaxFrameSize, TypeCap)
			if err != nil {
				return
			}
			if len(payload) == 0 || len(payload) > MaxFrameSize {
				t.Fatalf("accepted frame of %d bytes", len(payload))
			}
			_ = PeekType(payload)
		})
	})
}
