package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"push","envelope":"AQ=="}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	if _, err := EncodeFrame(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected empty frame error, got %v", err)
	}
}

func TestReadFrameWithTypeCap(t *testing.T) {
	big := strings.Repeat("A", SoftMaxFrameSize+10)
	push, _ := json.Marshal(PushMsg{Type: MsgTypePush, Envelope: big})
	var buf bytes.Buffer
	if err := WriteFrame(&buf, push); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, TypeCap); err != nil {
		t.Fatalf("push over soft max should pass: %v", err)
	}

	up, _ := json.Marshal(struct {
		Type string `json:"type"`
		Pad  string `json:"pad"`
	}{Type: MsgTypeUpcheck, Pad: big})
	buf.Reset()
	if err := WriteFrame(&buf, up); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, TypeCap); !errors.Is(err, ErrFrameTooLong) {
		t.Fatalf("expected too long for upcheck, got %v", err)
	}
}

func TestPeekType(t *testing.T) {
	if got := PeekType([]byte(`{"type":"receive","key":"x"}`)); got != MsgTypeReceive {
		t.Fatalf("got %q", got)
	}
	if got := PeekType([]byte(`not json`)); got != "unknown" {
		t.Fatalf("got %q", got)
	}
}
