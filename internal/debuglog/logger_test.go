package debuglog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogfWritesSynchronouslyWhenDebugOff(t *testing.T) {
	t.Setenv(EnvDebug, "")
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	t.Cleanup(func() { SetOutput(prev) })

	Logf("push failed peer=%s attempt=%d", "http://b:9001", 3)
	Debugf("hidden %d", 1)
	if got := buf.String(); got != "push failed peer=http://b:9001 attempt=3\n" {
		t.Fatalf("unexpected output %q", got)
	}
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line written while disabled")
	}
}
