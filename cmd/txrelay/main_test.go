package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"txrelay/internal/config"
	"txrelay/internal/daemon"
	"txrelay/internal/store"
)

func startRelay(t *testing.T) (*daemon.Runner, []string) {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Home = t.TempDir()
	cfg.Server.REST.Address = "http://127.0.0.1:0"
	cfg.Server.QUIC.Address = "127.0.0.1:0"
	r, err := daemon.NewRunner(context.Background(), cfg, daemon.Options{KV: store.NewMemoryKV()})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan []string, 1)
	done := make(chan error, 1)
	go func() { done <- r.RunWithContext(ctx, ready) }()
	var uris []string
	select {
	case uris = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("run: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("relay not ready")
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, uris
}

func nodeURL(t *testing.T, uris []string, scheme string) string {
	t.Helper()
	for _, u := range uris {
		if strings.HasPrefix(u, scheme+"://") {
			return u
		}
	}
	t.Fatalf("no %s server in %v", scheme, uris)
	return ""
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"--help"}, nil, &out, &out); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "txrelay") {
		t.Fatalf("expected help output to mention txrelay")
	}
	if code := run([]string{"send", "--node", "ftp://x", "--to", "k"}, strings.NewReader("p"), &out, &out); code != 1 {
		t.Fatalf("unsupported scheme should fail")
	}
}

func TestSendReceiveDelete(t *testing.T) {
	r, uris := startRelay(t)
	key := r.Self.Default().Public.String()

	for _, scheme := range []string{"http", "quic"} {
		t.Run(scheme, func(t *testing.T) {
			node := nodeURL(t, uris, scheme)
			var out, errOut bytes.Buffer
			code := run([]string{"send", "--node", node, "--to", key}, strings.NewReader("hello "+scheme), &out, &errOut)
			if code != 0 {
				t.Fatalf("send failed: %s", errOut.String())
			}
			hash := strings.TrimSpace(out.String())

			out.Reset()
			if code := run([]string{"receive", "--node", node, "--key", hash, "--to", key}, nil, &out, &errOut); code != 0 {
				t.Fatalf("receive failed: %s", errOut.String())
			}
			if out.String() != "hello "+scheme {
				t.Fatalf("unexpected payload %q", out.String())
			}

			file := filepath.Join(t.TempDir(), "payload")
			if code := run([]string{"receive", "--node", node, "--key", hash, "--out", file}, nil, &out, &errOut); code != 0 {
				t.Fatalf("receive to file failed: %s", errOut.String())
			}

			out.Reset()
			if code := run([]string{"upcheck", "--node", node}, nil, &out, &errOut); code != 0 || !strings.Contains(out.String(), "I'm up!") {
				t.Fatalf("upcheck: %d %q %s", code, out.String(), errOut.String())
			}
		})
	}

	node := nodeURL(t, uris, "http")
	var out, errOut bytes.Buffer
	run([]string{"send", "--node", node, "--to", key}, strings.NewReader("gone"), &out, &errOut)
	hash := strings.TrimSpace(out.String())
	if code := run([]string{"delete", "--node", node, "--key", hash}, nil, &out, &errOut); code != 0 {
		t.Fatalf("delete failed: %s", errOut.String())
	}
	errOut.Reset()
	if code := run([]string{"receive", "--node", node, "--key", hash}, nil, &out, &errOut); code != 1 {
		t.Fatalf("receive after delete should fail")
	}
	if !strings.Contains(errOut.String(), "was not found") {
		t.Fatalf("unexpected error %q", errOut.String())
	}
}
