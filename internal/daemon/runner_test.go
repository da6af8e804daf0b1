package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"txrelay/internal/config"
	"txrelay/internal/crypto"
	"txrelay/internal/envelope"
	"txrelay/internal/metrics"
	"txrelay/internal/resolver"
	"txrelay/internal/store"
	"txrelay/internal/vault"
)

type noNames struct{}

func (noNames) LookupAddr(context.Context, string) ([]string, error) {
	return nil, &net.DNSError{Err: "no such host", IsNotFound: true}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Home = t.TempDir()
	cfg.Node.MetricsInterval = 20 * time.Millisecond
	cfg.Server.REST.Address = "http://127.0.0.1:0"
	cfg.Storage.Backend = store.BackendMemory
	cfg.Distribution.BackoffBase = 10 * time.Millisecond
	cfg.Distribution.BackoffMax = 20 * time.Millisecond
	cfg.Distribution.AttemptTimeout = 2 * time.Second
	return cfg
}

type running struct {
	r    *Runner
	uris []string
}

func startRunner(t *testing.T, cfg *config.Config, opts Options) running {
	t.Helper()
	if opts.KV == nil {
		opts.KV = store.NewMemoryKV()
	}
	if opts.HostResolver == nil {
		opts.HostResolver = noNames{}
	}
	r, err := NewRunner(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan []string, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- r.RunWithContext(ctx, ready) }()
	var uris []string
	select {
	case uris = <-ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("run: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("runner not ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Errorf("runner did not stop")
		}
	})
	return running{r: r, uris: uris}
}

func waitReceive(t *testing.T, r *Runner, h envelope.TxHash, key crypto.PublicKey) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		payload, err := r.Resolver.Receive(context.Background(), h, &key, resolver.RoleRecipient)
		if err == nil {
			return payload
		}
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("receive: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("transaction never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTwoRelaysOverREST(t *testing.T) {
	b := startRunner(t, testConfig(t), Options{})
	bKey := b.r.Self.Default().Public

	cfgA := testConfig(t)
	cfgA.Directory = []config.DirectoryEntry{{Key: bKey.String(), URL: b.uris[0]}}
	a := startRunner(t, cfgA, Options{})

	h, err := a.r.Resolver.Send(context.Background(), []byte{1, 2, 3}, nil, []crypto.PublicKey{bKey})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := waitReceive(t, b.r, h, bKey); string(got) != "\x01\x02\x03" {
		t.Fatalf("unexpected payload %v", got)
	}
	// the sender can still read its own transaction
	aKey := a.r.Self.Default().Public
	if _, err := a.r.Resolver.Receive(context.Background(), h, &aKey, resolver.RoleSender); err != nil {
		t.Fatalf("sender receive: %v", err)
	}
}

func TestTwoRelaysOverQUIC(t *testing.T) {
	cfgB := testConfig(t)
	cfgB.Server.REST.Address = ""
	cfgB.Server.QUIC.Address = "127.0.0.1:0"
	b := startRunner(t, cfgB, Options{})
	if len(b.uris) != 1 || !strings.HasPrefix(b.uris[0], "quic://") {
		t.Fatalf("unexpected uris %v", b.uris)
	}
	bKey := b.r.Self.Default().Public

	cfgA := testConfig(t)
	cfgA.Directory = []config.DirectoryEntry{{Key: bKey.String(), URL: b.uris[0]}}
	m := metrics.New()
	a := startRunner(t, cfgA, Options{Metrics: m})

	h, err := a.r.Resolver.Send(context.Background(), []byte("quic"), nil, []crypto.PublicKey{bKey})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := waitReceive(t, b.r, h, bKey); string(got) != "quic" {
		t.Fatalf("unexpected payload %q", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshot().Push.OK == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("push not counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWhitelistRejectsUnknownOrigin(t *testing.T) {
	cfg := testConfig(t)
	cfg.Peers.UseWhiteList = true
	cfg.Peers.URLs = []string{"http://10.9.9.9:9080"}
	b := startRunner(t, cfg, Options{})

	resp, err := http.Get(b.uris[0] + "/upcheck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if b.r.Metrics.Snapshot().Gate.Reject != 1 {
		t.Fatalf("reject not counted")
	}
}

func TestSnapshotWrittenOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	r, err := NewRunner(context.Background(), cfg, Options{KV: store.NewMemoryKV(), HostResolver: noNames{}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan []string, 1)
	done := make(chan error, 1)
	go func() { done <- r.RunWithContext(ctx, ready) }()
	<-ready
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Node.Home, metricsFileName)); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
}

func TestNewRunnerNeedsAServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.REST.Address = ""
	if _, err := NewRunner(context.Background(), cfg, Options{KV: store.NewMemoryKV()}); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestKeysFromVaultAndDisk(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	v, err := vault.NewFileVault(filepath.Join(cfg.Node.Home, "vault"))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	gen, err := vault.NewVaultKeyGenerator(v).Generate(ctx, "relay-1", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	diskBase := filepath.Join(cfg.Node.Home, "disk")
	disk, err := (&vault.FileKeyGenerator{}).Generate(ctx, diskBase, nil)
	if err != nil {
		t.Fatalf("file generate: %v", err)
	}
	cfg.Vault.Type = vault.TypeFile
	cfg.Keys = []config.KeyConfig{{VaultID: "relay-1"}, {Path: diskBase}}

	r, err := NewRunner(ctx, cfg, Options{KV: store.NewMemoryKV(), Vault: v})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer func() { _ = r.shutdown(context.Background()) }()
	if r.Self.Default().Public != gen.Public || !r.Self.IsLocal(disk.Public) {
		t.Fatalf("keys not loaded in order")
	}
}
