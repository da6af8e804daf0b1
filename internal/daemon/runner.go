// Package daemon wires a configured relay together and runs it until its
// context ends.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"txrelay/internal/config"
	"txrelay/internal/crypto"
	"txrelay/internal/debuglog"
	"txrelay/internal/distribute"
	"txrelay/internal/gate"
	"txrelay/internal/metrics"
	"txrelay/internal/network"
	"txrelay/internal/node"
	"txrelay/internal/peer"
	"txrelay/internal/resolver"
	"txrelay/internal/server"
	"txrelay/internal/store"
	"txrelay/internal/vault"
)

const (
	DefaultShutdownTimeout = 10 * time.Second
	metricsFileName        = "metrics.json"
)

type Runner struct {
	Config      *config.Config
	Self        *node.Node
	Store       *store.Store
	Registry    *peer.Registry
	Directory   *peer.Directory
	Distributor *distribute.Distributor
	Resolver    *resolver.Resolver
	Metrics     *metrics.Metrics

	servers    []server.Server
	quicClient *network.Client
	snapPath   string
	stopSnap   chan struct{}
	snapDone   chan struct{}

	mu      sync.Mutex
	started []server.Server
}

type Options struct {
	Metrics *metrics.Metrics
	// KV replaces the configured storage backend.
	KV store.KV
	// Vault replaces the configured vault for [[keys]] with a vaultId.
	Vault vault.SecretReader
	// HostResolver is used by the gate for reverse lookups. Nil uses the
	// system resolver.
	HostResolver gate.HostResolver
	Factories    []server.Factory
}

func NewRunner(ctx context.Context, cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("missing config")
	}
	home := cfg.Node.Home
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	self, err := loadNode(ctx, cfg, opts.Vault)
	if err != nil {
		return nil, err
	}
	registry, err := peer.NewRegistry(cfg.Peers.URLs, cfg.Peers.UseWhiteList)
	if err != nil {
		return nil, err
	}
	seed, err := cfg.DirectoryEntries()
	if err != nil {
		return nil, err
	}
	dir, err := peer.NewDirectory(cfg.DirectoryPath(), seed)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}

	kv := opts.KV
	if kv == nil {
		kv, err = store.OpenKV(ctx, cfg.StorageOptions())
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}
	st, err := store.New(kv, store.Options{CacheSize: cfg.Storage.CacheSize, Metrics: m})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	qc := cfg.Server.QUIC
	quicClient, err := network.NewClient(network.TLSOptions{CAFile: qc.CAFile, Insecure: qc.Insecure})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	fail := func(err error) (*Runner, error) {
		_ = quicClient.Close()
		_ = st.Close()
		return nil, err
	}
	router := distribute.Router{
		network.SchemeQUIC:  quicClient,
		network.SchemeHTTP:  network.NewHTTPClient(nil),
		network.SchemeHTTPS: network.NewHTTPClient(nil),
	}
	dc := cfg.Distribution
	dist := distribute.New(router, distribute.Options{
		MaxAttempts:    dc.MaxAttempts,
		AttemptTimeout: dc.AttemptTimeout,
		BackoffBase:    dc.BackoffBase,
		BackoffMax:     dc.BackoffMax,
		Concurrency:    dc.Concurrency,
		Metrics:        m,
	})
	res, err := resolver.New(resolver.Options{
		Keys:        self,
		Store:       st,
		Directory:   dir,
		Distributor: dist,
		Metrics:     m,
	})
	if err != nil {
		return fail(err)
	}

	var hostResolver gate.HostResolver = net.DefaultResolver
	if opts.HostResolver != nil {
		hostResolver = opts.HostResolver
	}
	factories := opts.Factories
	if factories == nil {
		factories = server.Factories(server.Deps{
			Gate:         gate.New(registry),
			HostResolver: hostResolver,
			Metrics:      m,
		})
	}
	servers, err := server.CreateServers(factories, cfg, []any{server.NewService(res)})
	if err != nil {
		return fail(err)
	}
	if len(servers) == 0 {
		return fail(errors.New("no server configured"))
	}

	snapPath := cfg.Node.MetricsFile
	if snapPath == "" {
		snapPath = filepath.Join(home, metricsFileName)
	}
	return &Runner{
		Config:      cfg,
		Self:        self,
		Store:       st,
		Registry:    registry,
		Directory:   dir,
		Distributor: dist,
		Resolver:    res,
		Metrics:     m,
		servers:     servers,
		quicClient:  quicClient,
		snapPath:    snapPath,
	}, nil
}

// loadNode reads [[keys]] from disk and the vault, or falls back to the
// default keypair under home.
func loadNode(ctx context.Context, cfg *config.Config, v vault.SecretReader) (*node.Node, error) {
	if len(cfg.Keys) == 0 {
		return node.NewNode(cfg.Node.Home, node.Options{})
	}
	kps := make([]crypto.KeyPair, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k.Path != "" {
			kp, err := crypto.LoadKeyPair(k.Path+".pub", k.Path+".key", k.Password)
			if err != nil {
				return nil, fmt.Errorf("load key %s: %w", k.Path, err)
			}
			kps = append(kps, kp)
			continue
		}
		if v == nil {
			opened, err := vault.Open(ctx, cfg.VaultOptions())
			if err != nil {
				return nil, err
			}
			v = opened
		}
		kp, err := vault.LoadKeyPair(ctx, v, k.VaultID)
		if err != nil {
			return nil, fmt.Errorf("load vault key %s: %w", k.VaultID, err)
		}
		kps = append(kps, kp)
	}
	return node.FromKeyPairs(kps...)
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.Metrics == nil || r.snapPath == "" || r.stopSnap != nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	r.stopSnap = make(chan struct{})
	r.snapDone = make(chan struct{})
	go func() {
		defer close(r.snapDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
					debuglog.RateLimitedf("metrics-snapshot", time.Minute, "metrics snapshot failed: %v", err)
				}
			case <-r.stopSnap:
				return
			}
		}
	}()
}

// StopSnapshotWriter stops the writer and leaves a final snapshot behind.
func (r *Runner) StopSnapshotWriter() {
	if r == nil || r.stopSnap == nil {
		return
	}
	close(r.stopSnap)
	<-r.snapDone
	r.stopSnap = nil
	_ = r.Metrics.WriteSnapshot(r.snapPath)
}

// Servers lists the bound servers after Run signalled ready.
func (r *Runner) Servers() []server.Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]server.Server, len(r.started))
	copy(out, r.started)
	return out
}

func (r *Runner) Run(ctx context.Context) error {
	return r.RunWithContext(ctx, nil)
}

// RunWithContext starts every server, sends their URIs on ready and blocks
// until ctx ends. Shutdown stops the servers, then waits for pending pushes.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- []string) error {
	if r == nil {
		return fmt.Errorf("missing runner")
	}
	r.StartSnapshotWriter(r.Config.Node.MetricsInterval)
	defer r.StopSnapshotWriter()

	startErr := r.startServers(ctx)
	if startErr == nil {
		uris := make([]string, 0, len(r.servers))
		for _, s := range r.Servers() {
			uris = append(uris, s.URI().String())
		}
		debuglog.Logf("relay ready: keys=%d peers=%d servers=%v", len(r.Self.KeyPairs()), len(r.Registry.Peers()), uris)
		if ready != nil {
			select {
			case ready <- uris:
			default:
			}
		}
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	err := r.shutdown(shutdownCtx)
	if startErr != nil {
		return startErr
	}
	return err
}

func (r *Runner) startServers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range r.servers {
		g.Go(func() error {
			if err := s.Start(gctx); err != nil {
				return fmt.Errorf("start %s: %w", s.URI(), err)
			}
			r.mu.Lock()
			r.started = append(r.started, s)
			r.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range r.Servers() {
		g.Go(func() error {
			if err := s.Stop(ctx); err != nil {
				debuglog.Logf("stop %s: %v", s.URI(), err)
				return err
			}
			return nil
		})
	}
	errs := []error{g.Wait()}
	if err := r.Distributor.Close(ctx); err != nil {
		debuglog.Logf("distributor close: %v", err)
		errs = append(errs, err)
	}
	_ = r.quicClient.Close()
	errs = append(errs, r.Store.Close())
	return errors.Join(errs...)
}
