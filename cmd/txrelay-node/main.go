package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"txrelay/internal/config"
	"txrelay/internal/crypto"
	"txrelay/internal/daemon"
	"txrelay/internal/debuglog"
	"txrelay/internal/metrics"
	"txrelay/internal/peer"
	"txrelay/internal/pprofutil"
	"txrelay/internal/vault"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "directory":
		return runDirectory(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: txrelay-node <run|keygen|status|directory> [args]")
	fmt.Fprintln(w, "  run     [--config <file>] [--debug]")
	fmt.Fprintln(w, "  keygen  --out <path> [--lock --password <pw>]")
	fmt.Fprintln(w, "  keygen  --vault <file|azure|aws> --id <name> [--vault-dir|--vault-url|--vault-region]")
	fmt.Fprintln(w, "  status  [--config <file>]")
	fmt.Fprintln(w, "  directory add [--config <file>] <public-key> <peer-url>")
	fmt.Fprintln(w, "  directory list [--config <file>]")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "TOML config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv(debuglog.EnvDebug, "1")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runner, err := daemon.NewRunner(ctx, cfg, daemon.Options{Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ready := make(chan []string, 1)
	go func() {
		select {
		case uris := <-ready:
			fmt.Fprintf(stdout, "READY servers=%s key=%s\n", strings.Join(uris, ","), runner.Self.Default().Public)
		case <-ctx.Done():
		}
	}()
	if err := runner.RunWithContext(ctx, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "file key path; writes <out>.pub and <out>.key")
	lock := fs.Bool("lock", false, "lock the private key with argon2id")
	password := fs.String("password", "", "password for --lock")
	vaultType := fs.String("vault", "", "store the keypair in a vault: file, azure or aws")
	id := fs.String("id", "", "vault key identifier")
	vaultDir := fs.String("vault-dir", "", "directory for the file vault")
	vaultURL := fs.String("vault-url", "", "azure key vault url")
	vaultRegion := fs.String("vault-region", "", "aws region")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx := context.Background()

	var gen vault.KeyGenerator
	target := *out
	var opts *crypto.ArgonOptions
	if *vaultType != "" {
		v, err := vault.Open(ctx, vault.Options{Type: *vaultType, Dir: *vaultDir, URL: *vaultURL, Region: *vaultRegion})
		if err != nil {
			fmt.Fprintf(stderr, "vault: %v\n", err)
			return 1
		}
		gen = vault.NewVaultKeyGenerator(v)
		target = *id
	} else {
		if target == "" {
			fmt.Fprintln(stderr, "missing --out")
			return 1
		}
		if *lock {
			if *password == "" {
				fmt.Fprintln(stderr, "--lock needs --password")
				return 1
			}
			o := crypto.DefaultArgonOptions()
			opts = &o
		}
		if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
			fmt.Fprintf(stderr, "keygen: %v\n", err)
			return 1
		}
		gen = &vault.FileKeyGenerator{Password: *password}
	}
	keys, err := gen.Generate(ctx, target, opts)
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "public=%s\n", keys.Public)
	fmt.Fprintf(stdout, "stored=%s,%s\n", keys.PublicID, keys.PrivateID)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "TOML config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	path := cfg.Node.MetricsFile
	if path == "" {
		path = filepath.Join(cfg.Node.Home, "metrics.json")
	}
	snap, ok := readMetricsSnapshot(path)
	if !ok {
		fmt.Fprintf(stdout, "status: no metrics snapshot at %s\n", path)
		return 1
	}
	fmt.Fprintf(stdout, "Local relay summary (as of %s):\n", snap.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(stdout, "  tx: sent=%d received=%d unauthorized=%d not_found=%d deleted=%d\n",
		snap.Tx.Sent, snap.Tx.Received, snap.Tx.Unauthorized, snap.Tx.NotFound, snap.Tx.Deleted)
	fmt.Fprintf(stdout, "  push: ok=%d failed=%d retried=%d inbound=%d no_route=%d\n",
		snap.Push.OK, snap.Push.Failed, snap.Push.Retried, snap.Push.Inbound, snap.Push.NoRoute)
	fmt.Fprintf(stdout, "  gate: allow=%d reject=%d indeterminate=%d\n",
		snap.Gate.Allow, snap.Gate.Reject, snap.Gate.Indeterminate)
	if len(snap.DropByReason) > 0 {
		reasons := make([]string, 0, len(snap.DropByReason))
		for r := range snap.DropByReason {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		parts := make([]string, len(reasons))
		for i, r := range reasons {
			parts[i] = fmt.Sprintf("%s=%d", r, snap.DropByReason[r])
		}
		fmt.Fprintf(stdout, "  drops: %s\n", strings.Join(parts, " "))
	}
	for _, f := range snap.Recent {
		fmt.Fprintf(stdout, "  failed push: hash=%s peer=%s attempts=%d err=%s\n", f.Hash, f.Peer, f.Attempts, f.Error)
	}
	return 0
}

// runDirectory edits the key -> peer file read by the node at startup.
func runDirectory(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "directory: expected add or list")
		return 1
	}
	sub := args[0]
	fs := flag.NewFlagSet("directory "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "TOML config file")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	switch sub {
	case "add":
		if fs.NArg() != 2 {
			fmt.Fprintln(stderr, "directory add: need <public-key> <peer-url>")
			return 1
		}
		key, err := crypto.ParsePublicKey(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "directory add: %v\n", err)
			return 1
		}
		dir, err := peer.NewDirectory(cfg.DirectoryPath(), nil)
		if err != nil {
			fmt.Fprintf(stderr, "directory add: %v\n", err)
			return 1
		}
		if err := dir.Set(peer.Entry{Key: key, URL: fs.Arg(1)}); err != nil {
			fmt.Fprintf(stderr, "directory add: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "added key=%s url=%s file=%s\n", key, fs.Arg(1), cfg.DirectoryPath())
		return 0
	case "list":
		seed, err := cfg.DirectoryEntries()
		if err != nil {
			fmt.Fprintf(stderr, "directory list: %v\n", err)
			return 1
		}
		dir, err := peer.NewDirectory(cfg.DirectoryPath(), seed)
		if err != nil {
			fmt.Fprintf(stderr, "directory list: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "entries=%d\n", dir.Len())
		for _, e := range dir.Entries() {
			fmt.Fprintf(stdout, "%s %s\n", e.Key, e.URL)
		}
		return 0
	default:
		fmt.Fprintf(stderr, "directory: unknown subcommand %q\n", sub)
		return 1
	}
}

func readMetricsSnapshot(path string) (metrics.Snapshot, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, false
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, false
	}
	return snap, true
}
