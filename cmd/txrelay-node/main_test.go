package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"txrelay/internal/crypto"
	"txrelay/internal/metrics"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "txrelay-node") {
		t.Fatalf("expected help output to mention txrelay-node")
	}
	if code := run([]string{"bogus"}, &out, &out); code != 1 {
		t.Fatalf("expected exit code 1 for unknown command, got %d", code)
	}
}

func TestKeygenFile(t *testing.T) {
	base := filepath.Join(t.TempDir(), "keys", "alice")
	var out, errOut bytes.Buffer
	if code := run([]string{"keygen", "--out", base}, &out, &errOut); code != 0 {
		t.Fatalf("keygen failed: %s", errOut.String())
	}
	kp, err := crypto.LoadKeyPair(base+".pub", base+".key", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(out.String(), "public="+kp.Public.String()) {
		t.Fatalf("public key not printed: %s", out.String())
	}

	locked := filepath.Join(t.TempDir(), "bob")
	if code := run([]string{"keygen", "--out", locked, "--lock"}, &out, &errOut); code != 1 {
		t.Fatalf("--lock without password should fail")
	}
	if code := run([]string{"keygen", "--out", locked, "--lock", "--password", "pw"}, &out, &errOut); code != 0 {
		t.Fatalf("locked keygen failed: %s", errOut.String())
	}
	if _, err := crypto.LoadKeyPair(locked+".pub", locked+".key", "pw"); err != nil {
		t.Fatalf("load locked: %v", err)
	}
}

func TestKeygenVault(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	code := run([]string{"keygen", "--vault", "file", "--vault-dir", dir, "--id", "keys/node-7"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("vault keygen failed: %s", errOut.String())
	}
	for _, name := range []string{"node-7Pub", "node-7Key"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing secret %s: %v", name, err)
		}
	}
	errOut.Reset()
	if code := run([]string{"keygen", "--vault", "file", "--vault-dir", dir, "--id", "bad_id"}, &out, &errOut); code != 1 {
		t.Fatalf("invalid identifier should fail")
	}
	if !strings.Contains(errOut.String(), "0-9, a-z, A-Z and -") {
		t.Fatalf("unexpected error output %q", errOut.String())
	}
}

func TestStatus(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TXRELAY_HOME", home)
	var out bytes.Buffer
	if code := run([]string{"status"}, &out, &out); code != 1 {
		t.Fatalf("status without snapshot should fail")
	}

	m := metrics.New()
	m.IncTxSent()
	m.IncGateReject()
	m.RecordPushFailure(metrics.PushFailure{Hash: "h", Peer: "http://p:1", Attempts: 4, Error: "down"})
	if err := m.WriteSnapshot(filepath.Join(home, "metrics.json")); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	out.Reset()
	if code := run([]string{"status"}, &out, &out); code != 0 {
		t.Fatalf("status failed: %s", out.String())
	}
	for _, want := range []string{"sent=1", "reject=1", "failed=1", "peer=http://p:1"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("status output missing %q:\n%s", want, out.String())
		}
	}
}

func TestDirectoryAddAndList(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TXRELAY_HOME", home)
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	var out, errOut bytes.Buffer
	if code := run([]string{"directory", "add", kp.Public.String(), "quic://b.example:9443"}, &out, &errOut); code != 0 {
		t.Fatalf("directory add failed: %s", errOut.String())
	}
	if _, err := os.Stat(filepath.Join(home, "directory.jsonl")); err != nil {
		t.Fatalf("directory file not written: %v", err)
	}

	out.Reset()
	if code := run([]string{"directory", "list"}, &out, &errOut); code != 0 {
		t.Fatalf("directory list failed: %s", errOut.String())
	}
	for _, want := range []string{"entries=1", kp.Public.String() + " quic://b.example:9443"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("list output missing %q:\n%s", want, out.String())
		}
	}

	for _, args := range [][]string{
		{"directory"},
		{"directory", "add", "not-a-key", "http://b.example"},
		{"directory", "add", kp.Public.String(), "no-scheme"},
		{"directory", "add", kp.Public.String()},
		{"directory", "remove"},
	} {
		errOut.Reset()
		if code := run(args, &out, &errOut); code != 1 {
			t.Fatalf("%v: expected exit code 1", args)
		}
	}
}
