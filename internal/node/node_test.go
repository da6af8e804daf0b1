package node

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"txrelay/internal/crypto"
)

func TestNewNodeGeneratesAndReloadsDefaultKey(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNode(dir, Options{})
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "default.pub")); err != nil {
		t.Fatalf("expected public key persisted: %v", err)
	}
	again, err := NewNode(dir, Options{})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.Default().Public != n.Default().Public {
		t.Fatalf("reload generated a new key")
	}
}

func TestNewNodeLoadsConfiguredKeysInOrder(t *testing.T) {
	dir := t.TempDir()
	a, _ := crypto.GenerateKeyPair()
	b, _ := crypto.GenerateKeyPair()
	if err := crypto.SaveKeyPair(filepath.Join(dir, "a"), a, "", nil); err != nil {
		t.Fatalf("save a: %v", err)
	}
	opts := crypto.ArgonOptions{Variant: "id", Memory: 1024, Iterations: 1, Parallelism: 1}
	if err := crypto.SaveKeyPair(filepath.Join(dir, "b"), b, "pw", &opts); err != nil {
		t.Fatalf("save b: %v", err)
	}
	n, err := NewNode(dir, Options{KeyFiles: []KeyFile{
		{Path: filepath.Join(dir, "b"), Password: "pw"},
		{Path: filepath.Join(dir, "a")},
	}})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if n.Default().Public != b.Public {
		t.Fatalf("first configured key must be the default")
	}
	if !n.IsLocal(a.Public) || len(n.PublicKeys()) != 2 {
		t.Fatalf("expected both keys local")
	}
	if _, err := NewNode(dir, Options{KeyFiles: []KeyFile{{Path: filepath.Join(dir, "b"), Password: "wrong"}}}); !errors.Is(err, crypto.ErrWrongPassword) {
		t.Fatalf("expected wrong password, got %v", err)
	}
}

func TestFromKeyPairs(t *testing.T) {
	if _, err := FromKeyPairs(); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected no keys, got %v", err)
	}
	a, _ := crypto.GenerateKeyPair()
	n, err := FromKeyPairs(a, a)
	if err != nil {
		t.Fatalf("from keypairs: %v", err)
	}
	if len(n.KeyPairs()) != 1 {
		t.Fatalf("duplicate keypair kept")
	}
	if _, ok := n.KeyPair(crypto.PublicKey{1}); ok {
		t.Fatalf("unexpected key hit")
	}
	bad := crypto.KeyPair{Public: a.Public}
	if _, err := FromKeyPairs(bad); err == nil {
		t.Fatalf("expected invalid keypair error")
	}
}
