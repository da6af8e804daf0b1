package peer_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"txrelay/internal/crypto"
	"txrelay/internal/peer"
)

func keyWithByte(b byte) crypto.PublicKey {
	var k crypto.PublicKey
	k[0] = b
	return k
}

func TestDirectorySeedAndLookup(t *testing.T) {
	d, err := peer.NewDirectory("", []peer.Entry{
		{Key: keyWithByte(1), URL: "http://b.example:9001"},
		{Key: keyWithByte(2), URL: "quic://c.example:9443"},
	})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	p, ok := d.Lookup(keyWithByte(2))
	if !ok || p.String() != "quic://c.example:9443" {
		t.Fatalf("unexpected lookup result %v ok=%v", p, ok)
	}
	if _, ok := d.Lookup(keyWithByte(3)); ok {
		t.Fatalf("unexpected hit for unknown key")
	}
	if _, err := peer.NewDirectory("", []peer.Entry{{Key: keyWithByte(1), URL: "nope"}}); !errors.Is(err, peer.ErrInvalidPeerURI) {
		t.Fatalf("expected invalid uri, got %v", err)
	}
	if _, err := peer.NewDirectory("", []peer.Entry{{URL: "http://b"}}); !errors.Is(err, crypto.ErrBadKey) {
		t.Fatalf("expected bad key, got %v", err)
	}
}

func TestDirectoryPersistsLastRecordWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir", "directory.jsonl")
	d, err := peer.NewDirectory(path, nil)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	if err := d.Set(peer.Entry{Key: keyWithByte(1), URL: "http://old.example"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := d.Set(peer.Entry{Key: keyWithByte(1), URL: "http://new.example"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("garbage\n{\"key\":\"short\",\"url\":\"http://x\"}\n")
	_ = f.Close()

	re, err := peer.NewDirectory(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if re.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", re.Len())
	}
	p, ok := re.Lookup(keyWithByte(1))
	if !ok || p.Host() != "new.example" {
		t.Fatalf("expected newest record, got %v", p)
	}
}
