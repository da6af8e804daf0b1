package peer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"txrelay/internal/crypto"
	"txrelay/internal/debuglog"
	"txrelay/internal/store"
)

// Entry binds a recipient public key to the node that serves it.
type Entry struct {
	Key crypto.PublicKey
	URL string
}

type diskEntry struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Directory resolves recipient keys to their owning peers. Entries come from
// configuration and, when a path is set, from an append-only JSONL file in
// which the last record for a key wins.
type Directory struct {
	mu      sync.RWMutex
	path    string
	entries map[crypto.PublicKey]Peer
}

func NewDirectory(path string, seed []Entry) (*Directory, error) {
	d := &Directory{path: path, entries: make(map[crypto.PublicKey]Peer)}
	for _, e := range seed {
		if err := d.setLocked(e); err != nil {
			return nil, err
		}
	}
	if path == "" {
		return d, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := store.TrimTornTail(path); err != nil {
		return nil, err
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) load() error {
	return store.ScanJSONL(d.path, func(line []byte) error {
		var rec diskEntry
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		key, err := crypto.ParsePublicKey(rec.Key)
		if err != nil {
			debuglog.Debugf("directory: skip record key=%q: %v", rec.Key, err)
			return nil
		}
		if err := d.setLocked(Entry{Key: key, URL: rec.URL}); err != nil {
			debuglog.Debugf("directory: skip record key=%s: %v", key, err)
		}
		return nil
	})
}

func (d *Directory) setLocked(e Entry) error {
	if e.Key.IsZero() {
		return fmt.Errorf("%w: zero key", crypto.ErrBadKey)
	}
	p, err := ParsePeer(e.URL)
	if err != nil {
		return err
	}
	d.entries[e.Key] = p
	return nil
}

// Set records the owner of key, persisting it when the directory has a file.
func (d *Directory) Set(e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setLocked(e); err != nil {
		return err
	}
	if d.path == "" {
		return nil
	}
	return store.AppendJSONL(d.path, diskEntry{Key: e.Key.String(), URL: e.URL})
}

func (d *Directory) Lookup(key crypto.PublicKey) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.entries[key]
	return p, ok
}

// Entries lists the directory ordered by key.
func (d *Directory) Entries() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.entries))
	for k, p := range d.entries {
		out = append(out, Entry{Key: k, URL: p.String()})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key[:], out[j].Key[:]) < 0
	})
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
