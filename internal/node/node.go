package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"txrelay/internal/crypto"
	"txrelay/internal/debuglog"
)

const DefaultKeyName = "default"

var ErrNoKeys = errors.New("node has no keys")

// KeyFile names one keypair on disk: <Path>.pub and <Path>.key.
type KeyFile struct {
	Path     string
	Password string
}

type Options struct {
	// KeyFiles are loaded in order; the first is the default sender key.
	// When empty a default keypair is loaded from, or generated into, home.
	KeyFiles []KeyFile
}

// Node holds the keypairs this relay decrypts and sends for.
type Node struct {
	keys  []crypto.KeyPair
	byPub map[crypto.PublicKey]int
}

func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	files := opts.KeyFiles
	if len(files) == 0 {
		base := filepath.Join(home, DefaultKeyName)
		if _, err := os.Stat(base + ".key"); os.IsNotExist(err) {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return nil, err
			}
			if err := crypto.SaveKeyPair(base, kp, "", nil); err != nil {
				return nil, err
			}
			debuglog.Logf("generated node key: pub=%s path=%s", kp.Public, base)
		}
		files = []KeyFile{{Path: base}}
	}
	kps := make([]crypto.KeyPair, 0, len(files))
	for _, f := range files {
		kp, err := crypto.LoadKeyPair(f.Path+".pub", f.Path+".key", f.Password)
		if err != nil {
			return nil, fmt.Errorf("load key %s: %w", f.Path, err)
		}
		kps = append(kps, kp)
	}
	return FromKeyPairs(kps...)
}

func FromKeyPairs(kps ...crypto.KeyPair) (*Node, error) {
	if len(kps) == 0 {
		return nil, ErrNoKeys
	}
	n := &Node{byPub: make(map[crypto.PublicKey]int, len(kps))}
	for _, kp := range kps {
		if err := kp.Validate(); err != nil {
			return nil, err
		}
		if _, dup := n.byPub[kp.Public]; dup {
			continue
		}
		n.byPub[kp.Public] = len(n.keys)
		n.keys = append(n.keys, kp)
	}
	return n, nil
}

func (n *Node) Default() crypto.KeyPair {
	return n.keys[0]
}

func (n *Node) KeyPair(pub crypto.PublicKey) (crypto.KeyPair, bool) {
	i, ok := n.byPub[pub]
	if !ok {
		return crypto.KeyPair{}, false
	}
	return n.keys[i], true
}

func (n *Node) IsLocal(pub crypto.PublicKey) bool {
	_, ok := n.byPub[pub]
	return ok
}

func (n *Node) KeyPairs() []crypto.KeyPair {
	out := make([]crypto.KeyPair, len(n.keys))
	copy(out, n.keys)
	return out
}

func (n *Node) PublicKeys() []crypto.PublicKey {
	out := make([]crypto.PublicKey, len(n.keys))
	for i, kp := range n.keys {
		out[i] = kp.Public
	}
	return out
}
