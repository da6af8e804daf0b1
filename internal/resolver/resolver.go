// Package resolver implements the relay's transaction operations on top of
// the envelope codec, the store and the distributor.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"txrelay/internal/crypto"
	"txrelay/internal/debuglog"
	"txrelay/internal/distribute"
	"txrelay/internal/envelope"
	"txrelay/internal/metrics"
	"txrelay/internal/peer"
	"txrelay/internal/store"
)

type Role int

const (
	RoleUnspecified Role = iota
	RoleRecipient
	RoleSender
)

func (r Role) String() string {
	switch r {
	case RoleRecipient:
		return "recipient"
	case RoleSender:
		return "sender"
	default:
		return "unspecified"
	}
}

var (
	ErrNotFound     = store.ErrNotFound
	ErrUnauthorized = envelope.ErrUnauthorized
	ErrKey          = envelope.ErrKey
)

// Keys is the set of keypairs held by this node.
type Keys interface {
	Default() crypto.KeyPair
	KeyPair(pub crypto.PublicKey) (crypto.KeyPair, bool)
	KeyPairs() []crypto.KeyPair
	IsLocal(pub crypto.PublicKey) bool
}

type Directory interface {
	Lookup(key crypto.PublicKey) (peer.Peer, bool)
}

type Distributor interface {
	Distribute(ctx context.Context, env *envelope.EncodedPayload, hash envelope.TxHash, targets []peer.Peer) *distribute.Job
}

type Options struct {
	Keys        Keys
	Store       *store.Store
	Directory   Directory
	Distributor Distributor
	Metrics     *metrics.Metrics
}

type Resolver struct {
	keys    Keys
	store   *store.Store
	dir     Directory
	dist    Distributor
	metrics *metrics.Metrics
}

func New(opts Options) (*Resolver, error) {
	if opts.Keys == nil || opts.Store == nil {
		return nil, errors.New("resolver: keys and store are required")
	}
	return &Resolver{
		keys:    opts.Keys,
		store:   opts.Store,
		dir:     opts.Directory,
		dist:    opts.Distributor,
		metrics: opts.Metrics,
	}, nil
}

// Send seals payload for to, stores it and starts distribution to the nodes
// of non-local recipients. from defaults to the node's default key and must
// be held locally. Distribution outcome does not affect the result.
func (r *Resolver) Send(ctx context.Context, payload []byte, from *crypto.PublicKey, to []crypto.PublicKey) (envelope.TxHash, error) {
	sender := r.keys.Default()
	if from != nil {
		kp, ok := r.keys.KeyPair(*from)
		if !ok {
			return envelope.TxHash{}, fmt.Errorf("%w: sender %s is not a local key", ErrKey, from)
		}
		sender = kp
	}
	env, err := envelope.Seal(payload, sender, to)
	if err != nil {
		return envelope.TxHash{}, err
	}
	h, err := r.store.Put(ctx, env)
	if err != nil {
		return h, err
	}
	r.metrics.IncTxSent()
	r.distribute(ctx, env, h, to)
	return h, nil
}

func (r *Resolver) distribute(ctx context.Context, env *envelope.EncodedPayload, h envelope.TxHash, to []crypto.PublicKey) {
	if r.dist == nil {
		return
	}
	seen := make(map[string]bool)
	var targets []peer.Peer
	for _, k := range to {
		if r.keys.IsLocal(k) {
			continue
		}
		var p peer.Peer
		ok := false
		if r.dir != nil {
			p, ok = r.dir.Lookup(k)
		}
		if !ok {
			r.metrics.IncPushNoRoute()
			debuglog.Logf("no peer for recipient: hash=%s key=%s", h, k)
			continue
		}
		if seen[p.String()] {
			continue
		}
		seen[p.String()] = true
		targets = append(targets, p)
	}
	if len(targets) == 0 {
		return
	}
	job := r.dist.Distribute(ctx, env, h, targets)
	debuglog.Debugf("distribution started: job=%s hash=%s peers=%d", job.ID, h, len(targets))
}

// Receive decrypts the stored transaction for requester. A nil requester
// tries every local key. RoleUnspecified tries the recipient role before
// the sender role. Every decryption failure matches ErrUnauthorized.
func (r *Resolver) Receive(ctx context.Context, h envelope.TxHash, requester *crypto.PublicKey, role Role) ([]byte, error) {
	env, err := r.store.Get(ctx, h)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.metrics.IncTxNotFound()
		}
		return nil, err
	}
	var candidates []crypto.KeyPair
	if requester == nil {
		candidates = r.keys.KeyPairs()
	} else {
		kp, ok := r.keys.KeyPair(*requester)
		if !ok {
			r.metrics.IncTxUnauthorized()
			return nil, fmt.Errorf("%w: %s is not a local key", ErrUnauthorized, requester)
		}
		candidates = []crypto.KeyPair{kp}
	}
	roles := []Role{role}
	if role == RoleUnspecified {
		roles = []Role{RoleRecipient, RoleSender}
	}
	lastErr := error(envelope.ErrRecipientNotFound)
	for _, kp := range candidates {
		for _, ro := range roles {
			if ro == RoleSender && env.SenderKey != kp.Public {
				continue
			}
			payload, err := envelope.Open(env, kp, ro == RoleSender)
			if err == nil {
				r.metrics.IncTxReceived()
				return payload, nil
			}
			lastErr = err
		}
	}
	r.metrics.IncTxUnauthorized()
	return nil, lastErr
}

// Push stores an envelope received from a peer, merging with any copy
// already held.
func (r *Resolver) Push(ctx context.Context, encoded []byte) (envelope.TxHash, error) {
	env, err := envelope.Decode(encoded)
	if err != nil {
		return envelope.TxHash{}, err
	}
	h, err := r.store.Put(ctx, env)
	if err != nil {
		return h, err
	}
	r.metrics.IncPushInbound()
	return h, nil
}

func (r *Resolver) Delete(ctx context.Context, h envelope.TxHash) error {
	if err := r.store.Delete(ctx, h); err != nil {
		return err
	}
	r.metrics.IncTxDeleted()
	return nil
}
