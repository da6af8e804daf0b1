// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"txrelay/internal/crypto"
	"txrelay/internal/envelope"
	"txrelay/internal/metrics"
)

const DefaultCacheSize = 1024

type Options struct {
	// CacheSize bounds decoded envelopes kept in memory; <0 disables.
	CacheSize int
	Metrics   *metrics.Metrics
}

// Store is the content-addressed transaction store. Writes to one hash are
// serialized; writes to distinct hashes proceed in parallel.
type Store struct {
	kv      KV
	cache   *lru.Cache
	locks   hashLocks
	metrics *metrics.Metrics
}

func New(kv KV, opts Options) (*Store, error) {
	if kv == nil {
		return nil, errors.New("store: nil kv")
	}
	s := &Store{kv: kv, metrics: opts.Metrics}
	size := opts.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	if size > 0 {
		c, err := lru.New(size)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	return s, nil
}

// Put stores env under its hash. When the hash exists the recipient boxes are
// merged: new recipients are appended and existing ones are left untouched.
func (s *Store) Put(ctx context.Context, env *envelope.EncodedPayload) (envelope.TxHash, error) {
	if env == nil || len(env.RecipientBoxes) == 0 {
		return envelope.TxHash{}, fmt.Errorf("%w: no recipient boxes", envelope.ErrMalformed)
	}
	h := envelope.Hash(env)
	unlock := s.locks.lock(h)
	defer unlock()

	existing, err := s.load(ctx, h)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := s.write(ctx, h, env); err != nil {
			return h, err
		}
		s.metrics.IncStoreInsert()
		return h, nil
	case err != nil:
		return h, err
	}

	merged, added, err := envelope.Merge(existing, env)
	if err != nil {
		return h, err
	}
	if added > 0 {
		if err := s.write(ctx, h, merged); err != nil {
			return h, err
		}
	}
	s.metrics.AddStoreMerge(added)
	return h, nil
}

func (s *Store) Get(ctx context.Context, h envelope.TxHash) (*envelope.EncodedPayload, error) {
	env, err := s.load(ctx, h)
	if err != nil {
		return nil, err
	}
	return env.Clone(), nil
}

func (s *Store) ListRecipients(ctx context.Context, h envelope.TxHash) ([]crypto.PublicKey, error) {
	env, err := s.load(ctx, h)
	if err != nil {
		return nil, err
	}
	return env.Recipients(), nil
}

func (s *Store) Delete(ctx context.Context, h envelope.TxHash) error {
	unlock := s.locks.lock(h)
	defer unlock()
	if _, err := s.load(ctx, h); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Remove(h)
	}
	return s.kv.Delete(ctx, h.Bytes())
}

func (s *Store) Close() error {
	return s.kv.Close()
}

// load returns the shared cached value; callers must not mutate it.
func (s *Store) load(ctx context.Context, h envelope.TxHash) (*envelope.EncodedPayload, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(h); ok {
			s.metrics.IncStoreCacheHit()
			return v.(*envelope.EncodedPayload), nil
		}
	}
	raw, err := s.kv.Get(ctx, h.Bytes())
	if err != nil {
		return nil, err
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", h, err)
	}
	if s.cache != nil {
		s.cache.Add(h, env)
	}
	return env, nil
}

func (s *Store) write(ctx context.Context, h envelope.TxHash, env *envelope.EncodedPayload) error {
	if err := s.kv.Put(ctx, h.Bytes(), envelope.Encode(env)); err != nil {
		if s.cache != nil {
			s.cache.Remove(h)
		}
		return err
	}
	if s.cache != nil {
		s.cache.Add(h, env.Clone())
	}
	return nil
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

type hashLocks struct {
	mu sync.Mutex
	m  map[envelope.TxHash]*hashLock
}

func (l *hashLocks) lock(h envelope.TxHash) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[envelope.TxHash]*hashLock)
	}
	hl := l.m[h]
	if hl == nil {
		hl = &hashLock{}
		l.m[h] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.m, h)
		}
		l.mu.Unlock()
	}
}
