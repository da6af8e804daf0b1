package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("store: not found")

// KV is the durable map underneath Store. Implementations must be safe for
// concurrent use; Delete of a missing key is not an error.
type KV interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Close() error
}

const (
	BackendMemory  = "memory"
	BackendJSONL   = "jsonl"
	BackendLevelDB = "leveldb"
	BackendMongo   = "mongo"
)

type BackendOptions struct {
	Backend         string
	Path            string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// OpenKV opens the backend named in opts.
func OpenKV(ctx context.Context, opts BackendOptions) (KV, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendMemory:
		return NewMemoryKV(), nil
	case BackendJSONL:
		return OpenJSONL(opts.Path)
	case "", BackendLevelDB:
		return OpenLevelDB(opts.Path)
	case BackendMongo:
		return OpenMongo(ctx, opts.MongoURI, opts.MongoDatabase, opts.MongoCollection)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", opts.Backend)
	}
}
