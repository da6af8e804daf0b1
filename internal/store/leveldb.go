package store

import (
	"context"
	"errors"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
)

type LevelDBKV struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDBKV, error) {
	if path == "" {
		return nil, errors.New("store: leveldb path is empty")
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBKV{db: db}, nil
}

// goleveldb calls are not cancellable; ctx is only checked on entry.

func (l *LevelDBKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *LevelDBKV) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Put(key, value, nil)
}

func (l *LevelDBKV) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Delete(key, nil)
}

func (l *LevelDBKV) Close() error {
	return l.db.Close()
}
