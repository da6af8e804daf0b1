package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"txrelay/internal/debuglog"
	"txrelay/internal/proto"
)

const (
	maxScanSize = 2 * proto.MaxFrameSize

	// rewrite once superseded records outnumber live ones and exceed this
	compactThreshold = 1024
)

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// AppendJSONL appends v as one line and fsyncs the file.
func AppendJSONL(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return syncFile(f)
}

// TrimTornTail cuts path back to its last complete line. A crash mid-append
// leaves a partial record without a newline; the next append would otherwise
// land on the same line and be lost on replay.
func TrimTornTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	if size == 0 {
		return nil
	}
	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		n := int64(len(buf))
		if n > end {
			n = end
		}
		if _, err := f.ReadAt(buf[:n], end-n); err != nil {
			return err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			end = end - n + int64(i) + 1
			break
		}
		end -= n
	}
	if end == size {
		return nil
	}
	debuglog.Logf("jsonl: dropping torn tail: path=%s bytes=%d", path, size-end)
	if err := f.Truncate(end); err != nil {
		return err
	}
	return syncFile(f)
}

// ScanJSONL calls fn with every line of path. A missing file has no lines.
func ScanJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// RewriteJSONL replaces path with the lines emitted by write, via a synced
// temp file and a rename.
func RewriteJSONL(path string, write func(enc *json.Encoder) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := write(json.NewEncoder(f)); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename for windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

type jsonlRecord struct {
	Key     string `json:"k"`
	Value   string `json:"v,omitempty"`
	Deleted bool   `json:"del,omitempty"`
}

// JSONLKV is an append-only log of puts and tombstones replayed into memory
// on open. The last record for a key wins.
type JSONLKV struct {
	mu    sync.RWMutex
	path  string
	data  map[string][]byte
	stale int
}

func OpenJSONL(path string) (*JSONLKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := TrimTornTail(path); err != nil {
		return nil, err
	}
	kv := &JSONLKV{path: path, data: make(map[string][]byte)}
	err := ScanJSONL(path, func(line []byte) error {
		var rec jsonlRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		key, err := base64.StdEncoding.DecodeString(rec.Key)
		if err != nil {
			return nil
		}
		if _, ok := kv.data[string(key)]; ok {
			kv.stale++
		}
		if rec.Deleted {
			delete(kv.data, string(key))
			kv.stale++
			return nil
		}
		val, err := base64.StdEncoding.DecodeString(rec.Value)
		if err != nil {
			return nil
		}
		kv.data[string(key)] = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kv, nil
}

func (j *JSONLKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	v, ok := j.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (j *JSONLKV) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := jsonlRecord{
		Key:   base64.StdEncoding.EncodeToString(key),
		Value: base64.StdEncoding.EncodeToString(value),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := AppendJSONL(j.path, rec); err != nil {
		return err
	}
	if _, ok := j.data[string(key)]; ok {
		j.stale++
	}
	j.data[string(key)] = append([]byte(nil), value...)
	return j.maybeCompactLocked()
}

func (j *JSONLKV) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.data[string(key)]; !ok {
		return nil
	}
	rec := jsonlRecord{Key: base64.StdEncoding.EncodeToString(key), Deleted: true}
	if err := AppendJSONL(j.path, rec); err != nil {
		return err
	}
	delete(j.data, string(key))
	j.stale += 2
	return j.maybeCompactLocked()
}

func (j *JSONLKV) maybeCompactLocked() error {
	if j.stale < compactThreshold || j.stale < len(j.data) {
		return nil
	}
	return j.compactLocked()
}

// Compact rewrites the log with one record per live key.
func (j *JSONLKV) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.compactLocked()
}

func (j *JSONLKV) compactLocked() error {
	err := RewriteJSONL(j.path, func(enc *json.Encoder) error {
		for k, v := range j.data {
			rec := jsonlRecord{
				Key:   base64.StdEncoding.EncodeToString([]byte(k)),
				Value: base64.StdEncoding.EncodeToString(v),
			}
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.stale = 0
	return nil
}

func (j *JSONLKV) Close() error { return nil }
