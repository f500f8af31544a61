// Package file provides a backend.Store that keeps one JSON document per key
// under a root directory, one subdirectory per bucket. Writes go to a temp
// file followed by an atomic rename so readers never observe a torn record.
package file

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adeilh/livecache/backend"
)

var ErrMissingRoot = errors.New("file: root directory is required")

// Options configures the file-backed store.
type Options struct {
	// Root is the directory that holds all bucket subdirectories.
	Root string
	// DirMode and FileMode default to 0o755 and 0o644.
	DirMode  os.FileMode
	FileMode os.FileMode
	// AllowFallback enables cross-bucket lookup through GetAny.
	AllowFallback bool
}

func (o Options) withDefaults() Options {
	if o.DirMode == 0 {
		o.DirMode = 0o755
	}
	if o.FileMode == 0 {
		o.FileMode = 0o644
	}
	return o
}

// Store persists records as individual files. A process-wide mutex serializes
// multi-file operations; single-record reads rely on the rename barrier.
type Store struct {
	opts Options
	mu   sync.Mutex
}

// NewStore validates the root directory and builds a file-backed store.
func NewStore(opts Options) (*Store, error) {
	cfg := opts.withDefaults()
	if cfg.Root == "" {
		return nil, ErrMissingRoot
	}
	if err := os.MkdirAll(cfg.Root, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("file: create root: %w", err)
	}
	return &Store{opts: cfg}, nil
}

type document struct {
	Bucket   string    `json:"bucket"`
	Key      string    `json:"key"`
	Value    []byte    `json:"value"`
	Deadline time.Time `json:"deadline,omitzero"`
	Version  uint64    `json:"version"`
}

func encodeName(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func decodeName(s string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *Store) bucketDir(bucket string) string {
	return filepath.Join(s.opts.Root, encodeName(bucket))
}

func (s *Store) recordPath(bucket, key string) string {
	return filepath.Join(s.bucketDir(bucket), encodeName(key)+".json")
}

func (s *Store) Get(ctx context.Context, bucket, key string) (backend.Record, error) {
	if err := ctx.Err(); err != nil {
		return backend.Record{}, err
	}
	return s.readRecord(s.recordPath(bucket, key))
}

func (s *Store) readRecord(path string) (backend.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return backend.Record{}, backend.ErrNotFound
		}
		return backend.Record{}, fmt.Errorf("file: read: %w", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return backend.Record{}, fmt.Errorf("file: decode %s: %w", filepath.Base(path), err)
	}
	return backend.Record{
		Bucket:   doc.Bucket,
		Key:      doc.Key,
		Value:    doc.Value,
		Deadline: doc.Deadline,
		Version:  doc.Version,
	}, nil
}

func (s *Store) Put(ctx context.Context, rec backend.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.bucketDir(rec.Bucket)
	if err := os.MkdirAll(dir, s.opts.DirMode); err != nil {
		return fmt.Errorf("file: create bucket dir: %w", err)
	}
	raw, err := json.Marshal(document{
		Bucket:   rec.Bucket,
		Key:      rec.Key,
		Value:    rec.Value,
		Deadline: rec.Deadline,
		Version:  rec.Version,
	})
	if err != nil {
		return fmt.Errorf("file: encode: %w", err)
	}

	final := s.recordPath(rec.Bucket, rec.Key)
	tmp := fmt.Sprintf("%s.tmp.%d", final, time.Now().UnixNano())
	if err := os.WriteFile(tmp, raw, s.opts.FileMode); err != nil {
		return fmt.Errorf("file: write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("file: rename: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.recordPath(bucket, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file: delete: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.bucketDir(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("file: list bucket: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		key, err := decodeName(name[:len(name)-len(".json")])
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// GetAny scans every bucket directory for key. Requires AllowFallback.
// When the key exists in several buckets the lexically first bucket wins.
func (s *Store) GetAny(ctx context.Context, key string) (backend.Record, error) {
	if err := ctx.Err(); err != nil {
		return backend.Record{}, err
	}
	if !s.opts.AllowFallback {
		return backend.Record{}, backend.ErrNotFound
	}
	dirs, err := os.ReadDir(s.opts.Root)
	if err != nil {
		return backend.Record{}, fmt.Errorf("file: list root: %w", err)
	}
	encoded := encodeName(key) + ".json"
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		rec, err := s.readRecord(filepath.Join(s.opts.Root, d.Name(), encoded))
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return backend.Record{}, err
		}
	}
	return backend.Record{}, backend.ErrNotFound
}

// ListExpired walks all buckets and reports records with a passed deadline.
func (s *Store) ListExpired(ctx context.Context, before time.Time) ([]backend.Ref, error) {
	dirs, err := os.ReadDir(s.opts.Root)
	if err != nil {
		return nil, fmt.Errorf("file: list root: %w", err)
	}
	var refs []backend.Ref
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bucket, err := decodeName(d.Name())
		if err != nil {
			continue
		}
		keys, err := s.Keys(ctx, bucket)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			rec, err := s.readRecord(s.recordPath(bucket, key))
			if err != nil {
				if errors.Is(err, backend.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if !rec.Deadline.IsZero() && rec.Deadline.Before(before) {
				refs = append(refs, backend.Ref{Bucket: bucket, Key: key})
			}
		}
	}
	return refs, nil
}
