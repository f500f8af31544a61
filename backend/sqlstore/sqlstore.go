// Package sqlstore provides a backend.Store on top of database/sql using the
// lib/pq driver. Records live in a single table keyed by (bucket, key);
// connection pooling is delegated to database/sql with short-lived checkouts.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/adeilh/livecache/backend"
)

var ErrMissingDSN = errors.New("sqlstore: DSN is required")

const schema = `
CREATE TABLE IF NOT EXISTS livecache_records (
	bucket   TEXT        NOT NULL,
	key      TEXT        NOT NULL,
	value    BYTEA       NOT NULL,
	deadline TIMESTAMPTZ,
	version  BIGINT      NOT NULL,
	PRIMARY KEY (bucket, key)
)`

// Store persists cache records in a SQL table.
type Store struct {
	db   *sql.DB
	opts Options

	ownsDB bool
}

// Open connects using the provided options, applies pool settings, and
// ensures the records table exists.
func Open(opts ...Option) (*Store, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.DB != nil {
		s := &Store{db: cfg.DB, opts: cfg}
		return s, s.migrate()
	}
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	s := &Store{db: db, opts: cfg, ownsDB: true}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool if this store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, bucket, key string) (backend.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value, deadline, version FROM livecache_records WHERE bucket = $1 AND key = $2`,
		bucket, key)
	return scanRecord(row, bucket, key)
}

func scanRecord(row *sql.Row, bucket, key string) (backend.Record, error) {
	var (
		value    []byte
		deadline sql.NullTime
		version  int64
	)
	if err := row.Scan(&value, &deadline, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return backend.Record{}, backend.ErrNotFound
		}
		return backend.Record{}, fmt.Errorf("sqlstore: get: %w", err)
	}
	rec := backend.Record{Bucket: bucket, Key: key, Value: value, Version: uint64(version)}
	if deadline.Valid {
		rec.Deadline = deadline.Time
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, rec backend.Record) error {
	var deadline sql.NullTime
	if !rec.Deadline.IsZero() {
		deadline = sql.NullTime{Time: rec.Deadline, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO livecache_records (bucket, key, value, deadline, version)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket, key)
		 DO UPDATE SET value = EXCLUDED.value, deadline = EXCLUDED.deadline, version = EXCLUDED.version`,
		rec.Bucket, rec.Key, rec.Value, deadline, int64(rec.Version))
	if err != nil {
		return fmt.Errorf("sqlstore: put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM livecache_records WHERE bucket = $1 AND key = $2`,
		bucket, key); err != nil {
		return fmt.Errorf("sqlstore: delete: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM livecache_records WHERE bucket = $1 ORDER BY key`, bucket)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlstore: keys: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: keys: %w", err)
	}
	return keys, nil
}

// GetAny performs a cross-bucket lookup for key. Requires WithFallback; the
// bucket with the lexically smallest name wins when the key is ambiguous.
func (s *Store) GetAny(ctx context.Context, key string) (backend.Record, error) {
	if !s.opts.AllowFallback {
		return backend.Record{}, backend.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT bucket, value, deadline, version FROM livecache_records
		 WHERE key = $1 ORDER BY bucket LIMIT 1`, key)
	var (
		bucket   string
		value    []byte
		deadline sql.NullTime
		version  int64
	)
	if err := row.Scan(&bucket, &value, &deadline, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return backend.Record{}, backend.ErrNotFound
		}
		return backend.Record{}, fmt.Errorf("sqlstore: get any: %w", err)
	}
	rec := backend.Record{Bucket: bucket, Key: key, Value: value, Version: uint64(version)}
	if deadline.Valid {
		rec.Deadline = deadline.Time
	}
	return rec, nil
}

// ListExpired reports rows whose deadline passed before the given instant.
func (s *Store) ListExpired(ctx context.Context, before time.Time) ([]backend.Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, key FROM livecache_records WHERE deadline IS NOT NULL AND deadline < $1`,
		before)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list expired: %w", err)
	}
	defer rows.Close()

	var refs []backend.Ref
	for rows.Next() {
		var ref backend.Ref
		if err := rows.Scan(&ref.Bucket, &ref.Key); err != nil {
			return nil, fmt.Errorf("sqlstore: list expired: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list expired: %w", err)
	}
	return refs, nil
}
