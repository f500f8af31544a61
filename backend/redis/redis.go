// Package redis provides a backend.Store that speaks the Redis RESP protocol
// directly over pooled TCP connections. Records are stored under
// "<bucket>:<key>" with the deadline mapped to a PXAT absolute expiry, so
// Redis itself enforces TTLs on the remote side.
//
// Bucket names must not contain ':'; keys may. Redis discards expired entries
// on its own, so the store does not implement ListExpired, and cross-bucket
// fallback lookup is not offered for remote mediums.
package redis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/adeilh/livecache/backend"
)

// Store implements backend.Store against a Redis server.
type Store struct {
	opts   Options
	dialFn dialFunc
	pool   chan *clientConn
}

type dialFunc func(context.Context, Options) (net.Conn, error)

// NewStore builds a Redis-backed store.
func NewStore(opts Options) *Store {
	cfg := opts.withDefaults()
	return &Store{opts: cfg, dialFn: defaultDial, pool: make(chan *clientConn, cfg.PoolSize)}
}

// WithDial allows overriding the dialer (useful for tests/mocks).
func (s *Store) WithDial(fn dialFunc) {
	if fn != nil {
		s.dialFn = fn
	}
}

func storageKey(bucket, key string) string {
	return bucket + ":" + key
}

func (s *Store) Get(ctx context.Context, bucket, key string) (backend.Record, error) {
	if err := ctxErr(ctx); err != nil {
		return backend.Record{}, err
	}

	rec := backend.Record{Bucket: bucket, Key: key}
	err := s.withConn(ctx, func(conn *clientConn) error {
		// GET and PTTL pipelined on one connection so the deadline
		// reflects the same entry generation as the value.
		name := storageKey(bucket, key)
		if err := s.send(conn, "GET", name); err != nil {
			return err
		}
		if err := s.send(conn, "PTTL", name); err != nil {
			return err
		}
		value, err := s.read(conn)
		if err != nil {
			return err
		}
		ttl, err := s.read(conn)
		if err != nil {
			return err
		}
		switch v := value.(type) {
		case nil:
			return backend.ErrNotFound
		case []byte:
			rec.Value = append([]byte(nil), v...)
		default:
			return fmt.Errorf("redis: unexpected GET response %T", value)
		}
		if ms, ok := ttl.(int64); ok && ms > 0 {
			rec.Deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
		}
		return nil
	})
	return rec, err
}

func (s *Store) Put(ctx context.Context, rec backend.Record) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	return s.withConn(ctx, func(conn *clientConn) error {
		args := []string{"SET", storageKey(rec.Bucket, rec.Key), string(rec.Value)}
		if !rec.Deadline.IsZero() {
			ms := rec.Deadline.UnixMilli()
			args = append(args, "PXAT", strconv.FormatInt(ms, 10))
		}
		if err := s.send(conn, args...); err != nil {
			return err
		}
		resp, err := s.read(conn)
		if err != nil {
			return err
		}
		if msg, ok := resp.(string); ok && strings.EqualFold(msg, "OK") {
			return nil
		}
		return fmt.Errorf("redis: SET failed: %v", resp)
	})
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	return s.withConn(ctx, func(conn *clientConn) error {
		if err := s.send(conn, "DEL", storageKey(bucket, key)); err != nil {
			return err
		}
		resp, err := s.read(conn)
		if err != nil {
			return err
		}
		if _, ok := resp.(int64); !ok {
			return fmt.Errorf("redis: DEL failed: %v", resp)
		}
		return nil
	})
}

// Keys lists the keys stored under bucket using cursor-based SCAN.
func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	prefix := bucket + ":"
	var keys []string
	err := s.withConn(ctx, func(conn *clientConn) error {
		cursor := "0"
		for {
			if err := ctxErr(ctx); err != nil {
				return err
			}
			if err := s.send(conn, "SCAN", cursor, "MATCH", escapeGlob(prefix)+"*", "COUNT", "512"); err != nil {
				return err
			}
			resp, err := s.read(conn)
			if err != nil {
				return err
			}
			parts, ok := resp.([]any)
			if !ok || len(parts) != 2 {
				return fmt.Errorf("redis: unexpected SCAN response %v", resp)
			}
			next, ok := parts[0].([]byte)
			if !ok {
				return fmt.Errorf("redis: unexpected SCAN cursor %T", parts[0])
			}
			batch, ok := parts[1].([]any)
			if !ok {
				return fmt.Errorf("redis: unexpected SCAN batch %T", parts[1])
			}
			for _, item := range batch {
				name, ok := item.([]byte)
				if !ok {
					continue
				}
				keys = append(keys, strings.TrimPrefix(string(name), prefix))
			}
			cursor = string(next)
			if cursor == "0" {
				return nil
			}
		}
	})
	return keys, err
}

// escapeGlob quotes SCAN MATCH metacharacters appearing in bucket names.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) withConn(ctx context.Context, fn func(*clientConn) error) error {
	conn, err := s.acquireConn(ctx)
	if err != nil {
		return err
	}
	broken := false
	defer func() {
		s.releaseConn(conn, broken)
	}()
	if err := fn(conn); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			broken = true
		}
		return err
	}
	return nil
}

func (s *Store) dial(ctx context.Context) (net.Conn, error) {
	if s.dialFn == nil {
		s.dialFn = defaultDial
	}
	return s.dialFn(ctx, s.opts)
}

func (s *Store) handshake(conn net.Conn, reader *bufio.Reader) error {
	if s.opts.Password != "" {
		if err := s.sendRaw(conn, "AUTH", s.opts.Password); err != nil {
			return err
		}
		if err := s.expectOK(reader); err != nil {
			return err
		}
	}
	if s.opts.DB > 0 {
		if err := s.sendRaw(conn, "SELECT", strconv.Itoa(s.opts.DB)); err != nil {
			return err
		}
		if err := s.expectOK(reader); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) expectOK(reader *bufio.Reader) error {
	resp, err := decodeRESP(reader)
	if err != nil {
		return err
	}
	if msg, ok := resp.(string); ok && strings.EqualFold(msg, "OK") {
		return nil
	}
	return fmt.Errorf("redis: expected OK, got %v", resp)
}

func (s *Store) send(conn *clientConn, parts ...string) error {
	if err := applyDeadline(conn.SetWriteDeadline, s.opts.WriteTimeout); err != nil {
		return err
	}
	_, err := conn.Write(buildCommand(parts...))
	return err
}

func (s *Store) read(conn *clientConn) (any, error) {
	if err := applyDeadline(conn.SetReadDeadline, s.opts.ReadTimeout); err != nil {
		return nil, err
	}
	return decodeRESP(conn.reader)
}

type clientConn struct {
	net.Conn
	reader *bufio.Reader
}

func (s *Store) acquireConn(ctx context.Context) (*clientConn, error) {
	select {
	case conn := <-s.pool:
		return conn, nil
	default:
		return s.newConn(ctx)
	}
}

func (s *Store) releaseConn(conn *clientConn, broken bool) {
	if conn == nil {
		return
	}
	if broken {
		_ = conn.Close()
		return
	}
	select {
	case s.pool <- conn:
	default:
		_ = conn.Close()
	}
}

func (s *Store) newConn(ctx context.Context) (*clientConn, error) {
	nc, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(nc)
	if err := s.handshake(nc, reader); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return &clientConn{Conn: nc, reader: reader}, nil
}

// sendRaw is used during handshake before the buffered reader is available.
func (s *Store) sendRaw(conn net.Conn, parts ...string) error {
	if err := applyDeadline(conn.SetWriteDeadline, s.opts.WriteTimeout); err != nil {
		return err
	}
	_, err := conn.Write(buildCommand(parts...))
	return err
}

func defaultDial(ctx context.Context, opts Options) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	return dialer.DialContext(ctx, "tcp", opts.Addr)
}

func applyDeadline(setter func(time.Time) error, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	return setter(time.Now().Add(timeout))
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
