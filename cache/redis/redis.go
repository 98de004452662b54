package redis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/adeilh/tagcache/cache"
)

var (
	_ cache.Client = (*Store)(nil)
	_ cache.Admin  = (*Store)(nil)
)

var ErrClosed = errors.New("redis: store closed")

// Store implements cache.Client using the Redis RESP protocol.
type Store struct {
	opts   Options
	dialFn dialFunc
	pool   chan *clientConn

	mu     sync.RWMutex
	db     int
	gen    uint64
	closed bool
}

type dialFunc func(context.Context, Options) (net.Conn, error)

// NewStore builds a Redis-backed cache store.
func NewStore(opts Options) *Store {
	cfg := opts.withDefaults()
	return &Store{
		opts:   cfg,
		dialFn: defaultDial,
		pool:   make(chan *clientConn, cfg.PoolSize),
		db:     cfg.DB,
	}
}

// WithDial allows overriding the dialer (useful for tests/mocks).
func (s *Store) WithDial(fn dialFunc) {
	if fn != nil {
		s.dialFn = fn
	}
}

// Close closes pooled connections. Connections checked out by in-flight
// calls are closed when they are released.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.gen++
	s.mu.Unlock()
	s.drainPool()
	return nil
}

func (s *Store) key(k string) string { return s.opts.KeyPrefix + k }

func (s *Store) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = s.key(k)
	}
	return out
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.do(ctx, "GET", s.key(key))
	if err != nil {
		return nil, err
	}
	if err := replyError(resp); err != nil {
		return nil, fmt.Errorf("redis: GET: %w", err)
	}
	switch v := resp.(type) {
	case nil:
		return nil, cache.ErrNotFound
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("redis: unexpected GET response %T", resp)
	}
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	resp, err := s.do(ctx, setArgs(s.key(key), value, ttl)...)
	if err != nil {
		return err
	}
	return asOK("SET", resp)
}

// GetSet swaps the value with SET ... KEEPTTL GET XX, so a missing key is
// left alone. It needs Redis 7.0 or later.
func (s *Store) GetSet(ctx context.Context, key string, value []byte) ([]byte, error) {
	resp, err := s.do(ctx, "SET", s.key(key), string(value), "KEEPTTL", "GET", "XX")
	if err != nil {
		return nil, err
	}
	if err := replyError(resp); err != nil {
		return nil, fmt.Errorf("redis: SET GET: %w", err)
	}
	switch v := resp.(type) {
	case nil:
		return nil, cache.ErrNotFound
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("redis: unexpected SET GET response %T", resp)
	}
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	resp, err := s.do(ctx, append([]string{"DEL"}, s.keys(keys)...)...)
	if err != nil {
		return 0, err
	}
	return asInt("DEL", resp)
}

func setArgs(key string, value []byte, ttl time.Duration) []string {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", millis(ttl))
	}
	return args
}

func millis(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

// do sends a single command and returns its raw reply. Error replies are
// returned as Error values, not as errors.
func (s *Store) do(ctx context.Context, parts ...string) (any, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var resp any
	err := s.withConn(ctx, func(conn *clientConn) error {
		if err := s.send(conn, parts...); err != nil {
			return err
		}
		r, err := s.read(conn)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
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
		broken = true
		return unavailable(err)
	}
	return nil
}

// unavailable marks transport failures so callers can tell them apart from
// server error replies.
func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, cache.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
}

func (s *Store) dial(ctx context.Context) (net.Conn, error) {
	if s.dialFn == nil {
		s.dialFn = defaultDial
	}
	return s.dialFn(ctx, s.opts)
}

func (s *Store) handshake(conn net.Conn, reader *bufio.Reader, db int) error {
	if s.opts.Password != "" {
		if err := s.sendRaw(conn, "AUTH", s.opts.Password); err != nil {
			return err
		}
		if err := s.expectOK("AUTH", reader); err != nil {
			return err
		}
	}
	if db > 0 {
		if err := s.sendRaw(conn, "SELECT", strconv.Itoa(db)); err != nil {
			return err
		}
		if err := s.expectOK("SELECT", reader); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) expectOK(cmd string, reader *bufio.Reader) error {
	resp, err := decodeRESP(reader)
	if err != nil {
		return err
	}
	return asOK(cmd, resp)
}

func (s *Store) send(conn *clientConn, parts ...string) error {
	return s.write(conn, buildCommand(parts...))
}

func (s *Store) write(conn *clientConn, payload []byte) error {
	if err := applyDeadline(conn.SetWriteDeadline, s.opts.WriteTimeout); err != nil {
		return err
	}
	_, err := conn.Write(payload)
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
	gen    uint64
}

func (s *Store) acquireConn(ctx context.Context) (*clientConn, error) {
	s.mu.RLock()
	closed, gen := s.closed, s.gen
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: %w", cache.ErrUnavailable, ErrClosed)
	}
	for {
		select {
		case conn := <-s.pool:
			if conn.gen == gen {
				return conn, nil
			}
			_ = conn.Close()
		default:
			return s.newConn(ctx)
		}
	}
}

func (s *Store) releaseConn(conn *clientConn, broken bool) {
	if conn == nil {
		return
	}
	s.mu.RLock()
	stale := s.closed || conn.gen != s.gen
	s.mu.RUnlock()
	if broken || stale {
		_ = conn.Close()
		return
	}
	select {
	case s.pool <- conn:
	default:
		_ = conn.Close()
	}
}

func (s *Store) drainPool() {
	for {
		select {
		case conn := <-s.pool:
			_ = conn.Close()
		default:
			return
		}
	}
}

func (s *Store) newConn(ctx context.Context) (*clientConn, error) {
	s.mu.RLock()
	db, gen := s.db, s.gen
	s.mu.RUnlock()

	nc, err := s.dial(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	reader := bufio.NewReader(nc)
	if err := s.handshake(nc, reader, db); err != nil {
		_ = nc.Close()
		var reply Error
		if errors.As(err, &reply) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	return &clientConn{Conn: nc, reader: reader, gen: gen}, nil
}

// sendRaw is used during handshake before the buffered reader is available.
func (s *Store) sendRaw(conn net.Conn, parts ...string) error {
	if err := applyDeadline(conn.SetWriteDeadline, s.opts.WriteTimeout); err != nil {
		return err
	}
	payload := buildCommand(parts...)
	_, err := conn.Write(payload)
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
