// Package memory implements cache.Client in process. It follows Redis
// semantics closely enough to stand in for it in tests and local runs:
// expiring keys, sets, numbered databases and atomic transactions.
package memory

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adeilh/tagcache/cache"
)

var (
	_ cache.Client = (*Store)(nil)
	_ cache.Admin  = (*Store)(nil)
)

var ErrClosed = errors.New("memory: store closed")

// Store is a concurrency-safe in-memory keyspace.
//
// Expired keys are removed lazily when touched, and periodically when a
// cleanup interval is configured.
type Store struct {
	mu     sync.Mutex
	dbs    map[int]map[string]*entry
	db     int
	clock  func() time.Time
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type Option func(*Store)

// WithClock replaces time.Now, which lets tests move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.clock = now
		}
	}
}

// New creates an empty store. A positive cleanupEvery starts a background
// sweep that Close stops.
func New(cleanupEvery time.Duration, opts ...Option) *Store {
	s := &Store{
		dbs:   map[int]map[string]*entry{0: {}},
		clock: time.Now,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if cleanupEvery > 0 {
		s.wg.Add(1)
		go s.sweepLoop(cleanupEvery)
	}
	return s
}

// Close stops the background sweep. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	s.wg.Wait()
	return nil
}

func (s *Store) sweepLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes every expired key of every database and returns how many
// were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	n := 0
	for _, m := range s.dbs {
		for k, e := range m {
			if e.expired(now) {
				delete(m, k)
				n++
			}
		}
	}
	return n
}

// with runs fn against the active database while holding the lock.
func (s *Store) with(ctx context.Context, fn func(live) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %w", cache.ErrUnavailable, ErrClosed)
	}
	return fn(live{m: s.dbs[s.db], at: s.clock()})
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.with(ctx, func(ks live) error {
		e := ks.lookup(key)
		if e == nil {
			return cache.ErrNotFound
		}
		if e.kind != kindString {
			return ErrWrongType
		}
		out = append([]byte{}, e.value...)
		return nil
	})
	return out, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.with(ctx, func(ks live) error {
		cmdSet(ks, key, value, ttl)
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := s.with(ctx, func(ks live) error {
		n = cmdDelete(ks, keys...)
		return nil
	})
	return n, err
}

func (s *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(keys))
	err := s.with(ctx, func(ks live) error {
		for i, k := range keys {
			if e := ks.lookup(k); e != nil && e.kind == kindString {
				out[i] = append([]byte{}, e.value...)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var n int64
	err := s.with(ctx, func(ks live) (err error) {
		n, err = cmdSAdd(ks, key, members...)
		return err
	})
	return n, err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.with(ctx, func(ks live) error {
		e := ks.lookup(key)
		if e == nil {
			return nil
		}
		if e.kind != kindSet {
			return ErrWrongType
		}
		out = make([]string, 0, len(e.members))
		for m := range e.members {
			out = append(out, m)
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	var n int64
	err := s.with(ctx, func(ks live) (err error) {
		n, err = cmdSRem(ks, key, members...)
		return err
	})
	return n, err
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := s.with(ctx, func(ks live) error {
		for _, k := range keys {
			if ks.lookup(k) != nil {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) TTL(ctx context.Context, key string) (cache.Expiration, error) {
	exp := cache.NoKey()
	err := s.with(ctx, func(ks live) error {
		e := ks.lookup(key)
		switch {
		case e == nil:
		case e.expiresAt.IsZero():
			exp = cache.NoExpiry()
		default:
			exp = cache.ExpiresIn(e.expiresAt.Sub(ks.at))
		}
		return nil
	})
	return exp, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("memory: non-positive ttl %s", ttl)
	}
	var ok bool
	err := s.with(ctx, func(ks live) error {
		ok = cmdExpire(ks, key, ttl)
		return nil
	})
	return ok, err
}

func (s *Store) Persist(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.with(ctx, func(ks live) error {
		ok = cmdPersist(ks, key)
		return nil
	})
	return ok, err
}

func (s *Store) GetSet(ctx context.Context, key string, value []byte) ([]byte, error) {
	var prev []byte
	err := s.with(ctx, func(ks live) error {
		e := ks.lookup(key)
		if e == nil {
			return cache.ErrNotFound
		}
		if e.kind != kindString {
			return ErrWrongType
		}
		prev = append([]byte{}, e.value...)
		ks.put(key, &entry{kind: kindString, value: append([]byte{}, value...), expiresAt: e.expiresAt})
		return nil
	})
	return prev, err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.with(ctx, func(live) error { return nil })
}

// Keys matches keys of the active database with path.Match globbing.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("memory: bad pattern %q: %w", pattern, err)
	}
	var out []string
	err := s.with(ctx, func(ks live) error {
		for k, e := range ks.m {
			if e.expired(ks.at) {
				continue
			}
			if ok, _ := path.Match(pattern, k); ok {
				out = append(out, k)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// DBSize counts the unexpired keys of the active database.
func (s *Store) DBSize(ctx context.Context) (int64, error) {
	var n int64
	err := s.with(ctx, func(ks live) error {
		for _, e := range ks.m {
			if !e.expired(ks.at) {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Info reports the keyspace section in Redis INFO format. Other sections
// are empty.
func (s *Store) Info(ctx context.Context, section string) (string, error) {
	switch strings.ToLower(section) {
	case "", "keyspace", "default", "all", "everything":
	default:
		return "", nil
	}
	var b strings.Builder
	err := s.with(ctx, func(ks live) error {
		b.WriteString("# Keyspace\r\n")
		dbs := make([]int, 0, len(s.dbs))
		for db := range s.dbs {
			dbs = append(dbs, db)
		}
		sort.Ints(dbs)
		for _, db := range dbs {
			var keys, expires int
			for _, e := range s.dbs[db] {
				if e.expired(ks.at) {
					continue
				}
				keys++
				if !e.expiresAt.IsZero() {
					expires++
				}
			}
			if keys > 0 {
				fmt.Fprintf(&b, "db%d:keys=%d,expires=%d\r\n", db, keys, expires)
			}
		}
		return nil
	})
	return b.String(), err
}

func (s *Store) FlushDB(ctx context.Context) error {
	return s.with(ctx, func(ks live) error {
		clear(ks.m)
		return nil
	})
}

func (s *Store) FlushAll(ctx context.Context) error {
	return s.with(ctx, func(live) error {
		for _, m := range s.dbs {
			clear(m)
		}
		return nil
	})
}

// Select switches the active database.
func (s *Store) Select(ctx context.Context, db int) error {
	if db < 0 {
		return fmt.Errorf("memory: invalid database index %d", db)
	}
	return s.with(ctx, func(live) error {
		if _, ok := s.dbs[db]; !ok {
			s.dbs[db] = make(map[string]*entry)
		}
		s.db = db
		return nil
	})
}
