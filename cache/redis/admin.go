package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Keys lists keys matching a glob pattern. The pattern and the results are
// relative to Options.KeyPrefix. KEYS blocks the server while it scans, so
// keep it to maintenance tooling.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	resp, err := s.do(ctx, "KEYS", s.key(pattern))
	if err != nil {
		return nil, err
	}
	keys, err := asStrings("KEYS", resp)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.opts.KeyPrefix)
	}
	return keys, nil
}

// DBSize counts the keys of the active database. With a KeyPrefix only the
// prefixed keys count, which costs a KEYS scan.
func (s *Store) DBSize(ctx context.Context) (int64, error) {
	if s.opts.KeyPrefix != "" {
		keys, err := s.Keys(ctx, "*")
		return int64(len(keys)), err
	}
	resp, err := s.do(ctx, "DBSIZE")
	if err != nil {
		return 0, err
	}
	return asInt("DBSIZE", resp)
}

// Info returns the raw INFO text for section, or the default sections
// when section is empty.
func (s *Store) Info(ctx context.Context, section string) (string, error) {
	args := []string{"INFO"}
	if section != "" {
		args = append(args, section)
	}
	resp, err := s.do(ctx, args...)
	if err != nil {
		return "", err
	}
	if err := replyError(resp); err != nil {
		return "", fmt.Errorf("redis: INFO: %w", err)
	}
	b, ok := resp.([]byte)
	if !ok {
		return "", fmt.Errorf("redis: unexpected INFO response %T", resp)
	}
	return string(b), nil
}

// FlushDB removes every key in the active database, prefixed or not.
func (s *Store) FlushDB(ctx context.Context) error {
	resp, err := s.do(ctx, "FLUSHDB")
	if err != nil {
		return err
	}
	return asOK("FLUSHDB", resp)
}

// FlushAll removes every key of every database on the server.
func (s *Store) FlushAll(ctx context.Context) error {
	resp, err := s.do(ctx, "FLUSHALL")
	if err != nil {
		return err
	}
	return asOK("FLUSHALL", resp)
}

// Select switches the logical database used by the store. Pooled
// connections opened against the previous database are retired.
func (s *Store) Select(ctx context.Context, db int) error {
	if db < 0 {
		return fmt.Errorf("redis: invalid database index %d", db)
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	// Validate the index against the server before switching.
	resp, err := s.do(ctx, "SELECT", strconv.Itoa(db))
	if err != nil {
		return err
	}
	if err := asOK("SELECT", resp); err != nil {
		return err
	}
	s.mu.Lock()
	s.db = db
	s.gen++
	s.mu.Unlock()
	s.drainPool()
	return nil
}

// DB returns the active logical database index.
func (s *Store) DB() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}
