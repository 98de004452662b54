package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adeilh/tagcache/cache"
)

// MGet returns one slot per key, nil for missing keys.
func (s *Store) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	resp, err := s.do(ctx, append([]string{"MGET"}, s.keys(keys)...)...)
	if err != nil {
		return nil, err
	}
	if err := replyError(resp); err != nil {
		return nil, fmt.Errorf("redis: MGET: %w", err)
	}
	arr, ok := resp.([]any)
	if !ok || len(arr) != len(keys) {
		return nil, fmt.Errorf("redis: unexpected MGET response %T", resp)
	}
	out := make([][]byte, len(arr))
	for i, item := range arr {
		switch v := item.(type) {
		case nil:
		case []byte:
			out[i] = v
		default:
			return nil, fmt.Errorf("redis: unexpected MGET element %T", item)
		}
	}
	return out, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	resp, err := s.do(ctx, append([]string{"SADD", s.key(key)}, members...)...)
	if err != nil {
		return 0, err
	}
	return asInt("SADD", resp)
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	resp, err := s.do(ctx, "SMEMBERS", s.key(key))
	if err != nil {
		return nil, err
	}
	return asStrings("SMEMBERS", resp)
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	resp, err := s.do(ctx, append([]string{"SREM", s.key(key)}, members...)...)
	if err != nil {
		return 0, err
	}
	return asInt("SREM", resp)
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	resp, err := s.do(ctx, append([]string{"EXISTS"}, s.keys(keys)...)...)
	if err != nil {
		return 0, err
	}
	return asInt("EXISTS", resp)
}

// TTL uses PTTL so that sub-second lifetimes survive the round trip.
func (s *Store) TTL(ctx context.Context, key string) (cache.Expiration, error) {
	resp, err := s.do(ctx, "PTTL", s.key(key))
	if err != nil {
		return cache.NoKey(), err
	}
	ms, err := asInt("PTTL", resp)
	if err != nil {
		return cache.NoKey(), err
	}
	return cache.FromMilliseconds(ms), nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("redis: PEXPIRE: non-positive ttl %s", ttl)
	}
	resp, err := s.do(ctx, "PEXPIRE", s.key(key), millis(ttl))
	if err != nil {
		return false, err
	}
	n, err := asInt("PEXPIRE", resp)
	return n == 1, err
}

func (s *Store) Persist(ctx context.Context, key string) (bool, error) {
	resp, err := s.do(ctx, "PERSIST", s.key(key))
	if err != nil {
		return false, err
	}
	n, err := asInt("PERSIST", resp)
	return n == 1, err
}

func (s *Store) Ping(ctx context.Context) error {
	resp, err := s.do(ctx, "PING")
	if err != nil {
		return err
	}
	if err := replyError(resp); err != nil {
		return fmt.Errorf("redis: PING: %w", err)
	}
	if msg, ok := resp.(string); ok && strings.EqualFold(msg, "PONG") {
		return nil
	}
	return fmt.Errorf("redis: unexpected PING response %v", resp)
}
