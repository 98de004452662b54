package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("cache: key not found")

	// ErrUnavailable wraps failures to reach the backing store (dial, I/O,
	// closed connections).
	ErrUnavailable = errors.New("cache: store unavailable")

	// ErrTxAborted is returned by Tx.Exec when the store rejected the batch.
	// Unless the error also matches ErrTxPartial, no queued command was
	// applied.
	ErrTxAborted = errors.New("cache: transaction aborted")

	// ErrTxPartial accompanies ErrTxAborted when some commands of the batch
	// failed while it was being applied. Redis does not roll back at EXEC
	// time, so the commands that succeeded stay applied.
	ErrTxPartial = errors.New("cache: transaction partially applied")

	ErrTxClosed = errors.New("cache: transaction already executed or discarded")
)

// Store represents a simple TTL-based cache abstraction that can be backed
// by memory, Redis, or any other KV store. A ttl <= 0 stores without
// expiration.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the given keys and reports how many existed.
	// Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) (int64, error)
}

// Client is the full set of primitives a tagging cache needs from its
// backing store. Implementations must be safe for concurrent use.
type Client interface {
	Store

	// MGet returns one slot per key; a nil slot means the key is absent.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	// Exists reports how many of the given keys exist.
	Exists(ctx context.Context, keys ...string) (int64, error)
	TTL(ctx context.Context, key string) (Expiration, error)
	// Expire sets a finite lifetime on an existing key. It reports false
	// when the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Persist clears the lifetime of an existing key. It reports false when
	// the key does not exist or had no expiration.
	Persist(ctx context.Context, key string) (bool, error)
	// GetSet replaces the value of an existing value key, keeping its
	// expiration, and returns the previous value. A missing key returns
	// ErrNotFound and nothing is written.
	GetSet(ctx context.Context, key string, value []byte) ([]byte, error)
	Ping(ctx context.Context) error

	// Multi starts an atomic batch.
	Multi(ctx context.Context) (Tx, error)
}

// Tx queues commands and applies them all-or-nothing on Exec.
type Tx interface {
	Set(key string, value []byte, ttl time.Duration)
	Delete(keys ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	Expire(key string, ttl time.Duration)
	Persist(key string)

	// Exec applies every queued command atomically. A rejected batch
	// returns an error wrapping ErrTxAborted, and also ErrTxPartial when
	// the store had already applied part of it.
	Exec(ctx context.Context) error
	// Discard releases the transaction without applying anything.
	Discard()
}

// Admin exposes maintenance operations that are not part of the hot path.
type Admin interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
	// DBSize counts the live keys of the active logical database.
	DBSize(ctx context.Context) (int64, error)
	// FlushDB removes every key of the active logical database.
	FlushDB(ctx context.Context) error
	// FlushAll removes every key of the whole store.
	FlushAll(ctx context.Context) error
}
