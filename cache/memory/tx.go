package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adeilh/tagcache/cache"
)

type command func(ks keyspace) error

// Tx stages queued commands on an overlay and commits them only if every
// command succeeded.
type Tx struct {
	store *Store
	mu    sync.Mutex
	cmds  []command
	err   error
	done  bool
}

var _ cache.Tx = (*Tx)(nil)

func (s *Store) Multi(ctx context.Context) (cache.Tx, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return &Tx{store: s}, nil
}

func (t *Tx) queue(c command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.cmds = append(t.cmds, c)
	}
}

func (t *Tx) Set(key string, value []byte, ttl time.Duration) {
	value = append([]byte{}, value...)
	t.queue(func(ks keyspace) error {
		cmdSet(ks, key, value, ttl)
		return nil
	})
}

func (t *Tx) Delete(keys ...string) {
	keys = append([]string(nil), keys...)
	t.queue(func(ks keyspace) error {
		cmdDelete(ks, keys...)
		return nil
	})
}

func (t *Tx) SAdd(key string, members ...string) {
	members = append([]string(nil), members...)
	t.queue(func(ks keyspace) error {
		_, err := cmdSAdd(ks, key, members...)
		return err
	})
}

func (t *Tx) SRem(key string, members ...string) {
	members = append([]string(nil), members...)
	t.queue(func(ks keyspace) error {
		_, err := cmdSRem(ks, key, members...)
		return err
	})
}

func (t *Tx) Expire(key string, ttl time.Duration) {
	if ttl <= 0 {
		t.mu.Lock()
		t.err = errors.Join(t.err, fmt.Errorf("memory: expire %s: non-positive ttl %s", key, ttl))
		t.mu.Unlock()
		return
	}
	t.queue(func(ks keyspace) error {
		cmdExpire(ks, key, ttl)
		return nil
	})
}

func (t *Tx) Persist(key string) {
	t.queue(func(ks keyspace) error {
		cmdPersist(ks, key)
		return nil
	})
}

func (t *Tx) Exec(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return cache.ErrTxClosed
	}
	t.done = true
	cmds, queueErr := t.cmds, t.err
	t.mu.Unlock()

	if queueErr != nil {
		return fmt.Errorf("%w: %w", cache.ErrTxAborted, queueErr)
	}
	return t.store.with(ctx, func(base live) error {
		staged := newOverlay(base)
		for _, c := range cmds {
			if err := c(staged); err != nil {
				return fmt.Errorf("%w: %w", cache.ErrTxAborted, err)
			}
		}
		staged.commit()
		return nil
	})
}

func (t *Tx) Discard() {
	t.mu.Lock()
	t.done = true
	t.cmds = nil
	t.mu.Unlock()
}
