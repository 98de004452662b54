package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/adeilh/tagcache/cache"
)

type command func(ctx context.Context, q querier) error

// Tx runs queued commands inside a single SQL transaction on Exec.
type Tx struct {
	store *Store
	mu    sync.Mutex
	cmds  []command
	err   error
	done  bool
}

var _ cache.Tx = (*Tx)(nil)

func (s *Store) Multi(ctx context.Context) (cache.Tx, error) {
	if err := ctx.Err(); err != nil {
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
	t.queue(func(ctx context.Context, q querier) error { return setValue(ctx, q, key, value, ttl) })
}

func (t *Tx) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	keys = append([]string(nil), keys...)
	t.queue(func(ctx context.Context, q querier) error {
		_, err := deleteKeys(ctx, q, keys)
		return err
	})
}

func (t *Tx) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	members = append([]string(nil), members...)
	t.queue(func(ctx context.Context, q querier) error {
		_, err := addMembers(ctx, q, key, members)
		return err
	})
}

func (t *Tx) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	members = append([]string(nil), members...)
	t.queue(func(ctx context.Context, q querier) error {
		_, err := removeMembers(ctx, q, key, members)
		return err
	})
}

func (t *Tx) Expire(key string, ttl time.Duration) {
	if ttl <= 0 {
		t.mu.Lock()
		t.err = errors.Join(t.err, fmt.Errorf("postgres: expire %s: non-positive ttl %s", key, ttl))
		t.mu.Unlock()
		return
	}
	t.queue(func(ctx context.Context, q querier) error {
		_, err := expire(ctx, q, key, ttl)
		return err
	})
}

func (t *Tx) Persist(key string) {
	t.queue(func(ctx context.Context, q querier) error {
		_, err := persist(ctx, q, key)
		return err
	})
}

// Exec applies the queued commands in one transaction. A command rejected
// by the server rolls everything back and returns ErrTxAborted; losing the
// connection returns ErrUnavailable.
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
	if len(cmds) == 0 {
		return nil
	}

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	for _, c := range cmds {
		if err := c(ctx, tx); err != nil {
			_ = tx.Rollback()
			return aborted(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return aborted(err)
	}
	return nil
}

func (t *Tx) Discard() {
	t.mu.Lock()
	t.done = true
	t.cmds = nil
	t.mu.Unlock()
}

// aborted reports server rejections as ErrTxAborted and keeps transport
// failures as ErrUnavailable.
func aborted(err error) error {
	var pqErr *pq.Error
	if errors.Is(err, ErrWrongType) || errors.As(err, &pqErr) {
		return fmt.Errorf("%w: %w", cache.ErrTxAborted, err)
	}
	return translate(err)
}
