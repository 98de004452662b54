package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adeilh/tagcache/cache"
)

// Tx buffers commands locally and submits them inside MULTI/EXEC on a
// dedicated connection. Nothing reaches the server before Exec.
type Tx struct {
	store *Store
	conn  *clientConn
	cmds  [][]string
	err   error
	done  bool
}

var _ cache.Tx = (*Tx)(nil)

// Multi reserves a connection for an atomic batch.
func (s *Store) Multi(ctx context.Context) (cache.Tx, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	conn, err := s.acquireConn(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{store: s, conn: conn}, nil
}

func (t *Tx) queue(parts ...string) {
	if t.done {
		return
	}
	t.cmds = append(t.cmds, parts)
}

func (t *Tx) Set(key string, value []byte, ttl time.Duration) {
	t.queue(setArgs(t.store.key(key), value, ttl)...)
}

func (t *Tx) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	t.queue(append([]string{"DEL"}, t.store.keys(keys)...)...)
}

func (t *Tx) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	t.queue(append([]string{"SADD", t.store.key(key)}, members...)...)
}

func (t *Tx) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	t.queue(append([]string{"SREM", t.store.key(key)}, members...)...)
}

func (t *Tx) Expire(key string, ttl time.Duration) {
	if ttl <= 0 {
		t.err = errors.Join(t.err, fmt.Errorf("redis: PEXPIRE %s: non-positive ttl %s", key, ttl))
		return
	}
	t.queue("PEXPIRE", t.store.key(key), millis(ttl))
}

func (t *Tx) Persist(key string) {
	t.queue("PERSIST", t.store.key(key))
}

// Exec writes MULTI, the queued commands and EXEC in one round trip. A
// queueing error or EXECABORT discards the batch and returns
// cache.ErrTxAborted. Redis does not roll back a command that fails while
// EXEC runs (WRONGTYPE for instance): the others stay applied and the error
// matches both cache.ErrTxAborted and cache.ErrTxPartial.
func (t *Tx) Exec(ctx context.Context) error {
	if t.done {
		return cache.ErrTxClosed
	}
	if t.err != nil {
		t.Discard()
		return fmt.Errorf("%w: %w", cache.ErrTxAborted, t.err)
	}
	if len(t.cmds) == 0 {
		t.Discard()
		return nil
	}
	if err := ctxErr(ctx); err != nil {
		t.Discard()
		return err
	}
	t.done = true

	broken := true
	defer func() {
		t.store.releaseConn(t.conn, broken)
	}()

	buf := &bytes.Buffer{}
	writeCommand(buf, "MULTI")
	for _, cmd := range t.cmds {
		writeCommand(buf, cmd...)
	}
	writeCommand(buf, "EXEC")
	if err := t.store.write(t.conn, buf.Bytes()); err != nil {
		return unavailable(err)
	}

	resp, err := t.store.read(t.conn)
	if err != nil {
		return unavailable(err)
	}
	if err := asOK("MULTI", resp); err != nil {
		return fmt.Errorf("%w: %w", cache.ErrTxAborted, err)
	}

	var queueErrs []error
	for _, cmd := range t.cmds {
		resp, err := t.store.read(t.conn)
		if err != nil {
			return unavailable(err)
		}
		if e := replyError(resp); e != nil {
			queueErrs = append(queueErrs, fmt.Errorf("%s: %w", cmd[0], e))
			continue
		}
		if msg, _ := resp.(string); !strings.EqualFold(msg, "QUEUED") {
			queueErrs = append(queueErrs, fmt.Errorf("%s: unexpected reply %v", cmd[0], resp))
		}
	}

	resp, err = t.store.read(t.conn)
	if err != nil {
		return unavailable(err)
	}
	broken = false

	if e := replyError(resp); e != nil {
		return fmt.Errorf("%w: %w", cache.ErrTxAborted, errors.Join(append(queueErrs, e)...))
	}
	if len(queueErrs) > 0 {
		return fmt.Errorf("%w: %w", cache.ErrTxAborted, errors.Join(queueErrs...))
	}
	results, ok := resp.([]any)
	if !ok {
		// nil reply: a watched key changed.
		return fmt.Errorf("%w: EXEC returned %v", cache.ErrTxAborted, resp)
	}
	var execErrs []error
	for i, r := range results {
		if e := replyError(r); e != nil && i < len(t.cmds) {
			execErrs = append(execErrs, fmt.Errorf("%s: %w", t.cmds[i][0], e))
		}
	}
	if len(execErrs) > 0 {
		// The server already ran every other command of the batch.
		return fmt.Errorf("%w: %w: %w", cache.ErrTxAborted, cache.ErrTxPartial, errors.Join(execErrs...))
	}
	return nil
}

// Discard releases the reserved connection without sending anything.
func (t *Tx) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.store.releaseConn(t.conn, false)
}
