package redis

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// Pipeline acquires a dedicated connection and allows batching commands before
// reading their responses, reducing round-trips under load. Unlike Tx it is
// not atomic. Commands are sent verbatim: Options.KeyPrefix is not applied.
func (s *Store) Pipeline(ctx context.Context) (*Pipeline, error) {
	conn, err := s.acquireConn(ctx)
	if err != nil {
		return nil, err
	}
	return &Pipeline{store: s, conn: conn}, nil
}

type Pipeline struct {
	store   *Store
	conn    *clientConn
	cmds    [][]string
	closed  bool
	closing sync.Mutex
}

// Queue appends a command to the pipeline.
func (p *Pipeline) Queue(parts ...string) {
	if p.closed {
		return
	}
	p.cmds = append(p.cmds, append([]string(nil), parts...))
}

// Exec sends all queued commands and reads the replies in order. Error
// replies are returned in place as Error values.
func (p *Pipeline) Exec(ctx context.Context) ([]any, error) {
	if p.closed {
		return nil, errors.New("redis pipeline closed")
	}
	if len(p.cmds) == 0 {
		return nil, nil
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	broken := true
	defer func() {
		p.closeInternal(broken)
	}()
	buf := &bytes.Buffer{}
	for _, cmd := range p.cmds {
		writeCommand(buf, cmd...)
	}
	if err := p.store.write(p.conn, buf.Bytes()); err != nil {
		return nil, unavailable(err)
	}
	responses := make([]any, 0, len(p.cmds))
	for range p.cmds {
		resp, err := p.store.read(p.conn)
		if err != nil {
			return nil, unavailable(err)
		}
		responses = append(responses, resp)
	}
	broken = false
	return responses, nil
}

// Close releases the underlying connection without executing queued commands.
func (p *Pipeline) Close() {
	p.closeInternal(false)
}

func (p *Pipeline) closeInternal(broken bool) {
	p.closing.Lock()
	defer p.closing.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.store.releaseConn(p.conn, broken)
}
