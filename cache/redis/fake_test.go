package redis

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
)

// recorder is a scripted in-process Redis stand-in reached through net.Pipe.
type recorder struct {
	mu     sync.Mutex
	cmds   [][]string
	handle func(args []string) string
}

func newRecorder(handle func(args []string) string) *recorder {
	return &recorder{handle: handle}
}

func (r *recorder) dial(context.Context, Options) (net.Conn, error) {
	client, server := net.Pipe()
	go r.serve(server)
	return client, nil
}

func (r *recorder) commands() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.cmds))
	copy(out, r.cmds)
	return out
}

func (r *recorder) serve(conn net.Conn) {
	defer conn.Close()
	replies := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for reply := range replies {
			if _, err := io.WriteString(conn, reply); err != nil {
				return
			}
		}
	}()
	defer func() {
		close(replies)
		<-done
	}()

	reader := bufio.NewReader(conn)
	for {
		v, err := decodeRESP(reader)
		if err != nil {
			return
		}
		arr, _ := v.([]any)
		args := make([]string, len(arr))
		for i, a := range arr {
			b, _ := a.([]byte)
			args[i] = string(b)
		}
		r.mu.Lock()
		r.cmds = append(r.cmds, args)
		r.mu.Unlock()
		replies <- r.handle(args)
	}
}

func newFakeStore(opts Options, handle func(args []string) string) (*Store, *recorder) {
	rec := newRecorder(handle)
	store := NewStore(opts)
	store.WithDial(rec.dial)
	return store, rec
}
