package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/adeilh/tagcache/internal/config"
)

func TestHashKey(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"hash-key", "s3cret"}, nil, &out); err != nil {
		t.Fatalf("hash-key error: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Fatalf("printed hash does not match: %v", err)
	}

	if err := run(context.Background(), []string{"hash-key"}, nil, &out); err == nil {
		t.Fatalf("hash-key without a key succeeded")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var out bytes.Buffer
	cfg := config.Defaults()
	cfg.LogFormat = "json"
	logger, err := newLogger(cfg, &out)
	if err != nil {
		t.Fatalf("newLogger error: %v", err)
	}
	logger.Info("hello", "k", "v")
	if !strings.HasPrefix(out.String(), "{") {
		t.Fatalf("json handler wrote %q", out.String())
	}

	cfg.LogLevel = "error"
	out.Reset()
	logger, _ = newLogger(cfg, &out)
	logger.Info("dropped")
	if out.Len() != 0 {
		t.Fatalf("info logged at error level: %q", out.String())
	}
}

func TestRunMemoryBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var logs bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-backend", "memory", "-addr", "127.0.0.1:0", "-metrics-exporter", "none"}, nil, &logs)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if !strings.Contains(logs.String(), "tagcached stopped") {
		t.Fatalf("missing shutdown log:\n%s", logs.String())
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	if err := run(context.Background(), []string{"-backend", "etcd"}, nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("run accepted an unknown backend")
	}
}
