package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adeilh/tagcache/cache"
	testredis "github.com/adeilh/tagcache/internal/testutil/rediscontainer"
)

var redisErr error

func TestMain(m *testing.M) {
	if redisErr = testredis.Setup(); redisErr != nil {
		fmt.Println("redis integration tests skipped:", redisErr)
	}

	code := m.Run()

	if redisErr == nil {
		if err := testredis.Teardown(); err != nil {
			fmt.Fprintln(os.Stderr, "warning: failed to stop redis test container:", err)
		}
	}

	os.Exit(code)
}

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	if redisErr != nil {
		t.Skip("redis container unavailable:", redisErr)
	}
	store := NewStore(Options{Addr: testredis.Addr(), KeyPrefix: fmt.Sprintf("test:%d:", time.Now().UnixNano())})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSetGetDelete(t *testing.T) {
	store := newIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := "redis:test"
	value := []byte("some-payload")

	if err := store.Set(ctx, key, value, 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	payload, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if string(payload) != string(value) {
		t.Fatalf("Get() = %q, want %q", payload, value)
	}

	if n, err := store.Delete(ctx, key, "never-written"); err != nil || n != 1 {
		t.Fatalf("Delete() = %d, %v; want 1, nil", n, err)
	}

	if _, err := store.Get(ctx, key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreTTL(t *testing.T) {
	store := newIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "redis:ttl"
	ttl := 200 * time.Millisecond

	if err := store.Set(ctx, key, []byte("value"), ttl); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	exp, err := store.TTL(ctx, key)
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if !exp.IsFinite() || exp.Remaining() > ttl {
		t.Fatalf("TTL() = %v, want finite <= %s", exp, ttl)
	}

	time.Sleep(ttl + 100*time.Millisecond)

	if _, err := store.Get(ctx, key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after TTL, got %v", err)
	}
	if exp, _ := store.TTL(ctx, key); exp.Exists() {
		t.Fatalf("TTL() after expiry = %v, want missing", exp)
	}
}

func TestStoreExpirePersist(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	if ok, err := store.Expire(ctx, "absent", time.Second); err != nil || ok {
		t.Fatalf("Expire(absent) = %v, %v; want false, nil", ok, err)
	}
	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if exp, _ := store.TTL(ctx, "k"); !exp.IsPersistent() {
		t.Fatalf("TTL() = %v, want persistent", exp)
	}
	if ok, err := store.Expire(ctx, "k", time.Minute); err != nil || !ok {
		t.Fatalf("Expire() = %v, %v", ok, err)
	}
	if ok, err := store.Persist(ctx, "k"); err != nil || !ok {
		t.Fatalf("Persist() = %v, %v", ok, err)
	}
	if exp, _ := store.TTL(ctx, "k"); !exp.IsPersistent() {
		t.Fatalf("TTL() after Persist = %v, want persistent", exp)
	}
}

func TestStoreSets(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	if n, err := store.SAdd(ctx, "set", "a", "b", "a"); err != nil || n != 2 {
		t.Fatalf("SAdd() = %d, %v; want 2", n, err)
	}
	if n, err := store.SRem(ctx, "set", "b"); err != nil || n != 1 {
		t.Fatalf("SRem() = %d, %v; want 1", n, err)
	}
	members, err := store.SMembers(ctx, "set")
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	if len(members) != 1 || members[0] != "a" {
		t.Fatalf("SMembers() = %v, want [a]", members)
	}
	if members, _ := store.SMembers(ctx, "absent"); len(members) != 0 {
		t.Fatalf("SMembers(absent) = %v, want empty", members)
	}
	if n, _ := store.Exists(ctx, "set", "absent"); n != 1 {
		t.Fatalf("Exists() = %d, want 1", n)
	}
}

func TestStoreMultiAtomic(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	tx, err := store.Multi(ctx)
	if err != nil {
		t.Fatalf("Multi() error = %v", err)
	}
	tx.Set("item", []byte("v"), time.Minute)
	tx.SAdd("members", "item")
	tx.Expire("members", time.Minute)
	if err := tx.Exec(ctx); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if n, _ := store.Exists(ctx, "item", "members"); n != 2 {
		t.Fatalf("Exists() = %d, want 2", n)
	}

	// SADD against a string key is a runtime error inside EXEC.
	tx, _ = store.Multi(ctx)
	tx.Set("other", []byte("v"), 0)
	tx.SAdd("item", "x")
	if err := tx.Exec(ctx); !errors.Is(err, cache.ErrTxAborted) {
		t.Fatalf("Exec() = %v, want ErrTxAborted", err)
	}
}

func TestStoreKeysAndFlush(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	for _, k := range []string{"tag__a", "tag__b", "item__a"} {
		if err := store.Set(ctx, k, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}
	keys, err := store.Keys(ctx, "tag__*")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	sort.Strings(keys)
	if strings.Join(keys, ",") != "tag__a,tag__b" {
		t.Fatalf("Keys() = %v", keys)
	}

	if err := store.Select(ctx, 2); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if err := store.FlushDB(ctx); err != nil {
		t.Fatalf("FlushDB() error = %v", err)
	}
	if err := store.Select(ctx, 0); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if keys, _ := store.Keys(ctx, "*"); len(keys) != 3 {
		t.Fatalf("flushing db 2 must not touch db 0, got %v", keys)
	}
}

func TestStoreContextCancellation(t *testing.T) {
	store := newIntegrationStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Set(ctx, "any", []byte("value"), 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStoreConcurrentSetGet(t *testing.T) {
	store := newIntegrationStore(t)

	const workers = 32
	const opsPerWorker = 100

	var wg sync.WaitGroup
	errCh := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				key := fmt.Sprintf("redis:concurrent:%d:%d", worker, i)
				val := []byte(key)

				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := store.Set(ctx, key, val, time.Second); err != nil {
					errCh <- fmt.Errorf("worker %d set failed: %w", worker, err)
					cancel()
					return
				}
				payload, err := store.Get(ctx, key)
				cancel()
				if err != nil {
					errCh <- fmt.Errorf("worker %d get failed: %w", worker, err)
					return
				}
				if string(payload) != string(val) {
					errCh <- fmt.Errorf("worker %d mismatch: got %q want %q", worker, payload, val)
					return
				}
			}
		}(w)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent op failed: %v", err)
	}
}

func TestStorePipeline(t *testing.T) {
	store := newIntegrationStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipeline, err := store.Pipeline(ctx)
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	defer pipeline.Close()

	key1 := fmt.Sprintf("redis:pipeline:%d:1", time.Now().UnixNano())
	key2 := fmt.Sprintf("redis:pipeline:%d:2", time.Now().UnixNano())

	pipeline.Queue("SET", key1, "v1")
	pipeline.Queue("SET", key2, "v2")
	pipeline.Queue("MGET", key1, key2)

	responses, err := pipeline.Exec(ctx)
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}

	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}

	if msg, _ := responses[0].(string); !strings.EqualFold(msg, "OK") {
		t.Fatalf("first response = %v, want OK", responses[0])
	}
	if msg, _ := responses[1].(string); !strings.EqualFold(msg, "OK") {
		t.Fatalf("second response = %v, want OK", responses[1])
	}

	values, ok := responses[2].([]any)
	if !ok {
		t.Fatalf("expected array response, got %T", responses[2])
	}
	if string(values[0].([]byte)) != "v1" || string(values[1].([]byte)) != "v2" {
		t.Fatalf("unexpected MGET payload: %v", values)
	}
}

func TestStoreGetSetAndDBSize(t *testing.T) {
	store := newIntegrationStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := store.GetSet(ctx, "swap", []byte("x")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("GetSet(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.Set(ctx, "swap", []byte("old"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	previous, err := store.GetSet(ctx, "swap", []byte("new"))
	if err != nil || string(previous) != "old" {
		t.Fatalf("GetSet() = %q, %v; want old", previous, err)
	}
	if exp, _ := store.TTL(ctx, "swap"); !exp.IsFinite() {
		t.Fatalf("GetSet dropped the expiration: %s", exp)
	}

	n, err := store.DBSize(ctx)
	if err != nil || n != 1 {
		t.Fatalf("DBSize() = %d, %v; want 1", n, err)
	}
}
