package api

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/adeilh/tagcache/cache"
	"github.com/adeilh/tagcache/cache/memory"
	"github.com/adeilh/tagcache/httpx"
	"github.com/adeilh/tagcache/tagcache"
)

const adminKey = "s3cret"

type brokenExpire struct{ *memory.Store }

func (b brokenExpire) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("expire refused")
}

func newTestAPI(t *testing.T, client cache.Client, admin cache.Admin) *Client {
	t.Helper()
	c, err := tagcache.New(client)
	if err != nil {
		t.Fatalf("tagcache.New error: %v", err)
	}

	var opts []Option
	if admin != nil {
		hash, err := httpx.HashAdminKey(adminKey, bcrypt.MinCost)
		if err != nil {
			t.Fatalf("HashAdminKey error: %v", err)
		}
		opts = append(opts, WithAdmin(admin, hash))
	}

	server := httpx.NewServer()
	server.RegisterRoutes(NewHandler(c, opts...).Register)
	ts := httpx.NewServerTestServer(server)
	t.Cleanup(ts.Close)

	return NewClient(ts.BaseURL(), nil, WithAdminKey(adminKey))
}

func newMemoryAPI(t *testing.T) (*Client, *memory.Store) {
	t.Helper()
	store := memory.New(0)
	t.Cleanup(func() { _ = store.Close() })
	return newTestAPI(t, store, store), store
}

func TestItemRoundTrip(t *testing.T) {
	client, _ := newMemoryAPI(t)
	ctx := context.Background()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health error: %v", err)
	}

	warnings, err := client.Set(ctx, "a", []byte("alpha"), time.Minute, "red", "blue")
	if err != nil || len(warnings) != 0 {
		t.Fatalf("Set = %v, %v", warnings, err)
	}
	if _, err := client.Set(ctx, "b", []byte("beta"), 0, "red"); err != nil {
		t.Fatalf("Set(b) error: %v", err)
	}
	if _, err := client.Set(ctx, "empty", nil, 0); err != nil {
		t.Fatalf("Set(empty) error: %v", err)
	}

	v, err := client.Get(ctx, "a")
	if err != nil || string(v) != "alpha" {
		t.Fatalf("Get(a) = %q, %v", v, err)
	}
	v, err = client.Get(ctx, "empty")
	if err != nil || v == nil || len(v) != 0 {
		t.Fatalf("Get(empty) = %#v, %v", v, err)
	}
	if _, err := client.Get(ctx, "missing"); !errors.Is(err, tagcache.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}

	if ok, err := client.Exists(ctx, "a"); err != nil || !ok {
		t.Fatalf("Exists(a) = %v, %v", ok, err)
	}
	if ok, err := client.Exists(ctx, "missing"); err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v", ok, err)
	}

	tags, err := client.Tags(ctx, "a")
	if err != nil || !reflect.DeepEqual(tags, []string{"blue", "red"}) {
		t.Fatalf("Tags(a) = %v, %v", tags, err)
	}

	exp, err := client.TTL(ctx, "a")
	if err != nil || !exp.IsFinite() || exp.Remaining() > time.Minute {
		t.Fatalf("TTL(a) = %s, %v", exp, err)
	}
	if exp, _ := client.TTL(ctx, "b"); !exp.IsPersistent() {
		t.Fatalf("TTL(b) = %s, want persistent", exp)
	}
	if exp, _ := client.TTL(ctx, "missing"); exp.Exists() {
		t.Fatalf("TTL(missing) = %s, want missing", exp)
	}
	if exp, _ := client.TagTTL(ctx, "red"); !exp.IsPersistent() {
		t.Fatalf("TagTTL(red) = %s, want persistent", exp)
	}
	if exp, _ := client.TagTTL(ctx, "blue"); !exp.IsFinite() {
		t.Fatalf("TagTTL(blue) = %s, want finite", exp)
	}

	if err := client.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if err := client.Remove(ctx, "b", "missing"); err != nil {
		t.Fatalf("Remove(many) error: %v", err)
	}
	if _, err := client.Get(ctx, "b"); !errors.Is(err, tagcache.ErrNotFound) {
		t.Fatalf("Get(b) after Remove = %v", err)
	}
}

func TestTagRoutes(t *testing.T) {
	client, _ := newMemoryAPI(t)
	ctx := context.Background()

	_, _ = client.Set(ctx, "a", []byte("1"), 0, "x", "y")
	_, _ = client.Set(ctx, "b", []byte("2"), 0, "y")
	_, _ = client.Set(ctx, "c", []byte("3"), 0, "z")

	items, err := client.GetByTag(ctx, "y")
	if err != nil || len(items) != 2 || string(items["a"]) != "1" || string(items["b"]) != "2" {
		t.Fatalf("GetByTag(y) = %v, %v", items, err)
	}
	items, err = client.GetByTags(ctx, "x", "z")
	if err != nil || len(items) != 2 || string(items["c"]) != "3" {
		t.Fatalf("GetByTags(x, z) = %v, %v", items, err)
	}
	items, err = client.GetByTag(ctx, "nothing")
	if err != nil || len(items) != 0 {
		t.Fatalf("GetByTag(nothing) = %v, %v", items, err)
	}

	id, v, err := client.GetOneByTag(ctx, "z")
	if err != nil || id != "c" || string(v) != "3" {
		t.Fatalf("GetOneByTag(z) = %q, %q, %v", id, v, err)
	}
	if _, _, err := client.GetOneByTag(ctx, "nothing"); !errors.Is(err, tagcache.ErrNotFound) {
		t.Fatalf("GetOneByTag(nothing) = %v, want ErrNotFound", err)
	}

	if err := client.RemoveByTag(ctx, "x"); err != nil {
		t.Fatalf("RemoveByTag error: %v", err)
	}
	if ok, _ := client.Exists(ctx, "b"); !ok {
		t.Fatalf("RemoveByTag(x) removed b")
	}
	if err := client.RemoveByTags(ctx, "y", "z"); err != nil {
		t.Fatalf("RemoveByTags error: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if ok, _ := client.Exists(ctx, id); ok {
			t.Fatalf("%q still exists", id)
		}
	}
}

func TestGetManyAndGetSet(t *testing.T) {
	client, _ := newMemoryAPI(t)
	ctx := context.Background()

	_, _ = client.Set(ctx, "a", []byte("1"), time.Minute, "red")
	_, _ = client.Set(ctx, "b", nil, 0)

	items, err := client.GetMany(ctx, "a", "b", "missing")
	if err != nil {
		t.Fatalf("GetMany error: %v", err)
	}
	if len(items) != 2 || string(items["a"]) != "1" || items["b"] == nil {
		t.Fatalf("GetMany = %#v", items)
	}
	if _, err := client.GetMany(ctx); !errors.Is(err, tagcache.ErrValidation) {
		t.Fatalf("GetMany() = %v, want ErrValidation", err)
	}

	prev, err := client.GetSet(ctx, "a", []byte("2"))
	if err != nil || string(prev) != "1" {
		t.Fatalf("GetSet(a) = %q, %v", prev, err)
	}
	byTag, _ := client.GetByTag(ctx, "red")
	if string(byTag["a"]) != "2" {
		t.Fatalf("GetByTag(red) after GetSet = %#v", byTag)
	}
	if exp, _ := client.TTL(ctx, "a"); !exp.IsFinite() {
		t.Fatalf("GetSet dropped the lifetime: %s", exp)
	}
	if _, err := client.GetSet(ctx, "missing", []byte("x")); !errors.Is(err, tagcache.ErrNotFound) {
		t.Fatalf("GetSet(missing) = %v, want ErrNotFound", err)
	}
}

func TestValidationErrors(t *testing.T) {
	client, _ := newMemoryAPI(t)
	ctx := context.Background()

	if _, err := client.Set(ctx, "a", []byte("v"), 0, ""); !errors.Is(err, tagcache.ErrValidation) {
		t.Fatalf("Set(empty tag) = %v, want ErrValidation", err)
	}
	if _, err := client.GetByTags(ctx); !errors.Is(err, tagcache.ErrValidation) {
		t.Fatalf("GetByTags() = %v, want ErrValidation", err)
	}
	if err := client.RemoveByTags(ctx); !errors.Is(err, tagcache.ErrValidation) {
		t.Fatalf("RemoveByTags() = %v, want ErrValidation", err)
	}
	if _, err := client.Set(ctx, "a", nil, -time.Second); !errors.Is(err, tagcache.ErrInvalidTTL) {
		t.Fatalf("Set(negative ttl) = %v, want ErrInvalidTTL", err)
	}
}

func TestSetReportsWarnings(t *testing.T) {
	store := memory.New(0)
	t.Cleanup(func() { _ = store.Close() })
	client := newTestAPI(t, brokenExpire{store}, nil)

	warnings, err := client.Set(context.Background(), "a", []byte("v"), time.Minute, "fresh")
	if err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], `"fresh"`) {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestUnavailableStore(t *testing.T) {
	client, store := newMemoryAPI(t)
	_ = store.Close()

	if err := client.Health(context.Background()); !errors.Is(err, tagcache.ErrUnavailable) {
		t.Fatalf("Health on closed store = %v, want ErrUnavailable", err)
	}
	if _, err := client.Get(context.Background(), "a"); !errors.Is(err, tagcache.ErrUnavailable) {
		t.Fatalf("Get on closed store = %v, want ErrUnavailable", err)
	}
}

func TestAdminRoutes(t *testing.T) {
	client, _ := newMemoryAPI(t)
	ctx := context.Background()

	_, _ = client.Set(ctx, "a", []byte("v"), 0, "red")

	keys, err := client.Keys(ctx, "tag__*")
	if err != nil || !reflect.DeepEqual(keys, []string{"tag__red"}) {
		t.Fatalf("Keys = %v, %v", keys, err)
	}
	if n, err := client.DBSize(ctx); err != nil || n != 3 {
		t.Fatalf("DBSize = %d, %v, want value, membership and tag keys", n, err)
	}
	info, err := client.Info(ctx, "keyspace")
	if err != nil || !strings.Contains(info, "db0:keys=3,expires=0") {
		t.Fatalf("Info = %q, %v", info, err)
	}

	if err := client.Select(ctx, 1); err != nil {
		t.Fatalf("Select(1) error: %v", err)
	}
	if ok, _ := client.Exists(ctx, "a"); ok {
		t.Fatalf("item visible in database 1")
	}
	if err := client.Select(ctx, 0); err != nil {
		t.Fatalf("Select(0) error: %v", err)
	}
	if err := client.FlushDB(ctx); err != nil {
		t.Fatalf("FlushDB error: %v", err)
	}
	if keys, _ := client.Keys(ctx, "*"); len(keys) != 0 {
		t.Fatalf("FlushDB left %v", keys)
	}
	if err := client.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll error: %v", err)
	}
}

func TestAdminRequiresKey(t *testing.T) {
	store := memory.New(0)
	t.Cleanup(func() { _ = store.Close() })

	c, _ := tagcache.New(store)
	hash, _ := httpx.HashAdminKey(adminKey, bcrypt.MinCost)
	server := httpx.NewServer()
	server.RegisterRoutes(NewHandler(c, WithAdmin(store, hash)).Register)
	ts := httpx.NewServerTestServer(server)
	defer ts.Close()

	anonymous := NewClient(ts.BaseURL(), nil)
	err := anonymous.FlushDB(context.Background())
	var rerr *httpx.ResponseError
	if !errors.As(err, &rerr) || rerr.Status != httpx.StatusUnauthorized {
		t.Fatalf("FlushDB without key = %v, want 401", err)
	}

	wrong := NewClient(ts.BaseURL(), nil, WithAdminKey("nope"))
	if err := wrong.FlushDB(context.Background()); !errors.As(err, &rerr) || rerr.Status != httpx.StatusUnauthorized {
		t.Fatalf("FlushDB with wrong key = %v, want 401", err)
	}
}

func TestAdminDisabledWithoutStore(t *testing.T) {
	store := memory.New(0)
	t.Cleanup(func() { _ = store.Close() })
	client := newTestAPI(t, store, nil)

	err := client.FlushDB(context.Background())
	var rerr *httpx.ResponseError
	if !errors.As(err, &rerr) || rerr.Status != httpx.StatusNotFound {
		t.Fatalf("FlushDB without admin routes = %v, want 404", err)
	}
}

func TestToHTTP(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{tagcache.ErrInvalidTag, httpx.StatusBadRequest},
		{tagcache.ErrNotFound, httpx.StatusNotFound},
		{tagcache.ErrUnavailable, httpx.StatusServiceUnavailable},
		{tagcache.ErrBatchAborted, httpx.StatusConflict},
		{context.DeadlineExceeded, 504},
		{errors.New("boom"), httpx.StatusInternalError},
	}
	for _, tt := range tests {
		var herr *echo.HTTPError
		if !errors.As(toHTTP(tt.err), &herr) {
			t.Fatalf("toHTTP(%v) is not an HTTP error", tt.err)
		}
		if herr.Code != tt.want {
			t.Fatalf("toHTTP(%v) code = %d, want %d", tt.err, herr.Code, tt.want)
		}
	}
}
