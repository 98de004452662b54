package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/adeilh/tagcache/cache"
	"github.com/adeilh/tagcache/httpx"
	"github.com/adeilh/tagcache/tagcache"
)

// Client is a typed client for the HTTP API.
type Client struct {
	http     *httpx.Client
	adminKey string
}

type ClientOption func(*Client)

// WithAdminKey sends key as a bearer token on admin requests.
func WithAdminKey(key string) ClientOption {
	return func(c *Client) { c.adminKey = key }
}

func NewClient(baseURL string, opts []httpx.ClientOption, copts ...ClientOption) *Client {
	c := &Client{http: httpx.NewClient(append([]httpx.ClientOption{httpx.WithBaseURL(baseURL)}, opts...)...)}
	for _, opt := range copts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Set stores an item and returns the reconcile warnings the server reported.
func (c *Client) Set(ctx context.Context, id string, value []byte, ttl time.Duration, tags ...string) ([]string, error) {
	req := SetRequest{Value: value, Tags: tags}
	if ttl > 0 {
		req.TTL = ttl.String()
	} else if ttl < 0 {
		return nil, tagcache.ErrInvalidTTL
	}
	resp, err := c.http.Put(ctx, itemPath(id), req, nil)
	if err != nil {
		return nil, fromHTTP(err)
	}
	return resp.Header().Values(HeaderWarning), nil
}

func (c *Client) Get(ctx context.Context, id string) ([]byte, error) {
	var out Item
	if _, err := c.http.Get(ctx, itemPath(id), &out); err != nil {
		return nil, fromHTTP(err)
	}
	if out.Value == nil {
		out.Value = []byte{}
	}
	return out.Value, nil
}

// GetMany returns the values of the ids that exist.
func (c *Client) GetMany(ctx context.Context, ids ...string) (map[string][]byte, error) {
	var out ItemsResponse
	if _, err := c.http.Get(ctx, "/v1/items", &out, httpx.WithQueryValues(url.Values{"id": ids})); err != nil {
		return nil, fromHTTP(err)
	}
	return items(out), nil
}

// GetSet replaces the value of an existing item and returns the previous one.
func (c *Client) GetSet(ctx context.Context, id string, value []byte) ([]byte, error) {
	var out Item
	if _, err := c.http.Put(ctx, itemPath(id)+"/value", SwapRequest{Value: value}, &out); err != nil {
		return nil, fromHTTP(err)
	}
	if out.Value == nil {
		out.Value = []byte{}
	}
	return out.Value, nil
}

func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	_, err := c.http.Head(ctx, itemPath(id))
	var rerr *httpx.ResponseError
	if errors.As(err, &rerr) && rerr.Status == httpx.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fromHTTP(err)
	}
	return true, nil
}

func (c *Client) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 1 {
		_, err := c.http.Delete(ctx, itemPath(ids[0]), nil)
		return fromHTTP(err)
	}
	_, err := c.http.Delete(ctx, "/v1/items", nil, httpx.WithQueryValues(url.Values{"id": ids}))
	return fromHTTP(err)
}

func (c *Client) TTL(ctx context.Context, id string) (cache.Expiration, error) {
	return c.ttl(ctx, itemPath(id)+"/ttl")
}

func (c *Client) TagTTL(ctx context.Context, tag string) (cache.Expiration, error) {
	return c.ttl(ctx, tagPath(tag)+"/ttl")
}

func (c *Client) ttl(ctx context.Context, path string) (cache.Expiration, error) {
	var out TTLResponse
	if _, err := c.http.Get(ctx, path, &out); err != nil {
		return cache.NoKey(), fromHTTP(err)
	}
	switch out.State {
	case "persistent":
		return cache.NoExpiry(), nil
	case "finite":
		return cache.ExpiresIn(time.Duration(out.TTLMs) * time.Millisecond), nil
	default:
		return cache.NoKey(), nil
	}
}

func (c *Client) Tags(ctx context.Context, id string) ([]string, error) {
	var out TagsResponse
	if _, err := c.http.Get(ctx, itemPath(id)+"/tags", &out); err != nil {
		return nil, fromHTTP(err)
	}
	return out.Tags, nil
}

func (c *Client) GetByTag(ctx context.Context, tag string) (map[string][]byte, error) {
	var out ItemsResponse
	if _, err := c.http.Get(ctx, tagPath(tag), &out); err != nil {
		return nil, fromHTTP(err)
	}
	return items(out), nil
}

func (c *Client) GetByTags(ctx context.Context, tags ...string) (map[string][]byte, error) {
	var out ItemsResponse
	if _, err := c.http.Get(ctx, "/v1/tags", &out, httpx.WithQueryValues(url.Values{"tag": tags})); err != nil {
		return nil, fromHTTP(err)
	}
	return items(out), nil
}

func (c *Client) GetOneByTag(ctx context.Context, tag string) (string, []byte, error) {
	var out Item
	if _, err := c.http.Get(ctx, tagPath(tag)+"/one", &out); err != nil {
		return "", nil, fromHTTP(err)
	}
	return out.ID, out.Value, nil
}

func (c *Client) RemoveByTag(ctx context.Context, tag string) error {
	_, err := c.http.Delete(ctx, tagPath(tag), nil)
	return fromHTTP(err)
}

func (c *Client) RemoveByTags(ctx context.Context, tags ...string) error {
	_, err := c.http.Delete(ctx, "/v1/tags", nil, httpx.WithQueryValues(url.Values{"tag": tags}))
	return fromHTTP(err)
}

func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out KeysResponse
	_, err := c.http.Get(ctx, "/v1/admin/keys", &out,
		httpx.WithQuery(map[string]string{"pattern": pattern}), c.admin())
	if err != nil {
		return nil, fromHTTP(err)
	}
	return out.Keys, nil
}

func (c *Client) DBSize(ctx context.Context) (int64, error) {
	var out DBSizeResponse
	if _, err := c.http.Get(ctx, "/v1/admin/dbsize", &out, c.admin()); err != nil {
		return 0, fromHTTP(err)
	}
	return out.Keys, nil
}

func (c *Client) FlushDB(ctx context.Context) error {
	_, err := c.http.Post(ctx, "/v1/admin/flush", nil, nil, c.admin())
	return fromHTTP(err)
}

func (c *Client) FlushAll(ctx context.Context) error {
	_, err := c.http.Post(ctx, "/v1/admin/flushall", nil, nil, c.admin())
	return fromHTTP(err)
}

func (c *Client) Select(ctx context.Context, db int) error {
	_, err := c.http.Post(ctx, "/v1/admin/select/"+strconv.Itoa(db), nil, nil, c.admin())
	return fromHTTP(err)
}

// Info returns the store's INFO text for section.
func (c *Client) Info(ctx context.Context, section string) (string, error) {
	var opts []httpx.RequestOption
	if section != "" {
		opts = append(opts, httpx.WithQuery(map[string]string{"section": section}))
	}
	resp, err := c.http.Get(ctx, "/v1/admin/info", nil, append(opts, c.admin())...)
	if err != nil {
		return "", fromHTTP(err)
	}
	return resp.String(), nil
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.http.Get(ctx, "/healthz", nil)
	return fromHTTP(err)
}

func (c *Client) admin() httpx.RequestOption {
	return httpx.WithBearer(c.adminKey)
}

func itemPath(id string) string { return "/v1/items/" + url.PathEscape(id) }
func tagPath(tag string) string { return "/v1/tags/" + url.PathEscape(tag) }

func items(out ItemsResponse) map[string][]byte {
	if out.Items == nil {
		return map[string][]byte{}
	}
	for id, v := range out.Items {
		if v == nil {
			out.Items[id] = []byte{}
		}
	}
	return out.Items
}

// fromHTTP maps status codes back onto the engine's sentinel errors.
func fromHTTP(err error) error {
	var rerr *httpx.ResponseError
	if !errors.As(err, &rerr) {
		if err != nil {
			return fmt.Errorf("%w: %w", tagcache.ErrUnavailable, err)
		}
		return nil
	}
	switch rerr.Status {
	case httpx.StatusBadRequest:
		return fmt.Errorf("%w: %s", tagcache.ErrValidation, rerr.Body)
	case httpx.StatusNotFound:
		return fmt.Errorf("%w: %s", tagcache.ErrNotFound, rerr.Body)
	case httpx.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", tagcache.ErrUnavailable, rerr.Body)
	case httpx.StatusConflict:
		return fmt.Errorf("%w: %s", tagcache.ErrBatchAborted, rerr.Body)
	}
	return err
}
