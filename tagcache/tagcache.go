// Package tagcache stores values under item ids together with tags, so that
// whole groups of items can be read or invalidated through a tag.
//
// Every item owns three kinds of keys in the backing store: the value
// (item__<id>), a membership record listing its tags (item_tags__<id>), and
// one member set per tag (tag__<name>). A write replaces the value and the
// membership in one atomic batch, then adjusts tag expirations so a tag
// never expires before one of its live members.
package tagcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adeilh/tagcache/cache"
)

// Cache is the tagging engine. It holds no state besides the store client
// and is safe for concurrent use.
type Cache struct {
	client cache.Client
	log    *slog.Logger
	obs    *instruments
	limit  int
	warnFn WarningHandler
}

// SetResult describes a successful write.
type SetResult struct {
	// Warnings lists tags whose expiration could not be adjusted.
	Warnings []*ReconcileWarning
}

// New returns a Cache writing to client. It fails with ErrNilClient when
// client is nil.
func New(client cache.Client, opts ...Option) (*Cache, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	obs, err := newInstruments(o.meterProvider, o.tracerProvider)
	if err != nil {
		return nil, fmt.Errorf("tagcache: create instruments: %w", err)
	}
	return &Cache{
		client: client,
		log:    o.logger,
		obs:    obs,
		limit:  o.concurrency,
		warnFn: o.onWarning,
	}, nil
}

// Client returns the store client the cache writes to.
func (c *Cache) Client() cache.Client { return c.client }

// Set stores value under id with the given lifetime and tags, replacing any
// previous value and tag membership. A ttl of Permanent stores without
// expiration.
//
// The value and membership are written atomically; on error nothing was
// applied unless the error matches ErrBatchPartial. Tag expirations are adjusted afterwards and failures there are
// returned as warnings in the result, never as an error.
func (c *Cache) Set(ctx context.Context, id string, value []byte, ttl time.Duration, tags ...string) (res SetResult, err error) {
	ctx, end := c.obs.begin(ctx, "set")
	defer func() { end(err) }()

	if id == "" {
		return res, ErrInvalidID
	}
	if ttl < 0 {
		return res, ErrInvalidTTL
	}
	tags, err = normalizeTags(tags)
	if err != nil {
		return res, err
	}

	previous, err := c.client.SMembers(ctx, membershipKey(id))
	if err != nil {
		return res, fmt.Errorf("tagcache: read tags of %q: %w", id, err)
	}

	current := make([]cache.Expiration, len(tags))
	for i, tag := range tags {
		if current[i], err = c.client.TTL(ctx, tagKey(tag)); err != nil {
			return res, fmt.Errorf("tagcache: read ttl of tag %q: %w", tag, err)
		}
	}

	tx, err := c.client.Multi(ctx)
	if err != nil {
		return res, fmt.Errorf("tagcache: set %q: %w", id, batchUnavailable(err))
	}
	stageWrite(tx, id, value, ttl, tags, staleTags(previous, tags))
	if err = tx.Exec(ctx); err != nil {
		return res, fmt.Errorf("tagcache: set %q: %w", id, err)
	}

	for i, tag := range tags {
		if w := c.reconcile(ctx, tag, current[i], ttl); w != nil {
			res.Warnings = append(res.Warnings, w)
		}
	}
	return res, nil
}

// batchUnavailable keeps a store that cannot start a batch from looking
// like any other failure.
func batchUnavailable(err error) error {
	if errors.Is(err, cache.ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
}

func (c *Cache) reconcile(ctx context.Context, tag string, current cache.Expiration, ttl time.Duration) *ReconcileWarning {
	next, action := Reconcile(current, ttl)

	var err error
	switch action {
	case Keep:
		return nil
	case Persist:
		_, err = c.client.Persist(ctx, tagKey(tag))
	case Extend:
		_, err = c.client.Expire(ctx, tagKey(tag), next.Remaining())
	}
	if err == nil {
		return nil
	}

	w := &ReconcileWarning{Tag: tag, Action: action, Err: err}
	c.obs.warn(ctx, w)
	c.log.WarnContext(ctx, "tag expiration not reconciled",
		"tag", tag,
		"action", action.String(),
		"error", err,
	)
	if c.warnFn != nil {
		c.warnFn(ctx, w)
	}
	return w
}

// Get returns the value stored under id. A missing item returns an error
// matching ErrNotFound. A stored empty value is returned as an empty,
// non-nil slice.
func (c *Cache) Get(ctx context.Context, id string) (value []byte, err error) {
	ctx, end := c.obs.begin(ctx, "get")
	defer func() { end(ignoreMiss(err)) }()

	if id == "" {
		return nil, ErrInvalidID
	}
	value, err = c.client.Get(ctx, itemKey(id))
	if err != nil {
		return nil, fmt.Errorf("tagcache: get %q: %w", id, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// GetMany returns the values of ids that exist, keyed by id. Missing ids
// are left out.
func (c *Cache) GetMany(ctx context.Context, ids ...string) (items map[string][]byte, err error) {
	ctx, end := c.obs.begin(ctx, "get_many")
	defer func() { end(err) }()

	ids, err = normalizeIDs(ids)
	if err != nil {
		return nil, err
	}
	return c.values(ctx, ids)
}

// GetSet replaces the value of an existing item and returns the previous
// one. The item keeps its tags and lifetime. A missing item returns an
// error matching ErrNotFound and nothing is written.
func (c *Cache) GetSet(ctx context.Context, id string, value []byte) (previous []byte, err error) {
	ctx, end := c.obs.begin(ctx, "get_set")
	defer func() { end(ignoreMiss(err)) }()

	if id == "" {
		return nil, ErrInvalidID
	}
	previous, err = c.client.GetSet(ctx, itemKey(id), value)
	if err != nil {
		return nil, fmt.Errorf("tagcache: get and set %q: %w", id, err)
	}
	if previous == nil {
		previous = []byte{}
	}
	return previous, nil
}

// GetByTag returns every live member of tag keyed by id. Members whose
// value has expired or been removed are left out.
func (c *Cache) GetByTag(ctx context.Context, tag string) (items map[string][]byte, err error) {
	ctx, end := c.obs.begin(ctx, "get_by_tag")
	defer func() { end(err) }()

	if tag == "" {
		return nil, ErrInvalidTag
	}
	ids, err := c.members(ctx, tag)
	if err != nil {
		return nil, err
	}
	return c.values(ctx, ids)
}

// GetByTags returns the live members of the union of tags.
func (c *Cache) GetByTags(ctx context.Context, tags ...string) (items map[string][]byte, err error) {
	ctx, end := c.obs.begin(ctx, "get_by_tags")
	defer func() { end(err) }()

	tags, err = normalizeTags(tags)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, ErrNoTags
	}

	var (
		mu    sync.Mutex
		union = make(map[string]struct{})
	)
	err = c.eachTag(ctx, tags, func(ctx context.Context, tag string) error {
		ids, err := c.members(ctx, tag)
		if err != nil {
			return err
		}
		mu.Lock()
		for _, id := range ids {
			union[id] = struct{}{}
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return c.values(ctx, ids)
}

// GetOneByTag returns one live member of tag. It fails with ErrNotFound when
// the tag has none.
func (c *Cache) GetOneByTag(ctx context.Context, tag string) (id string, value []byte, err error) {
	ctx, end := c.obs.begin(ctx, "get_one_by_tag")
	defer func() { end(ignoreMiss(err)) }()

	if tag == "" {
		return "", nil, ErrInvalidTag
	}
	ids, err := c.members(ctx, tag)
	if err != nil {
		return "", nil, err
	}
	if len(ids) > 0 {
		values, err := c.client.MGet(ctx, itemKeys(ids)...)
		if err != nil {
			return "", nil, fmt.Errorf("tagcache: read members of tag %q: %w", tag, err)
		}
		for i, v := range values {
			if v != nil {
				return ids[i], v, nil
			}
		}
	}
	return "", nil, fmt.Errorf("tagcache: tag %q: %w", tag, ErrNotFound)
}

// Remove deletes the values and membership records of ids. Missing ids
// are not an error. Tag member sets keep the ids; reads by tag skip them.
func (c *Cache) Remove(ctx context.Context, ids ...string) (err error) {
	ctx, end := c.obs.begin(ctx, "remove")
	defer func() { end(err) }()

	ids, err = normalizeIDs(ids)
	if err != nil {
		return err
	}
	if _, err = c.client.Delete(ctx, itemAndMembershipKeys(ids)...); err != nil {
		return fmt.Errorf("tagcache: remove: %w", err)
	}
	return nil
}

// RemoveByTag deletes every member of tag and then the tag itself.
func (c *Cache) RemoveByTag(ctx context.Context, tag string) error {
	if tag == "" {
		return ErrInvalidTag
	}
	return c.RemoveByTags(ctx, tag)
}

// RemoveByTags behaves like RemoveByTag called once per tag.
func (c *Cache) RemoveByTags(ctx context.Context, tags ...string) (err error) {
	ctx, end := c.obs.begin(ctx, "remove_by_tags")
	defer func() { end(err) }()

	tags, err = normalizeTags(tags)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		return ErrNoTags
	}

	return c.eachTag(ctx, tags, func(ctx context.Context, tag string) error {
		ids, err := c.members(ctx, tag)
		if err != nil {
			return err
		}
		keys := append(itemAndMembershipKeys(ids), tagKey(tag))
		if _, err := c.client.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("tagcache: remove tag %q: %w", tag, err)
		}
		c.log.DebugContext(ctx, "tag removed", "tag", tag, "members", len(ids))
		return nil
	})
}

// Exists reports whether id has been written and not removed or expired.
// It checks the membership record, which every write creates.
func (c *Cache) Exists(ctx context.Context, id string) (ok bool, err error) {
	ctx, end := c.obs.begin(ctx, "exists")
	defer func() { end(err) }()

	if id == "" {
		return false, ErrInvalidID
	}
	n, err := c.client.Exists(ctx, membershipKey(id))
	if err != nil {
		return false, fmt.Errorf("tagcache: exists %q: %w", id, err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of the item value.
func (c *Cache) TTL(ctx context.Context, id string) (exp cache.Expiration, err error) {
	ctx, end := c.obs.begin(ctx, "ttl")
	defer func() { end(err) }()

	if id == "" {
		return cache.NoKey(), ErrInvalidID
	}
	exp, err = c.client.TTL(ctx, itemKey(id))
	if err != nil {
		return cache.NoKey(), fmt.Errorf("tagcache: ttl %q: %w", id, err)
	}
	return exp, nil
}

// TagTTL returns the remaining lifetime of the tag member set.
func (c *Cache) TagTTL(ctx context.Context, tag string) (exp cache.Expiration, err error) {
	ctx, end := c.obs.begin(ctx, "tag_ttl")
	defer func() { end(err) }()

	if tag == "" {
		return cache.NoKey(), ErrInvalidTag
	}
	exp, err = c.client.TTL(ctx, tagKey(tag))
	if err != nil {
		return cache.NoKey(), fmt.Errorf("tagcache: ttl of tag %q: %w", tag, err)
	}
	return exp, nil
}

// Tags returns the tags id was last written with, sorted. An item written
// without tags, or one that does not exist, has none.
func (c *Cache) Tags(ctx context.Context, id string) (tags []string, err error) {
	ctx, end := c.obs.begin(ctx, "tags")
	defer func() { end(err) }()

	if id == "" {
		return nil, ErrInvalidID
	}
	members, err := c.client.SMembers(ctx, membershipKey(id))
	if err != nil {
		return nil, fmt.Errorf("tagcache: tags of %q: %w", id, err)
	}
	tags = make([]string, 0, len(members))
	for _, m := range members {
		if m != emptyMarker {
			tags = append(tags, m)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// Ping checks that the store is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("tagcache: ping: %w", err)
	}
	return nil
}

func (c *Cache) members(ctx context.Context, tag string) ([]string, error) {
	ids, err := c.client.SMembers(ctx, tagKey(tag))
	if err != nil {
		return nil, fmt.Errorf("tagcache: members of tag %q: %w", tag, err)
	}
	return ids, nil
}

func (c *Cache) values(ctx context.Context, ids []string) (map[string][]byte, error) {
	items := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return items, nil
	}
	values, err := c.client.MGet(ctx, itemKeys(ids)...)
	if err != nil {
		return nil, fmt.Errorf("tagcache: read values: %w", err)
	}
	for i, v := range values {
		if v != nil {
			items[ids[i]] = v
		}
	}
	return items, nil
}

// eachTag runs fn for every tag with at most c.limit running at once. A
// failing tag does not stop the others; their errors are joined.
func (c *Cache) eachTag(ctx context.Context, tags []string, fn func(context.Context, string) error) error {
	if len(tags) == 1 {
		return fn(ctx, tags[0])
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(c.limit)
	for _, tag := range tags {
		tag := tag
		g.Go(func() error {
			if err := fn(ctx, tag); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ignoreMiss keeps plain cache misses out of the error metrics.
func ignoreMiss(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
