package memory

import (
	"errors"
	"time"
)

// ErrWrongType mirrors Redis' WRONGTYPE reply.
var ErrWrongType = errors.New("memory: operation against a key holding the wrong kind of value")

type kind uint8

const (
	kindString kind = iota + 1
	kindSet
)

type entry struct {
	kind      kind
	value     []byte
	members   map[string]struct{}
	expiresAt time.Time // zero means no expiration
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (e *entry) clone() *entry {
	c := &entry{kind: e.kind, expiresAt: e.expiresAt}
	if e.value != nil {
		c.value = append([]byte{}, e.value...)
	}
	if e.members != nil {
		c.members = make(map[string]struct{}, len(e.members))
		for m := range e.members {
			c.members[m] = struct{}{}
		}
	}
	return c
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// keyspace is what the commands operate on: either the live map or a
// transaction overlay staged on top of it.
type keyspace interface {
	lookup(key string) *entry
	put(key string, e *entry)
	remove(key string)
	now() time.Time
}

type live struct {
	m  map[string]*entry
	at time.Time
}

func (l live) lookup(key string) *entry {
	e, ok := l.m[key]
	if !ok {
		return nil
	}
	if e.expired(l.at) {
		delete(l.m, key)
		return nil
	}
	return e
}

func (l live) put(key string, e *entry) { l.m[key] = e }
func (l live) remove(key string)        { delete(l.m, key) }
func (l live) now() time.Time           { return l.at }

// overlay records changes without touching the live map until commit.
// A nil entry in changes marks a deletion.
type overlay struct {
	base    live
	changes map[string]*entry
}

func newOverlay(base live) *overlay {
	return &overlay{base: base, changes: make(map[string]*entry)}
}

func (o *overlay) lookup(key string) *entry {
	if e, ok := o.changes[key]; ok {
		return e
	}
	e := o.base.lookup(key)
	if e == nil {
		return nil
	}
	c := e.clone()
	o.changes[key] = c
	return c
}

func (o *overlay) put(key string, e *entry) { o.changes[key] = e }
func (o *overlay) remove(key string)        { o.changes[key] = nil }
func (o *overlay) now() time.Time           { return o.base.at }

func (o *overlay) commit() {
	for k, e := range o.changes {
		if e == nil {
			delete(o.base.m, k)
			continue
		}
		o.base.m[k] = e
	}
}

func cmdSet(ks keyspace, key string, value []byte, ttl time.Duration) {
	ks.put(key, &entry{
		kind:      kindString,
		value:     append([]byte{}, value...),
		expiresAt: deadline(ks.now(), ttl),
	})
}

func cmdDelete(ks keyspace, keys ...string) int64 {
	var n int64
	for _, k := range keys {
		if ks.lookup(k) != nil {
			ks.remove(k)
			n++
		}
	}
	return n
}

func cmdSAdd(ks keyspace, key string, members ...string) (int64, error) {
	e := ks.lookup(key)
	if e == nil {
		e = &entry{kind: kindSet, members: make(map[string]struct{}, len(members))}
		ks.put(key, e)
	}
	if e.kind != kindSet {
		return 0, ErrWrongType
	}
	var added int64
	for _, m := range members {
		if _, ok := e.members[m]; !ok {
			e.members[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func cmdSRem(ks keyspace, key string, members ...string) (int64, error) {
	e := ks.lookup(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindSet {
		return 0, ErrWrongType
	}
	var removed int64
	for _, m := range members {
		if _, ok := e.members[m]; ok {
			delete(e.members, m)
			removed++
		}
	}
	if len(e.members) == 0 {
		ks.remove(key)
	}
	return removed, nil
}

func cmdExpire(ks keyspace, key string, ttl time.Duration) bool {
	e := ks.lookup(key)
	if e == nil {
		return false
	}
	e.expiresAt = deadline(ks.now(), ttl)
	return true
}

func cmdPersist(ks keyspace, key string) bool {
	e := ks.lookup(key)
	if e == nil || e.expiresAt.IsZero() {
		return false
	}
	e.expiresAt = time.Time{}
	return true
}
