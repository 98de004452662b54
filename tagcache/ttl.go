package tagcache

import (
	"time"

	"github.com/adeilh/tagcache/cache"
)

// Permanent stores an item without expiration.
const Permanent time.Duration = 0

// Action is the adjustment a tag needs after one of its members was written.
type Action uint8

const (
	// Keep leaves the tag expiration untouched.
	Keep Action = iota
	// Persist clears the tag expiration.
	Persist
	// Extend raises the tag expiration to the item lifetime.
	Extend
)

func (a Action) String() string {
	switch a {
	case Persist:
		return "persist"
	case Extend:
		return "extend"
	default:
		return "keep"
	}
}

// Reconcile computes the expiration a tag must have once an item with the
// given lifetime has been added to it. A tag never expires before any of
// its members, and a tag with a permanent member is itself permanent.
//
// current is the tag expiration read before the write. When the tag did
// not exist the write creates it without expiration, so a permanent item
// needs no follow-up while a finite one still needs Extend.
func Reconcile(current cache.Expiration, ttl time.Duration) (cache.Expiration, Action) {
	permanent := ttl <= 0
	switch {
	case !current.Exists():
		if permanent {
			return cache.NoExpiry(), Keep
		}
		return cache.ExpiresIn(ttl), Extend
	case current.IsPersistent():
		return current, Keep
	case permanent:
		return cache.NoExpiry(), Persist
	case ttl > current.Remaining():
		return cache.ExpiresIn(ttl), Extend
	default:
		return current, Keep
	}
}
