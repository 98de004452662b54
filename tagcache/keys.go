package tagcache

import (
	"slices"
	"time"

	"github.com/adeilh/tagcache/cache"
)

const (
	itemPrefix       = "item__"
	membershipPrefix = "item_tags__"
	tagPrefix        = "tag__"

	// emptyMarker is the single member of the membership record of an item
	// written without tags.
	emptyMarker = ""
)

func itemKey(id string) string       { return itemPrefix + id }
func membershipKey(id string) string { return membershipPrefix + id }
func tagKey(tag string) string       { return tagPrefix + tag }

func itemKeys(ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = itemKey(id)
	}
	return keys
}

// itemAndMembershipKeys lists every key owned by the given items.
func itemAndMembershipKeys(ids []string) []string {
	keys := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		keys = append(keys, itemKey(id), membershipKey(id))
	}
	return keys
}

// stageWrite queues the replacement of an item and its tag membership.
// Old membership goes first so the new record holds exactly tags, and id
// leaves the member set of every stale tag.
func stageWrite(tx cache.Tx, id string, value []byte, ttl time.Duration, tags, stale []string) {
	mk := membershipKey(id)
	tx.Delete(mk)
	for _, tag := range stale {
		tx.SRem(tagKey(tag), id)
	}
	tx.Set(itemKey(id), value, ttl)
	if len(tags) == 0 {
		tx.SAdd(mk, emptyMarker)
	} else {
		for _, tag := range tags {
			tx.SAdd(tagKey(tag), id)
		}
		tx.SAdd(mk, tags...)
	}
	if ttl > 0 {
		tx.Expire(mk, ttl)
	}
}

// normalizeTags rejects empty names and drops duplicates, keeping the
// first occurrence order.
func normalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			return nil, ErrInvalidTag
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out, nil
}

// staleTags returns the tags of a previous membership record that are not
// in tags.
func staleTags(previous, tags []string) []string {
	var stale []string
	for _, old := range previous {
		if old == emptyMarker || slices.Contains(tags, old) {
			continue
		}
		stale = append(stale, old)
	}
	return stale
}

func normalizeIDs(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, ErrInvalidID
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, ErrInvalidID
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
