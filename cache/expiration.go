package cache

import (
	"fmt"
	"time"
)

type expirationState uint8

const (
	stateMissing expirationState = iota
	statePersistent
	stateFinite
)

// Expiration is the remaining lifetime of a key: it either does not exist,
// exists without expiration, or expires after a finite duration.
type Expiration struct {
	state     expirationState
	remaining time.Duration
}

// NoKey describes a key that does not exist.
func NoKey() Expiration { return Expiration{state: stateMissing} }

// NoExpiry describes an existing key without expiration.
func NoExpiry() Expiration { return Expiration{state: statePersistent} }

// ExpiresIn describes an existing key that expires after d.
func ExpiresIn(d time.Duration) Expiration {
	if d < 0 {
		d = 0
	}
	return Expiration{state: stateFinite, remaining: d}
}

func (e Expiration) Exists() bool { return e.state != stateMissing }

func (e Expiration) IsPersistent() bool { return e.state == statePersistent }

func (e Expiration) IsFinite() bool { return e.state == stateFinite }

// Remaining returns the time left for finite expirations and zero otherwise.
func (e Expiration) Remaining() time.Duration {
	if e.state != stateFinite {
		return 0
	}
	return e.remaining
}

func (e Expiration) String() string {
	switch e.state {
	case statePersistent:
		return "persistent"
	case stateFinite:
		return fmt.Sprintf("expires in %s", e.remaining)
	default:
		return "missing"
	}
}

// FromMilliseconds converts a Redis PTTL style reply (-2 missing, -1 no
// expiration) into an Expiration.
func FromMilliseconds(ms int64) Expiration {
	switch {
	case ms == -2:
		return NoKey()
	case ms < 0:
		return NoExpiry()
	default:
		return ExpiresIn(time.Duration(ms) * time.Millisecond)
	}
}
