package tagcache

import (
	"errors"
	"fmt"

	"github.com/adeilh/tagcache/cache"
)

var (
	// ErrValidation is matched by every input validation error. Validation
	// happens before any store call.
	ErrValidation = errors.New("tagcache: invalid input")

	ErrInvalidID  = fmt.Errorf("%w: empty item id", ErrValidation)
	ErrInvalidTag = fmt.Errorf("%w: empty tag name", ErrValidation)
	ErrNoTags     = fmt.Errorf("%w: no tags given", ErrValidation)
	ErrInvalidTTL = fmt.Errorf("%w: negative lifetime", ErrValidation)

	ErrNilClient = errors.New("tagcache: nil store client")

	// ErrNotFound, ErrUnavailable and ErrBatchAborted are the store errors
	// surfaced by the engine, re-exported so callers need not import cache.
	ErrNotFound     = cache.ErrNotFound
	ErrUnavailable  = cache.ErrUnavailable
	ErrBatchAborted = cache.ErrTxAborted

	// ErrBatchPartial comes with ErrBatchAborted when the store applied part
	// of a write before failing. Only the Redis backend reports it.
	ErrBatchPartial = cache.ErrTxPartial
)

// ReconcileWarning reports a tag whose expiration could not be adjusted
// after a successful write. The write itself stands.
type ReconcileWarning struct {
	Tag    string
	Action Action
	Err    error
}

func (w *ReconcileWarning) Error() string {
	return fmt.Sprintf("tagcache: %s tag %q: %v", w.Action, w.Tag, w.Err)
}

func (w *ReconcileWarning) Unwrap() error { return w.Err }
