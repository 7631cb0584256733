package matrix

import (
	"errors"
	"fmt"

	"github.com/hurttlocker/bibauthor/internal/bibref"
)

var (
	// ErrKeyLookup is matched by every KeyError.
	ErrKeyLookup = errors.New("bibref outside matrix universe")

	// ErrSelfPair is returned when both sides of a pair are the same key.
	ErrSelfPair = errors.New("self pair has no slot")

	// ErrDuplicateKey is returned by New when a key repeats.
	ErrDuplicateKey = errors.New("duplicate matrix key")

	// ErrScoreRange is returned when a score falls outside [0,1].
	ErrScoreRange = errors.New("score outside [0,1]")

	// ErrNotFound means no persisted matrix exists.
	ErrNotFound = errors.New("matrix not found")

	// ErrStale means the persisted matrix has a different or negative format version.
	ErrStale = errors.New("matrix format version is stale")

	// ErrCorrupt means a persisted artifact could not be decoded.
	ErrCorrupt = errors.New("matrix artifact corrupt")
)

// KeyError reports a lookup for a key the matrix was not built over.
type KeyError struct {
	Key bibref.BibRef
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%v: %s", ErrKeyLookup, e.Key)
}

func (e *KeyError) Is(target error) bool {
	return target == ErrKeyLookup
}
