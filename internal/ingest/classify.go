package ingest

import (
	"errors"

	"github.com/sells-group/demandsync/internal/store"
)

// sourceError marks a page failure raised by the remote source rather than
// the store.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }

func (e *sourceError) Unwrap() error { return e.err }

// classify maps a page failure to KindDuplicate or KindTransient. Source
// failures always count against the budget, whatever their text. For store
// failures the tag wins; untagged ones fall back to message matching.
func classify(err error) ErrorKind {
	var se *sourceError
	if errors.As(err, &se) {
		return KindTransient
	}
	if store.IsTagged(err) {
		if store.KindOf(err) == store.KindUniqueness {
			return KindDuplicate
		}
		return KindTransient
	}
	if store.DuplicateText(err) {
		return KindDuplicate
	}
	return KindTransient
}

// pageCount is ceil(total / size).
func pageCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
