package storage

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Lookup failures.
var (
	ErrJobNotFound          = errors.New("job not found")
	ErrRecurringJobNotFound = errors.New("recurring job not found")
)

// ConcurrentJobModificationError signals a versioned write that lost a race:
// the stored version no longer matches the version the caller read. Pollers
// treat it as "someone else got there first" and skip; other callers retry
// from a fresh read or report it.
type ConcurrentJobModificationError struct {
	JobID    uuid.UUID
	Expected int
	Actual   int
}

func (e *ConcurrentJobModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of job %s: expected version %d, found %d", e.JobID, e.Expected, e.Actual)
}

func IsConcurrentModification(err error) bool {
	var cme *ConcurrentJobModificationError
	return errors.As(err, &cme)
}

// StorageError wraps backend transport failures so callers can distinguish
// "the store said no" from "the store is unreachable".
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WrapError is used by the backends to tag transport failures with the
// operation that hit them. Returns nil for a nil error.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
