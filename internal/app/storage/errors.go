package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned on unique violations and failed compare-and-swap updates.
	ErrConflict = errors.New("storage: conflict")
	// ErrTransient marks failures worth retrying: lock timeouts, deadlocks,
	// serialization failures.
	ErrTransient = errors.New("storage: transient failure")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
