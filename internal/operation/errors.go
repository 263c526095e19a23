package operation

import "errors"

var (
	// ErrNotFound is returned when an id is absent, or not in the state the call requires
	ErrNotFound = errors.New("operation not found")

	// ErrInvalidOperation is returned for unrecognized kinds or methods; such operations never enter the queue
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrStoreUnavailable is returned when a durability write failed
	ErrStoreUnavailable = errors.New("operation store unavailable")
)
