package store

import "errors"

var (
	ErrNotFound    = errors.New("node not found")
	ErrConflict    = errors.New("transaction conflict")
	ErrUnavailable = errors.New("store unavailable")
	ErrClosed      = errors.New("store closed")

	// ErrAbort cancels a Transact or Update from inside the callback
	// without the store treating it as a failure. Callers wrap it to
	// carry their own reason.
	ErrAbort = errors.New("transaction aborted")
)
