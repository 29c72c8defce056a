package domain

import "errors"

// Sentinel errors shared across packages. Callers wrap them with
// fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrNotFound is returned when a user or transaction does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for malformed submissions or queries.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration signals drift between the encoder, the scorer and the
	// deployed artifacts. It is fatal and never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrStore wraps I/O failures against the history store.
	ErrStore = errors.New("store error")
)
