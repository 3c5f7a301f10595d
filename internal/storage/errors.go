package storage

import "errors"

// Storage errors shared by all TokenStore implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWatchClosed is returned when a watch subscription cannot be
	// established because the store is shutting down.
	ErrWatchClosed = errors.New("watch subscription closed")
)
