package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrUnavailable marks failures to reach the store at all. Batch workers
// surface it to the caller instead of deferring individual rows.
var ErrUnavailable = errors.New("storage: unavailable")
