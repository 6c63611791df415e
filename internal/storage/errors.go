package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an insert collides with an existing key.
var ErrConflict = errors.New("storage: conflict")
