package storage

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNoActiveSeason is returned when no season covers the requested time.
var ErrNoActiveSeason = errors.New("storage: no active season")
