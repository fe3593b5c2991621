package storage

import "errors"

// ErrNotFound is returned when a run or learning does not exist.
var ErrNotFound = errors.New("storage: not found")
