package scheduler

import "errors"

// ErrNotFound is returned when a task or execution lookup misses.
var ErrNotFound = errors.New("scheduler: not found")
