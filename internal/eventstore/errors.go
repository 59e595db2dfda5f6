package eventstore

import "errors"

var (
	// ErrDuplicateSequence is returned by Append when (execution_id,
	// sequence_num) already exists.
	ErrDuplicateSequence = errors.New("eventstore: duplicate sequence number")
	// ErrNotFound is returned when an execution lookup misses.
	ErrNotFound = errors.New("eventstore: not found")
)
