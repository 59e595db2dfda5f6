package skillstore

import "errors"

var (
	// ErrNotFound is returned when a skill or pattern lookup misses.
	ErrNotFound = errors.New("skillstore: not found")
	// ErrDuplicateName is returned by SaveSkill when a skill with the
	// same name already exists under a different ID.
	ErrDuplicateName = errors.New("skillstore: duplicate skill name")
	// ErrAlreadyResolved is returned when marking a DetectedPattern
	// converted or rejected after it has already left PatternDetected.
	ErrAlreadyResolved = errors.New("skillstore: pattern already resolved")
)
