package queue

import "errors"

var (
	// ErrDuplicateSource is returned by Enqueue when a non-terminal record
	// already exists for the same source reference.
	ErrDuplicateSource = errors.New("a non-terminal record already exists for this source")

	// ErrNotFound is returned when no record matches the given id.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidState is returned when an operation is not legal from the
	// record's current lifecycle state.
	ErrInvalidState = errors.New("operation not legal in current state")

	// ErrShuttingDown is returned by ClaimNextApproved once Stop has been
	// called.
	ErrShuttingDown = errors.New("queue is shutting down")

	// ErrIdentityAssigned is returned when assigning an identity to a
	// record that already has one.
	ErrIdentityAssigned = errors.New("target identity already assigned")
)
