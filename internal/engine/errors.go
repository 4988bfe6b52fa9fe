package engine

import "errors"

var (
	// ErrNotFound is returned when the referenced step instance or
	// workflow does not exist
	ErrNotFound = errors.New("step instance not found")

	// ErrInvalidState is returned when the step was already acted upon.
	// To the end user this is a conflict, not a failure: someone else
	// acted first.
	ErrInvalidState = errors.New("step is not pending")

	// ErrForbidden is returned when the actor is not in the step's
	// assignee snapshot, or when send-back is not allowed on the step
	ErrForbidden = errors.New("actor is not allowed to act on this step")
)
