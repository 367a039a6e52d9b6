package record

import "errors"

var (
	// ErrCallExists is returned by Create when a record already exists for the
	// call attempt.
	ErrCallExists = errors.New("call record already exists")

	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("call record not found")

	// ErrWriteRejected is returned when a conditional write lost its race:
	// the answer was already set, the call already ended, or a restart
	// description was already written. Callers treat it as "someone else
	// already made this transition", not as a failure to surface.
	ErrWriteRejected = errors.New("conditional write rejected")
)
