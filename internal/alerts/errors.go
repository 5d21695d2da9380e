package alerts

import "errors"

var (
	// ErrInvalidEvent is returned for inventory events missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrNotFound is returned when an alert id does not exist.
	ErrNotFound = errors.New("alert not found")
	// ErrIllegalTransition is returned when a status change is not allowed by the lifecycle.
	ErrIllegalTransition = errors.New("illegal alert status transition")
	// ErrStorageConflict is returned when a concurrent write won the race for the same alert key.
	ErrStorageConflict = errors.New("storage conflict")
)
