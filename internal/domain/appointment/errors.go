package appointment

import "errors"

var (
	// ErrUnauthorized is returned when the caller's role or relation to the
	// appointment does not permit the action.
	ErrUnauthorized = errors.New("caller is not permitted to perform this action")
	// ErrInvalidTransition is returned when the action is not legal in the
	// appointment's current status.
	ErrInvalidTransition = errors.New("action is not allowed in the current status")
	ErrValidation        = errors.New("invalid request")
	ErrNotFound          = errors.New("appointment not found")
	// ErrConcurrencyConflict is returned when the stored version changed
	// between load and write. It is the only retryable error.
	ErrConcurrencyConflict = errors.New("appointment was modified concurrently")
)

// Retryable reports whether the operation may succeed if re-issued unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
