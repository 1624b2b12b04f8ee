package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState is returned for a state outside of AllStates
	ErrInvalidState = errors.New("invalid job state")

	// ErrInvalidTransition is returned for a state change outside ValidTransitions
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// RetryableError wraps transient infrastructure errors (store or broker unreachable).
// The worker logs them as warnings and skips the cycle instead of failing a job.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
