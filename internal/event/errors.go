package event

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable marks a transient raw store or aggregate store failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrQueueUnavailable marks a failed enqueue.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// ValidationError reports a malformed or incomplete event. It is surfaced to
// the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
