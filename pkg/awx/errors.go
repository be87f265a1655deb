package awx

import (
	"errors"
	"fmt"
)

// ErrTransient matches every error that means "the engine could not answer
// right now". Callers treat it as not-yet-available and retry later.
var ErrTransient = errors.New("awx: transient engine error")

// TransientError wraps a network failure or a non-success read response.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("awx: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransient) hold for every TransientError.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// StatusError records a non-success HTTP answer from the engine.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

// IsTransient reports whether err is a transient engine failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
