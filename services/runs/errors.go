package runs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown runs and outputs.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a run is not in a state that
	// allows the requested operation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyExists is returned when launching with a run id already in use.
	ErrAlreadyExists = errors.New("already exists")
)

// PersistenceError wraps a failed database operation. Nothing from the
// failed operation was committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ApprovalRejectedError reports an approval gate call the engine refused.
type ApprovalRejectedError struct {
	GateID     int64
	StatusCode int
	Body       string
}

func (e *ApprovalRejectedError) Error() string {
	return fmt.Sprintf("engine rejected approval of gate %d with status %d", e.GateID, e.StatusCode)
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
