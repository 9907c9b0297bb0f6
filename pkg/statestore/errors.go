// Package statestore provides encrypted, crash-durable storage for
// workflow definitions, execution records and snapshots.
package statestore

import (
	"errors"
	"fmt"
)

var (
	// ErrSnapshotNotFound indicates a snapshot id has no stored file.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrStateTooLarge indicates a payload exceeded the serialized size
	// ceiling and was rejected before any write.
	ErrStateTooLarge = errors.New("state too large")
)

// StateError wraps store failures with the operation and key involved.
type StateError struct {
	Op  string // Operation being performed (e.g., "SaveExecutionState")
	Key string // Record id if applicable
	Err error  // Underlying error
}

func (e *StateError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Key, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

func (e *StateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newStateError(op, key string, err error) *StateError {
	return &StateError{Op: op, Key: key, Err: err}
}
