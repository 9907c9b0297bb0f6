package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWorkflowNotFound indicates an execute call named an unknown
	// workflow id. No execution record is created in that case.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates a stop or replay call named an
	// unknown execution id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrUnknownStepType indicates a step's type is outside the closed
	// set or has no registered handler.
	ErrUnknownStepType = errors.New("unknown step type")
)

// ValidationError reports a malformed workflow or step definition.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Message, e.Err)
	}

	return "validation failed: " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// StepTimeoutError reports that a step's timer fired before its handler
// finished. The handler itself is not interrupted.
type StepTimeoutError struct {
	StepName  string
	StepIndex int
	Timeout   time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s (index %d) timed out after %s", e.StepName, e.StepIndex, e.Timeout)
}

// StepExecutionError wraps a failure thrown by a step handler.
type StepExecutionError struct {
	StepName  string
	StepIndex int
	Err       error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (index %d) failed: %v", e.StepName, e.StepIndex, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}
