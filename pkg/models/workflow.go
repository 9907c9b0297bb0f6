// Package models defines the core domain models for security-automation workflows.
package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Trigger describes the external condition that causes a workflow to
// run. Its parameters are opaque to the execution core; matching is
// owned by the trigger system.
type Trigger struct {
	Type       string         `json:"type"                 validate:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// WorkflowDefinition is an ordered step sequence. It is immutable once
// registered; destroyed only by explicit deletion.
type WorkflowDefinition struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"                validate:"required"`
	Trigger   *Trigger    `json:"trigger"             validate:"required"`
	Steps     []*StepSpec `json:"steps"               validate:"required,min=1,dive"`
	Category  string      `json:"category,omitempty"`
	Retryable *bool       `json:"retryable,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

var validate = validator.New()

// Validate checks the mandatory registration fields: name, trigger and
// a non-empty step sequence.
func (w *WorkflowDefinition) Validate() error {
	if err := validate.Struct(w); err != nil {
		return err
	}

	for i, step := range w.Steps {
		if !step.Type.Valid() {
			return fmt.Errorf("step %d (%s): unknown type %q", i, step.Name, step.Type)
		}
	}

	return nil
}

// DefaultRetryable is the workflow-level retry default applied to steps
// that do not set their own.
func (w *WorkflowDefinition) DefaultRetryable() bool {
	return w.Retryable == nil || *w.Retryable
}
