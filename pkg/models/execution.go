package models

import (
	"time"

	"github.com/castellan-sh/castellan/pkg/statecrypt"
)

// ExecutionStatus represents the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
)

// StepStatus represents the state of one step attempt.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Execution is the mutable record of one workflow run. Trigger data,
// accumulated context and step results are held encrypted; the engine
// keeps the working plaintext only for the duration of the run.
type Execution struct {
	ID               string                    `json:"id"`
	WorkflowID       string                    `json:"workflow_id"`
	Status           ExecutionStatus           `json:"status"`
	CurrentStepIndex int                       `json:"current_step_index"`
	StartTime        time.Time                 `json:"start_time"`
	EndTime          *time.Time                `json:"end_time,omitempty"`
	TriggerData      *statecrypt.EncryptedBlob `json:"trigger_data,omitempty"`
	Context          *statecrypt.EncryptedBlob `json:"context,omitempty"`
	Steps            []*StepExecution          `json:"steps"`
	RetryCount       int                       `json:"retry_count"`
	Error            string                    `json:"error,omitempty"`
}

// StepExecution records one step index of an execution. Retries re-run
// the same index in place; they never append a second record.
type StepExecution struct {
	Index     int                       `json:"index"`
	Name      string                    `json:"name"`
	Type      StepType                  `json:"type"`
	Status    StepStatus                `json:"status"`
	StartTime time.Time                 `json:"start_time"`
	EndTime   *time.Time                `json:"end_time,omitempty"`
	Result    *statecrypt.EncryptedBlob `json:"result,omitempty"`
	Error     string                    `json:"error,omitempty"`
}
