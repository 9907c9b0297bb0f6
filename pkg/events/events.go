// Package events defines the lifecycle notifications emitted by the
// workflow engine. They are the only push-based interface observers get.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every engine event on the in-process bus.
const Topic = "castellan.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	WorkflowRegisteredEvent EventType = "workflow:registered"

	ExecutionStartedEvent   EventType = "execution:started"
	ExecutionCompletedEvent EventType = "execution:completed"
	ExecutionFailedEvent    EventType = "execution:failed"
	ExecutionStoppedEvent   EventType = "execution:stopped"
	ExecutionReplayingEvent EventType = "execution:replaying"

	StepStartedEvent   EventType = "step:started"
	StepCompletedEvent EventType = "step:completed"
	StepFailedEvent    EventType = "step:failed"
)

type BaseEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

type WorkflowRegistered struct {
	BaseEvent

	WorkflowName string `json:"workflow_name"`
	StepCount    int    `json:"step_count"`
}

func (e WorkflowRegistered) GetType() EventType { return WorkflowRegisteredEvent }

type ExecutionStarted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	TriggerType string `json:"trigger_type"`
	DryRun      bool   `json:"dry_run"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	DurationMs    int64  `json:"duration_ms"`
	StepsExecuted int    `json:"steps_executed"`
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	Error       string `json:"error"`
	DurationMs  int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionStopped struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
}

func (e ExecutionStopped) GetType() EventType { return ExecutionStoppedEvent }

type ExecutionReplaying struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	FromStep    int    `json:"from_step"`
}

func (e ExecutionReplaying) GetType() EventType { return ExecutionReplayingEvent }

type StepStarted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	StepName    string `json:"step_name"`
	StepType    string `json:"step_type"`
	Attempt     int    `json:"attempt"`
}

func (e StepStarted) GetType() EventType { return StepStartedEvent }

type StepCompleted struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	StepIndex   int            `json:"step_index"`
	StepName    string         `json:"step_name"`
	Result      map[string]any `json:"result,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

func (e StepCompleted) GetType() EventType { return StepCompletedEvent }

type StepFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	StepName    string `json:"step_name"`
	Error       string `json:"error"`
	Attempt     int    `json:"attempt"`
	WillRetry   bool   `json:"will_retry"`
}

func (e StepFailed) GetType() EventType { return StepFailedEvent }
