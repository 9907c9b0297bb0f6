package models

import (
	"context"
	"log/slog"
)

// StepType tags a step with the handler family that executes it.
type StepType string

const (
	StepTypeScan   StepType = "scan"
	StepTypeFix    StepType = "fix"
	StepTypeTest   StepType = "test"
	StepTypeDeploy StepType = "deploy"
	StepTypeNotify StepType = "notify"
	StepTypeAudit  StepType = "audit"
	StepTypeCustom StepType = "custom"
)

// Valid reports whether t belongs to the closed step-type set.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeScan, StepTypeFix, StepTypeTest, StepTypeDeploy,
		StepTypeNotify, StepTypeAudit, StepTypeCustom:
		return true
	}

	return false
}

// StepContext is the view of an execution a handler receives for one
// step attempt.
type StepContext struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	StepIndex   int            `json:"step_index"`
	StepName    string         `json:"step_name"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Results     map[string]any `json:"results,omitempty"`
	DryRun      bool           `json:"dry_run"`
}

// StepHandlerFunc is the caller-supplied body of a custom step. The
// engine's step timeout is logical only: when it fires, ctx is
// cancelled but the invocation is not interrupted, so handlers that
// must actually stop have to watch ctx themselves.
type StepHandlerFunc func(ctx context.Context, stepCtx StepContext, logger *slog.Logger) (map[string]any, error)

// StepSpec is one unit of work in a workflow definition. Retryable
// defaults to the workflow's setting, which itself defaults to true.
// Handler is required iff Type is "custom" and never serialized.
type StepSpec struct {
	Name      string          `json:"name"                validate:"required"`
	Type      StepType        `json:"type"                validate:"required"`
	Retryable *bool           `json:"retryable,omitempty"`
	Config    map[string]any  `json:"config,omitempty"`
	Handler   StepHandlerFunc `json:"-"`
}

// IsRetryable resolves the step's retry setting against the workflow
// default.
func (s *StepSpec) IsRetryable(workflowDefault bool) bool {
	if s.Retryable == nil {
		return workflowDefault
	}

	return *s.Retryable
}
