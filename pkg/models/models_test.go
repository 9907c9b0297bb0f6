package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		Name:    "cve_patch",
		Trigger: &Trigger{Type: "manual"},
		Steps: []*StepSpec{
			{Name: "scan_hosts", Type: StepTypeScan},
			{Name: "notify_team", Type: StepTypeNotify},
		},
	}
}

func TestWorkflowDefinitionValidate(t *testing.T) {
	require.NoError(t, validDefinition().Validate())
}

func TestWorkflowDefinitionValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(w *WorkflowDefinition)
	}{
		{"missing name", func(w *WorkflowDefinition) { w.Name = "" }},
		{"missing trigger", func(w *WorkflowDefinition) { w.Trigger = nil }},
		{"empty trigger type", func(w *WorkflowDefinition) { w.Trigger.Type = "" }},
		{"no steps", func(w *WorkflowDefinition) { w.Steps = nil }},
		{"empty steps", func(w *WorkflowDefinition) { w.Steps = []*StepSpec{} }},
		{"step missing name", func(w *WorkflowDefinition) { w.Steps[0].Name = "" }},
		{"unknown step type", func(w *WorkflowDefinition) { w.Steps[1].Type = "teleport" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			definition := validDefinition()
			tc.mutate(definition)
			assert.Error(t, definition.Validate())
		})
	}
}

func TestStepTypeValid(t *testing.T) {
	for _, valid := range []StepType{
		StepTypeScan, StepTypeFix, StepTypeTest, StepTypeDeploy,
		StepTypeNotify, StepTypeAudit, StepTypeCustom,
	} {
		assert.True(t, valid.Valid(), string(valid))
	}

	assert.False(t, StepType("teleport").Valid())
	assert.False(t, StepType("").Valid())
}

func TestStepSpecIsRetryable(t *testing.T) {
	yes := true
	no := false

	unset := &StepSpec{Name: "s", Type: StepTypeScan}
	assert.True(t, unset.IsRetryable(true))
	assert.False(t, unset.IsRetryable(false))

	optOut := &StepSpec{Name: "s", Type: StepTypeScan, Retryable: &no}
	assert.False(t, optOut.IsRetryable(true))

	optIn := &StepSpec{Name: "s", Type: StepTypeScan, Retryable: &yes}
	assert.True(t, optIn.IsRetryable(false))
}

func TestWorkflowDefaultRetryable(t *testing.T) {
	no := false

	definition := validDefinition()
	assert.True(t, definition.DefaultRetryable())

	definition.Retryable = &no
	assert.False(t, definition.DefaultRetryable())
}
