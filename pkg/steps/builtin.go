// Package steps ships thin default handlers for the built-in step
// types. Real scan/fix/test/deploy/notify/audit behavior lives in
// collaborator integrations; these defaults log the dispatch and echo a
// result so workflows are runnable end to end.
package steps

import (
	"context"
	"log/slog"

	"github.com/castellan-sh/castellan/pkg/models"
	"github.com/castellan-sh/castellan/pkg/protocol"
	"github.com/castellan-sh/castellan/pkg/registry"
)

// Factory builds the default handler for one built-in step type.
type Factory struct {
	stepType models.StepType
}

func NewFactory(stepType models.StepType) *Factory {
	return &Factory{stepType: stepType}
}

func (f *Factory) ID() string {
	return string(f.stepType)
}

func (f *Factory) Create(config map[string]any) (protocol.Handler, error) {
	if config == nil {
		config = map[string]any{}
	}

	return &builtinHandler{stepType: f.stepType, config: config}, nil
}

type builtinHandler struct {
	stepType models.StepType
	config   map[string]any
}

func (h *builtinHandler) Execute(_ context.Context, stepCtx models.StepContext, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("step_type", string(h.stepType))

	if stepCtx.DryRun {
		logger.Info("Dry run, skipping step side effects")
	} else {
		logger.Info("Executing step")
	}

	return map[string]any{
		"step":    stepCtx.StepName,
		"type":    string(h.stepType),
		"dry_run": stepCtx.DryRun,
	}, nil
}

// RegisterBuiltins installs default factories for every non-custom step
// type.
func RegisterBuiltins(reg *registry.Registry) {
	for _, t := range []models.StepType{
		models.StepTypeScan,
		models.StepTypeFix,
		models.StepTypeTest,
		models.StepTypeDeploy,
		models.StepTypeNotify,
		models.StepTypeAudit,
	} {
		reg.Register(NewFactory(t))
	}
}
