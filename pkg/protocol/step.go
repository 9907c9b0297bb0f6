// Package protocol defines the contracts between the engine and step
// handler implementations.
package protocol

import (
	"context"
	"log/slog"

	"github.com/castellan-sh/castellan/pkg/models"
)

// Handler executes one step attempt. Step bodies are opaque to the
// engine; they succeed or fail according to domain rules the core does
// not interpret.
type Handler interface {
	Execute(ctx context.Context, stepCtx models.StepContext, logger *slog.Logger) (map[string]any, error)
}

// HandlerFactory builds handlers for one step type.
type HandlerFactory interface {
	Create(config map[string]any) (Handler, error)
	ID() string
}
