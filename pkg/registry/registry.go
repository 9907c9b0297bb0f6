// Package registry maps step types to their handler factories.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/castellan-sh/castellan/pkg/protocol"
)

type Registry struct {
	logger    *slog.Logger
	factories map[string]protocol.HandlerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]protocol.HandlerFactory),
	}
}

// Register installs a factory under its own ID, replacing any previous
// registration for that step type.
func (r *Registry) Register(factory protocol.HandlerFactory) {
	r.factories[factory.ID()] = factory
	r.logger.Debug("Registered step handler factory", "step_type", factory.ID())
}

// Create builds a handler for the given step type.
func (r *Registry) Create(stepType string, config map[string]any) (protocol.Handler, error) {
	factory, ok := r.factories[stepType]
	if !ok {
		return nil, fmt.Errorf("step type '%s' not registered", stepType)
	}

	return factory.Create(config)
}

// Has reports whether a factory exists for the step type.
func (r *Registry) Has(stepType string) bool {
	_, ok := r.factories[stepType]

	return ok
}
