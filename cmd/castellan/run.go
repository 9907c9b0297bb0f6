package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/castellan-sh/castellan/pkg/engine"
	"github.com/castellan-sh/castellan/pkg/eventbus"
	"github.com/castellan-sh/castellan/pkg/events"
	"github.com/castellan-sh/castellan/pkg/log"
	"github.com/castellan-sh/castellan/pkg/otelhelper"
	"github.com/castellan-sh/castellan/pkg/registry"
	"github.com/castellan-sh/castellan/pkg/statestore"
	"github.com/castellan-sh/castellan/pkg/steps"
)

func setupStore(cmd *cli.Command) (*statestore.Store, error) {
	return statestore.NewStore(cmd.String("state-dir"), cmd.String("key-file"), log.WithModule("statestore"))
}

func runWorkflow(ctx context.Context, cmd *cli.Command) error {
	workflowID := cmd.Args().First()
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}

	var triggerData map[string]any
	if err := json.Unmarshal([]byte(cmd.String("data")), &triggerData); err != nil {
		return fmt.Errorf("trigger data must be a JSON object: %w", err)
	}

	store, err := setupStore(cmd)
	if err != nil {
		return err
	}

	definition, err := store.LoadWorkflowDefinition(ctx, workflowID)
	if err != nil {
		return err
	}

	if definition == nil {
		return fmt.Errorf("workflow %s not found", workflowID)
	}

	logger := log.WithModule("run")

	var tracer trace.Tracer
	if cmd.Bool("tracing") {
		tracer, err = otelhelper.NewTracer(ctx, "castellan")
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
	}

	bus := eventbus.NewInProcessEventBus(logger)
	defer bus.Close()

	if cmd.Bool("follow") {
		if err := subscribeEventLog(ctx, bus, logger); err != nil {
			return err
		}
	}

	reg := registry.NewRegistry(logger)
	steps.RegisterBuiltins(reg)

	eng := engine.New(
		engine.Config{
			StepTimeout:    cmd.Duration("step-timeout"),
			MaxRetries:     int(cmd.Int("max-retries")),
			PerStepRetries: cmd.Bool("per-step-retries"),
		},
		reg, bus, store.Cipher(), store, tracer, logger,
	)

	if _, err := eng.RegisterWorkflow(ctx, definition); err != nil {
		return err
	}

	executionID, runErr := eng.ExecuteWorkflow(ctx, definition.ID, triggerData, engine.ExecuteOptions{
		DryRun: cmd.Bool("dry-run"),
	})

	if executionID != "" {
		if err := eng.Persist(ctx, executionID); err != nil {
			logger.Error("Failed to persist execution record", "execution_id", executionID, "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	execution, err := eng.GetExecution(executionID)
	if err != nil {
		return err
	}

	return printJSON(execution)
}

// subscribeEventLog logs every lifecycle event the engine emits so the
// terminal shows step-by-step progress.
func subscribeEventLog(ctx context.Context, bus *eventbus.WatermillEventBus, logger *slog.Logger) error {
	for _, eventType := range []events.EventType{
		events.WorkflowRegisteredEvent,
		events.ExecutionStartedEvent,
		events.ExecutionCompletedEvent,
		events.ExecutionFailedEvent,
		events.ExecutionStoppedEvent,
		events.ExecutionReplayingEvent,
		events.StepStartedEvent,
		events.StepCompletedEvent,
		events.StepFailedEvent,
	} {
		et := eventType

		bus.Handle(et, func(_ context.Context, event any) error {
			logger.Info("Lifecycle event", "event_type", string(et), "event", event)

			return nil
		})
	}

	return bus.Subscribe(ctx)
}
