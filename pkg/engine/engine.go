// Package engine implements the workflow execution core: ordered step
// dispatch, bounded retries, logical step timeouts, stop and replay.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/castellan-sh/castellan/pkg/eventbus"
	"github.com/castellan-sh/castellan/pkg/events"
	"github.com/castellan-sh/castellan/pkg/models"
	"github.com/castellan-sh/castellan/pkg/otelhelper"
	"github.com/castellan-sh/castellan/pkg/protocol"
	"github.com/castellan-sh/castellan/pkg/registry"
	"github.com/castellan-sh/castellan/pkg/statecrypt"
	"github.com/castellan-sh/castellan/pkg/statestore"
)

// Engine hosts registered workflow definitions and their executions.
// Each execution runs strictly sequentially; many executions may run
// concurrently, each touching only its own record.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	bus      eventbus.EventPublisher
	registry *registry.Registry
	cipher   *statecrypt.Cipher
	store    *statestore.Store
	tracer   trace.Tracer

	mu         sync.RWMutex
	workflows  map[string]*models.WorkflowDefinition
	executions map[string]*models.Execution
}

// ExecuteOptions carries per-invocation options. DryRun is threaded
// through to handlers untouched; its interpretation is theirs.
type ExecuteOptions struct {
	DryRun bool
}

// New builds an engine. store may be nil when callers persist records
// themselves; tracer may be nil to disable tracing.
func New(cfg Config, reg *registry.Registry, bus eventbus.EventPublisher, cipher *statecrypt.Cipher, store *statestore.Store, tracer trace.Tracer, logger *slog.Logger) *Engine {
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	return &Engine{
		cfg:        cfg.withDefaults(),
		logger:     logger.With("module", "engine"),
		bus:        bus,
		registry:   reg,
		cipher:     cipher,
		store:      store,
		tracer:     tracer,
		workflows:  make(map[string]*models.WorkflowDefinition),
		executions: make(map[string]*models.Execution),
	}
}

// RegisterWorkflow validates a definition, assigns an id if none is
// supplied and stores it. Registration is engine-local; it performs no
// disk I/O.
func (e *Engine) RegisterWorkflow(ctx context.Context, definition *models.WorkflowDefinition) (string, error) {
	if definition == nil {
		return "", &ValidationError{Message: "workflow definition is required"}
	}

	if err := definition.Validate(); err != nil {
		return "", &ValidationError{Message: "invalid workflow definition", Err: err}
	}

	if definition.ID == "" {
		definition.ID = uuid.New().String()
	}

	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = time.Now().UTC()
	}

	e.mu.Lock()
	e.workflows[definition.ID] = definition
	e.mu.Unlock()

	e.logger.Info("Registered workflow", "workflow_id", definition.ID, "name", definition.Name)

	registered := events.WorkflowRegistered{
		BaseEvent:    events.NewBaseEvent(events.WorkflowRegisteredEvent, definition.ID),
		WorkflowName: definition.Name,
		StepCount:    len(definition.Steps),
	}
	e.publish(ctx, definition.ID, registered)

	return definition.ID, nil
}

// ExecuteWorkflow runs every step of the workflow in order and blocks
// until the execution reaches a terminal status. The execution id is
// returned even when the run fails so the partial record stays
// addressable.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, opts ExecuteOptions) (string, error) {
	e.mu.RLock()
	workflow, ok := e.workflows[workflowID]
	e.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	triggerBlob, err := e.cipher.Encrypt(triggerData)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt trigger data: %w", err)
	}

	execution := &models.Execution{
		ID:          "exec-" + uuid.New().String()[:8],
		WorkflowID:  workflow.ID,
		Status:      models.ExecutionStatusRunning,
		StartTime:   time.Now().UTC(),
		TriggerData: triggerBlob,
		Steps:       make([]*models.StepExecution, 0, len(workflow.Steps)),
	}

	e.mu.Lock()
	e.executions[execution.ID] = execution
	e.mu.Unlock()

	started := events.ExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStartedEvent, workflow.ID),
		ExecutionID: execution.ID,
		TriggerType: workflow.Trigger.Type,
		DryRun:      opts.DryRun,
	}
	e.publish(ctx, execution.ID, started)

	rt := &runtime{
		triggerData: triggerData,
		results:     make(map[string]any),
		dryRun:      opts.DryRun,
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.execute",
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
	)
	defer span.End()

	if err := e.runFrom(ctx, workflow, execution, rt, 0); err != nil {
		otelhelper.SetError(span, err)

		return execution.ID, err
	}

	return execution.ID, nil
}

// StopExecution marks an execution stopped. This is advisory
// bookkeeping: an in-flight step attempt is not interrupted, but no
// further step is dispatched.
func (e *Engine) StopExecution(ctx context.Context, executionID string) error {
	e.mu.Lock()

	execution, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusStopped
	execution.EndTime = &now
	workflowID := execution.WorkflowID
	e.mu.Unlock()

	e.logger.Info("Execution stopped", "execution_id", executionID)

	stopped := events.ExecutionStopped{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStoppedEvent, workflowID),
		ExecutionID: executionID,
	}
	e.publish(ctx, executionID, stopped)

	return nil
}

// ReplayExecution re-runs a workflow's steps from fromStep to the end,
// overwriting their StepExecution records. Records before fromStep are
// left untouched. The retry budget is reset.
func (e *Engine) ReplayExecution(ctx context.Context, executionID string, fromStep int) error {
	e.mu.Lock()

	execution, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	workflow, ok := e.workflows[execution.WorkflowID]
	if !ok {
		e.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, execution.WorkflowID)
	}

	if fromStep < 0 || fromStep >= len(workflow.Steps) {
		e.mu.Unlock()

		return &ValidationError{Message: fmt.Sprintf("replay step index %d out of range", fromStep)}
	}

	execution.CurrentStepIndex = fromStep
	execution.RetryCount = 0
	execution.Status = models.ExecutionStatusRunning
	execution.EndTime = nil
	execution.Error = ""
	e.mu.Unlock()

	e.logger.Info("Replaying execution", "execution_id", executionID, "from_step", fromStep)

	replaying := events.ExecutionReplaying{
		BaseEvent:   events.NewBaseEvent(events.ExecutionReplayingEvent, workflow.ID),
		ExecutionID: executionID,
		FromStep:    fromStep,
	}
	e.publish(ctx, executionID, replaying)

	rt, err := e.rebuildRuntime(execution, fromStep)
	if err != nil {
		return err
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.replay",
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.Int("castellan.replay.from_step", fromStep),
	)
	defer span.End()

	if err := e.runFrom(ctx, workflow, execution, rt, fromStep); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// GetExecution returns the live execution record.
func (e *Engine) GetExecution(executionID string) (*models.Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	execution, ok := e.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	return execution, nil
}

// ListExecutions returns the engine's execution records ordered by
// start time.
func (e *Engine) ListExecutions() []*models.Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	executions := make([]*models.Execution, 0, len(e.executions))
	for _, execution := range e.executions {
		executions = append(executions, execution)
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartTime.Before(executions[j].StartTime)
	})

	return executions
}

// GetWorkflow returns a registered definition.
func (e *Engine) GetWorkflow(workflowID string) (*models.WorkflowDefinition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	workflow, ok := e.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	return workflow, nil
}

// DeleteWorkflow removes a definition from the engine's table.
// Executions already created from it are unaffected.
func (e *Engine) DeleteWorkflow(workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.workflows[workflowID]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	delete(e.workflows, workflowID)

	return nil
}

// Persist saves the live execution record through the state store.
func (e *Engine) Persist(ctx context.Context, executionID string) error {
	if e.store == nil {
		return fmt.Errorf("no state store configured")
	}

	execution, err := e.GetExecution(executionID)
	if err != nil {
		return err
	}

	return e.store.SaveExecutionState(ctx, execution)
}

type runtime struct {
	triggerData map[string]any
	results     map[string]any
	dryRun      bool
}

// rebuildRuntime decrypts trigger data and the completed prefix's step
// results so replayed steps see the same accumulated context.
func (e *Engine) rebuildRuntime(execution *models.Execution, fromStep int) (*runtime, error) {
	rt := &runtime{results: make(map[string]any)}

	if execution.TriggerData != nil {
		if err := e.cipher.DecryptInto(execution.TriggerData, &rt.triggerData); err != nil {
			return nil, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for i := 0; i < fromStep && i < len(execution.Steps); i++ {
		record := execution.Steps[i]
		if record == nil || record.Status != models.StepStatusCompleted || record.Result == nil {
			continue
		}

		var result map[string]any
		if err := e.cipher.DecryptInto(record.Result, &result); err != nil {
			return nil, err
		}

		rt.results[record.Name] = result
	}

	return rt, nil
}

// runFrom executes steps [fromStep, len) in order. Retries are an
// explicit loop on the same index; the budget is execution-wide unless
// PerStepRetries is set.
func (e *Engine) runFrom(ctx context.Context, workflow *models.WorkflowDefinition, execution *models.Execution, rt *runtime, fromStep int) error {
	logger := e.logger.With("workflow_id", workflow.ID, "execution_id", execution.ID)
	attempts := make(map[int]int)

	for i := fromStep; i < len(workflow.Steps); i++ {
		if e.executionStatus(execution.ID) == models.ExecutionStatusStopped {
			logger.Info("Execution stopped, not dispatching further steps", "next_step_index", i)

			return nil
		}

		step := workflow.Steps[i]

		e.mu.Lock()
		execution.CurrentStepIndex = i
		e.mu.Unlock()

		for {
			record := e.beginStepRecord(execution, i, step)

			stepStarted := events.StepStarted{
				BaseEvent:   events.NewBaseEvent(events.StepStartedEvent, workflow.ID),
				ExecutionID: execution.ID,
				StepIndex:   i,
				StepName:    step.Name,
				StepType:    string(step.Type),
				Attempt:     attempts[i] + 1,
			}
			e.publish(ctx, execution.ID, stepStarted)

			result, err := e.runStepAttempt(ctx, workflow, execution, step, i, rt)
			if err == nil {
				rt.results[step.Name] = result
				if err := e.finishStepRecord(execution, record, result, rt); err != nil {
					return err
				}

				completed := events.StepCompleted{
					BaseEvent:   events.NewBaseEvent(events.StepCompletedEvent, workflow.ID),
					ExecutionID: execution.ID,
					StepIndex:   i,
					StepName:    step.Name,
					Result:      result,
					DurationMs:  time.Since(record.StartTime).Milliseconds(),
				}
				e.publish(ctx, execution.ID, completed)

				break
			}

			e.failStepRecord(execution, record, err)
			attempts[i]++

			willRetry := isStepRetryable(err) &&
				step.IsRetryable(workflow.DefaultRetryable()) &&
				e.budgetRemaining(execution, attempts[i])

			stepFailed := events.StepFailed{
				BaseEvent:   events.NewBaseEvent(events.StepFailedEvent, workflow.ID),
				ExecutionID: execution.ID,
				StepIndex:   i,
				StepName:    step.Name,
				Error:       err.Error(),
				Attempt:     attempts[i],
				WillRetry:   willRetry,
			}
			e.publish(ctx, execution.ID, stepFailed)

			if !willRetry {
				e.failExecution(ctx, workflow, execution, i, err)

				return err
			}

			retryNumber := e.consumeRetry(execution, attempts[i])
			delay := e.cfg.BackoffBase * time.Duration(retryNumber)

			logger.Warn("Step failed, retrying",
				"step_index", i, "step_name", step.Name, "retry", retryNumber, "delay", delay, "error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				e.failExecution(ctx, workflow, execution, i, ctx.Err())

				return ctx.Err()
			}
		}
	}

	e.completeExecution(ctx, workflow, execution)

	return nil
}

// isStepRetryable reports whether a step failure is worth re-running.
// Definition problems (missing custom handler, unknown type) surface
// immediately; only handler failures and timeouts consume budget.
func isStepRetryable(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	return !errors.Is(err, ErrUnknownStepType)
}

// budgetRemaining reports whether another retry fits the budget.
// attemptsAtIndex counts failures already recorded at this step index.
func (e *Engine) budgetRemaining(execution *models.Execution, attemptsAtIndex int) bool {
	if e.cfg.PerStepRetries {
		return attemptsAtIndex <= e.cfg.MaxRetries
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	return execution.RetryCount < e.cfg.MaxRetries
}

// consumeRetry bumps the execution-wide retry counter and returns the
// number scaling the backoff delay.
func (e *Engine) consumeRetry(execution *models.Execution, attemptsAtIndex int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	execution.RetryCount++

	if e.cfg.PerStepRetries {
		return attemptsAtIndex
	}

	return execution.RetryCount
}

// runStepAttempt races the handler against the step timer. The timeout
// is logical only: when the timer wins, the attempt context is
// cancelled and the attempt is reported failed, but the handler
// goroutine is not waited on and may still finish on its own.
func (e *Engine) runStepAttempt(ctx context.Context, workflow *models.WorkflowDefinition, execution *models.Execution, step *models.StepSpec, index int, rt *runtime) (map[string]any, error) {
	handler, err := e.resolveHandler(step)
	if err != nil {
		return nil, err
	}

	stepCtx := models.StepContext{
		ExecutionID: execution.ID,
		WorkflowID:  workflow.ID,
		StepIndex:   index,
		StepName:    step.Name,
		TriggerData: rt.triggerData,
		Results:     rt.results,
		DryRun:      rt.dryRun,
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.step",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.Int(otelhelper.StepIndexKey, index),
		attribute.String(otelhelper.StepNameKey, step.Name),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)),
	)
	defer span.End()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}

	done := make(chan outcome, 1)
	logger := e.logger.With("execution_id", execution.ID, "step_name", step.Name)

	go func() {
		result, err := handler.Execute(attemptCtx, stepCtx, logger)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(e.cfg.StepTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			stepErr := &StepExecutionError{StepName: step.Name, StepIndex: index, Err: out.err}
			otelhelper.SetError(span, stepErr)

			return nil, stepErr
		}

		return out.result, nil
	case <-timer.C:
		cancel()

		timeoutErr := &StepTimeoutError{StepName: step.Name, StepIndex: index, Timeout: e.cfg.StepTimeout}
		otelhelper.SetError(span, timeoutErr)

		return nil, timeoutErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) resolveHandler(step *models.StepSpec) (protocol.Handler, error) {
	if step.Type == models.StepTypeCustom {
		if step.Handler == nil {
			return nil, &ValidationError{Message: "custom step requires handler"}
		}

		return handlerFunc(step.Handler), nil
	}

	if !step.Type.Valid() || !e.registry.Has(string(step.Type)) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, step.Type)
	}

	return e.registry.Create(string(step.Type), step.Config)
}

type handlerFunc models.StepHandlerFunc

func (f handlerFunc) Execute(ctx context.Context, stepCtx models.StepContext, logger *slog.Logger) (map[string]any, error) {
	return f(ctx, stepCtx, logger)
}

func (e *Engine) executionStatus(executionID string) models.ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	execution, ok := e.executions[executionID]
	if !ok {
		return ""
	}

	return execution.Status
}

// beginStepRecord creates (or overwrites, on retry and replay) the
// StepExecution at the step's index.
func (e *Engine) beginStepRecord(execution *models.Execution, index int, step *models.StepSpec) *models.StepExecution {
	e.mu.Lock()
	defer e.mu.Unlock()

	record := &models.StepExecution{
		Index:     index,
		Name:      step.Name,
		Type:      step.Type,
		Status:    models.StepStatusRunning,
		StartTime: time.Now().UTC(),
	}

	for len(execution.Steps) <= index {
		execution.Steps = append(execution.Steps, nil)
	}

	execution.Steps[index] = record

	return record
}

func (e *Engine) finishStepRecord(execution *models.Execution, record *models.StepExecution, result map[string]any, rt *runtime) error {
	resultBlob, err := e.cipher.Encrypt(result)
	if err != nil {
		return fmt.Errorf("failed to encrypt step result: %w", err)
	}

	contextBlob, err := e.cipher.Encrypt(rt.results)
	if err != nil {
		return fmt.Errorf("failed to encrypt execution context: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	record.Status = models.StepStatusCompleted
	record.EndTime = &now
	record.Result = resultBlob
	execution.Context = contextBlob

	return nil
}

func (e *Engine) failStepRecord(execution *models.Execution, record *models.StepExecution, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	record.Status = models.StepStatusFailed
	record.EndTime = &now
	record.Error = err.Error()
}

func (e *Engine) completeExecution(ctx context.Context, workflow *models.WorkflowDefinition, execution *models.Execution) {
	e.mu.Lock()
	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusCompleted
	execution.EndTime = &now
	stepsExecuted := len(execution.Steps)
	e.mu.Unlock()

	e.logger.Info("Execution completed", "execution_id", execution.ID, "workflow_id", workflow.ID)

	completed := events.ExecutionCompleted{
		BaseEvent:     events.NewBaseEvent(events.ExecutionCompletedEvent, workflow.ID),
		ExecutionID:   execution.ID,
		DurationMs:    time.Since(execution.StartTime).Milliseconds(),
		StepsExecuted: stepsExecuted,
	}
	e.publish(ctx, execution.ID, completed)
}

func (e *Engine) failExecution(ctx context.Context, workflow *models.WorkflowDefinition, execution *models.Execution, stepIndex int, err error) {
	e.mu.Lock()
	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusFailed
	execution.EndTime = &now
	execution.Error = err.Error()
	e.mu.Unlock()

	e.logger.Error("Execution failed", "execution_id", execution.ID, "step_index", stepIndex, "error", err)

	failed := events.ExecutionFailed{
		BaseEvent:   events.NewBaseEvent(events.ExecutionFailedEvent, workflow.ID),
		ExecutionID: execution.ID,
		StepIndex:   stepIndex,
		Error:       err.Error(),
		DurationMs:  time.Since(execution.StartTime).Milliseconds(),
	}
	e.publish(ctx, execution.ID, failed)
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		e.logger.Warn("Failed to publish event", "event_type", string(event.GetType()), "error", err)
	}
}
