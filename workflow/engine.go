package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/events"
	"github.com/songzhibin97/tool-orchestrator/rules"
	"github.com/songzhibin97/tool-orchestrator/storage"
	"github.com/songzhibin97/tool-orchestrator/types"
)

// Standard error definitions
var (
	ErrWorkflowTimeout        = errors.New("workflow timed out")
	ErrWorkflowDeadlock       = errors.New("workflow deadlock: no steps can be executed")
	ErrStepFailedAfterRetries = errors.New("step failed after retries")
	ErrStepReportedFailure    = errors.New("step reported failure")
	ErrStepTimeout            = errors.New("step timed out")
	ErrConditionEvaluation    = errors.New("failed to evaluate step condition")
	ErrRunNotActive           = errors.New("workflow run is not active")
	ErrNilExecutor            = errors.New("step executor is required")
)

// DefaultWorkflowTimeoutMs applies when a definition leaves TimeoutMs at zero.
const DefaultWorkflowTimeoutMs uint64 = 30000

const tracerName = "github.com/songzhibin97/tool-orchestrator/workflow"

// StepError is returned when a step exhausts its attempts.
type StepError struct {
	StepID   string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.StepID, e.Attempts, e.Err)
}

// Unwrap exposes both ErrStepFailedAfterRetries and the last cause.
func (e *StepError) Unwrap() []error {
	return []error{ErrStepFailedAfterRetries, e.Err}
}

// Engine executes workflow definitions over a StepExecutor.
type Engine struct {
	executor       StepExecutor
	retry          types.RetryConfig
	defaultTimeout uint64
	evaluator      rules.Evaluator
	storage        storage.Storage
	eventBus       *events.EventBus
	tracer         trace.Tracer
	logger         *zap.Logger
	generate       generator.Generator
	sleep          func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryConfig sets the retry policy used when a definition has none.
func WithRetryConfig(cfg types.RetryConfig) Option {
	return func(e *Engine) {
		e.retry = cfg
	}
}

// WithDefaultTimeout sets the run deadline used when a definition has none.
func WithDefaultTimeout(timeoutMs uint64) Option {
	return func(e *Engine) {
		if timeoutMs > 0 {
			e.defaultTimeout = timeoutMs
		}
	}
}

// WithStorage sets where run records are kept.
func WithStorage(store storage.Storage) Option {
	return func(e *Engine) {
		if store != nil {
			e.storage = store
		}
	}
}

// WithEvaluator sets the evaluator for expression conditions.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithEventBus publishes run events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// WithTracer sets the tracer for run and step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithGenerator draws run ids from g instead of random UUIDs.
func WithGenerator(g generator.Generator) Option {
	return func(e *Engine) {
		e.generate = g
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// NewEngine creates an Engine that runs steps through executor.
func NewEngine(executor StepExecutor, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, ErrNilExecutor
	}
	e := &Engine{
		executor:       executor,
		retry:          types.DefaultRetryConfig(),
		defaultTimeout: DefaultWorkflowTimeoutMs,
		evaluator:      rules.NewExprEvaluator(),
		storage:        storage.NewMemoryStorage(),
		tracer:         otel.Tracer(tracerName),
		logger:         zap.NewNop(),
		sleep:          sleepContext,
		active:         make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RetryDelay returns the backoff before retrying after the given zero-based
// attempt: min(initial * base^attempt, max).
func RetryDelay(cfg types.RetryConfig, attempt uint32) time.Duration {
	delay := float64(cfg.InitialDelayMs) * math.Pow(cfg.ExponentialBase, float64(attempt))
	if limit := float64(cfg.MaxDelayMs); delay > limit {
		delay = limit
	}
	return time.Duration(delay) * time.Millisecond
}

// run holds the mutable state of one execution.
type run struct {
	def    types.WorkflowDefinition
	state  *types.WorkflowState
	wctx   *types.WorkflowContext
	retry  types.RetryConfig
	params map[string]any // substituted params actually sent, by step id
}

// Execute runs def to completion and returns the final run record. On failure
// the record is returned together with the original cause; rollback problems
// never replace it.
func (e *Engine) Execute(ctx context.Context, def types.WorkflowDefinition, vars map[string]any) (*types.WorkflowState, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	runID, err := e.nextRunID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	r := e.newRun(runID, def, vars)
	e.save(ctx, r.state)

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.active[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
		cancel()
	}()

	runCtx, span := e.tracer.Start(runCtx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", def.ID),
		attribute.String("workflow.run_id", runID),
		attribute.Int("workflow.steps", len(def.Steps)),
	))
	defer span.End()

	r.state.Status = types.StatusRunning
	r.state.UpdatedAt = time.Now().UTC()
	e.save(ctx, r.state)
	e.publish(ctx, events.WorkflowStarted, runID, map[string]any{
		"workflow_id": def.ID,
		"steps":       len(def.Steps),
	})
	e.logger.Info("workflow started", zap.String("run_id", runID), zap.String("workflow_id", def.ID))

	runErr := e.schedule(runCtx, r)
	now := time.Now().UTC()

	if runErr == nil {
		r.state.Status = types.StatusCompleted
		r.state.UpdatedAt = now
		e.save(ctx, r.state)
		e.publish(ctx, events.WorkflowCompleted, runID, map[string]any{
			"workflow_id": def.ID,
			"duration_ms": now.Sub(r.state.StartedAt).Milliseconds(),
		})
		e.logger.Info("workflow completed", zap.String("run_id", runID), zap.String("workflow_id", def.ID))
		return r.state, nil
	}

	r.state.Status = types.StatusFailed
	if runCtx.Err() != nil {
		r.state.Status = types.StatusCancelled
	}
	r.state.Error = runErr.Error()
	r.state.UpdatedAt = now
	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	// Rollback runs even when the run was cancelled.
	e.rollback(context.WithoutCancel(ctx), r)

	e.save(ctx, r.state)
	e.publish(ctx, events.WorkflowFailed, runID, map[string]any{
		"workflow_id": def.ID,
		"status":      string(r.state.Status),
		"error":       runErr.Error(),
	})
	e.logger.Warn("workflow failed",
		zap.String("run_id", runID),
		zap.String("workflow_id", def.ID),
		zap.String("status", string(r.state.Status)),
		zap.Error(runErr),
	)
	return r.state, runErr
}

// schedule is the dependency-driven execution loop.
func (e *Engine) schedule(ctx context.Context, r *run) error {
	pending := make([]types.WorkflowStepDefinition, len(r.def.Steps))
	copy(pending, r.def.Steps)
	completed := make(map[string]bool, len(pending))

	timeoutMs := r.def.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = e.defaultTimeout
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(r.wctx.TimeoutAt) {
			return fmt.Errorf("%w after %dms", ErrWorkflowTimeout, timeoutMs)
		}

		var ready, blocked []types.WorkflowStepDefinition
		for _, step := range pending {
			ok, err := e.canExecute(step, completed, r)
			if err != nil {
				return err
			}
			if ok {
				ready = append(ready, step)
			} else {
				blocked = append(blocked, step)
			}
		}

		if len(ready) == 0 {
			return ErrWorkflowDeadlock
		}

		for _, step := range ready {
			result, err := e.executeStep(ctx, step, r)
			st, _ := r.state.Step(step.ID)
			st.Result = &result
			r.state.UpdatedAt = time.Now().UTC()
			if err != nil {
				st.Status = types.StatusFailed
				if ctx.Err() != nil {
					st.Status = types.StatusCancelled
				}
				e.save(ctx, r.state)
				return err
			}
			st.Status = types.StatusCompleted
			r.wctx.StepResults[step.ID] = result
			completed[step.ID] = true
			e.save(ctx, r.state)
		}

		pending = blocked
	}
	return nil
}

func (e *Engine) canExecute(step types.WorkflowStepDefinition, completed map[string]bool, r *run) (bool, error) {
	for _, dep := range step.Dependencies {
		if !completed[dep] {
			return false, nil
		}
	}
	if step.Condition == nil {
		return true, nil
	}
	return e.evaluateCondition(*step.Condition, r.wctx)
}

// GetRun returns the stored record of a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (types.WorkflowState, error) {
	return e.storage.GetRun(ctx, runID)
}

// ListRuns returns every stored run record.
func (e *Engine) ListRuns(ctx context.Context) ([]types.WorkflowState, error) {
	return e.storage.ListRuns(ctx)
}

// Cancel stops an in-flight run. The run finishes as Cancelled after the
// current tool call returns, and rollback still happens.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	cancel()
	return nil
}

// ActiveRuns returns the ids of runs currently executing.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) newRun(runID string, def types.WorkflowDefinition, vars map[string]any) *run {
	now := time.Now().UTC()
	timeoutMs := def.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = e.defaultTimeout
	}

	variables := make(map[string]any, len(vars))
	for k, v := range vars {
		variables[k] = v
	}

	state := &types.WorkflowState{
		ID:         runID,
		WorkflowID: def.ID,
		Status:     types.StatusPending,
		Steps:      make([]types.StepState, 0, len(def.Steps)),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	for _, s := range def.Steps {
		state.Steps = append(state.Steps, types.StepState{
			ID:           s.ID,
			ToolType:     s.ToolType,
			Operation:    s.Operation,
			Status:       types.StatusPending,
			Dependencies: append([]string(nil), s.Dependencies...),
		})
	}

	retry := def.RetryConfig
	if retry.MaxAttempts == 0 {
		retry = e.retry
	}

	return &run{
		def:   def,
		state: state,
		wctx: &types.WorkflowContext{
			WorkflowID:  runID,
			Variables:   variables,
			StepResults: make(map[string]types.ToolResult),
			StartedAt:   now,
			TimeoutAt:   now.Add(time.Duration(timeoutMs) * time.Millisecond),
		},
		retry:  retry,
		params: make(map[string]any),
	}
}

func (e *Engine) nextRunID() (string, error) {
	if e.generate == nil {
		return uuid.NewString(), nil
	}
	id, err := e.generate.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}

func (e *Engine) save(ctx context.Context, state *types.WorkflowState) {
	if err := e.storage.SaveRun(context.WithoutCancel(ctx), state.Clone()); err != nil {
		e.logger.Error("failed to save workflow run", zap.String("run_id", state.ID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, eventType, runID string, data map[string]any) {
	if e.eventBus == nil {
		return
	}
	err := e.eventBus.Publish(context.WithoutCancel(ctx), events.NewEvent(eventType, runID, data))
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish workflow event",
			zap.String("event_type", eventType),
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
