package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/events"
	"github.com/songzhibin97/tool-orchestrator/types"
)

// executeStep runs one step with retries. The returned result is the last
// one observed, or an error result when no call returned one.
func (e *Engine) executeStep(ctx context.Context, step types.WorkflowStepDefinition, r *run) (types.ToolResult, error) {
	params := Substitute(step.Params, r.wctx.Variables)
	r.params[step.ID] = params

	attempts := r.retry.MaxAttempts
	if step.RetryAttempts != nil {
		attempts = *step.RetryAttempts
	}
	if attempts == 0 {
		attempts = 1
	}

	st, _ := r.state.Step(step.ID)
	st.Status = types.StatusRunning

	var (
		last    types.ToolResult
		lastErr error
	)
	for attempt := uint32(0); attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.NewErrorResult(err.Error(), 0), err
		}
		st.Attempts = int(attempt) + 1

		result, err := e.attempt(ctx, step, params, attempt)
		if err == nil && result.Success {
			if result.Data != nil {
				r.wctx.Variables["step_"+step.ID+"_result"] = result.Data
			}
			e.publish(ctx, events.StepCompleted, r.state.ID, map[string]any{
				"step_id":           step.ID,
				"attempts":          st.Attempts,
				"execution_time_ms": result.ExecutionTimeMs,
			})
			return result, nil
		}

		if err != nil {
			lastErr = err
			last = types.NewErrorResult(err.Error(), 0)
		} else {
			msg := result.Error
			if msg == "" {
				msg = "unknown error"
			}
			lastErr = fmt.Errorf("%w: %s", ErrStepReportedFailure, msg)
			last = result
		}

		// A cancelled run stops retrying; the cause is the cancellation.
		if ctx.Err() != nil {
			return last, ctx.Err()
		}

		e.logger.Debug("step attempt failed",
			zap.String("run_id", r.state.ID),
			zap.String("step_id", step.ID),
			zap.Uint32("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt+1 < attempts {
			if err := e.sleep(ctx, RetryDelay(r.retry, attempt)); err != nil {
				return last, err
			}
		}
	}

	stepErr := &StepError{StepID: step.ID, Attempts: int(attempts), Err: lastErr}
	e.publish(ctx, events.StepFailed, r.state.ID, map[string]any{
		"step_id":  step.ID,
		"attempts": int(attempts),
		"error":    lastErr.Error(),
	})
	return last, stepErr
}

// attempt makes one call, bounded by the step timeout when one is set.
func (e *Engine) attempt(ctx context.Context, step types.WorkflowStepDefinition, params any, attempt uint32) (types.ToolResult, error) {
	callCtx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.tool_type", step.ToolType),
		attribute.String("step.operation", step.Operation),
		attribute.Int("step.attempt", int(attempt)),
	))
	defer span.End()

	if step.TimeoutMs != nil && *step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, time.Duration(*step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := e.executor.ExecuteCoordinated(callCtx, step.ToolType, step.Operation, params)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: step %s after %dms", ErrStepTimeout, step.ID, *step.TimeoutMs)
	}

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !result.Success:
		span.SetStatus(codes.Error, result.Error)
	}
	return result, err
}

// rollback invokes rollback operations for completed steps in reverse
// definition order. Failures are logged and published, never returned.
func (e *Engine) rollback(ctx context.Context, r *run) {
	for i := len(r.def.Steps) - 1; i >= 0; i-- {
		step := r.def.Steps[i]
		if step.RollbackOperation == "" {
			continue
		}
		if _, done := r.wctx.StepResults[step.ID]; !done {
			continue
		}

		params, ok := r.params[step.ID]
		if !ok {
			params = step.Params
		}
		result, err := e.executor.ExecuteCoordinated(ctx, step.ToolType, step.RollbackOperation, params)
		if err == nil && !result.Success {
			err = fmt.Errorf("%w: %s", ErrStepReportedFailure, result.Error)
		}
		if err == nil {
			e.logger.Info("step rolled back",
				zap.String("run_id", r.state.ID),
				zap.String("step_id", step.ID),
				zap.String("operation", step.RollbackOperation),
			)
			continue
		}

		e.logger.Error("rollback failed",
			zap.String("run_id", r.state.ID),
			zap.String("step_id", step.ID),
			zap.String("operation", step.RollbackOperation),
			zap.Error(err),
		)
		e.publish(ctx, events.RollbackFailed, r.state.ID, map[string]any{
			"step_id":   step.ID,
			"operation": step.RollbackOperation,
			"error":     err.Error(),
		})
	}
}

// Substitute replaces every string value that is exactly "${name}" with the
// bound variable, walking maps and slices. Embedded placeholders such as
// "id-${name}" are left as they are, as are names with no binding. params is
// not modified.
func Substitute(params any, vars map[string]any) any {
	switch v := params.(type) {
	case string:
		if len(v) > 3 && strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			if value, ok := vars[v[2:len(v)-1]]; ok {
				return value
			}
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Substitute(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Substitute(item, vars)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Substitute(item, vars)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Substitute(item, vars)
		}
		return out
	}
	return params
}

func (e *Engine) evaluateCondition(cond types.StepCondition, wctx *types.WorkflowContext) (bool, error) {
	switch cond.Type {
	case types.ConditionAlways, "":
		return true, nil
	case types.ConditionExpression:
		ok, err := e.evaluator.Evaluate(cond.Expression, conditionEnv(wctx))
		if err != nil {
			return false, fmt.Errorf("%w: %q: %v", ErrConditionEvaluation, cond.Expression, err)
		}
		return ok, nil
	}

	result, found := wctx.StepResults[cond.TargetStepID]
	if !found {
		return false, nil
	}

	switch cond.Type {
	case types.ConditionStepSucceeded:
		return result.Success, nil
	case types.ConditionStepFailed:
		return !result.Success, nil
	case types.ConditionStepResultEquals:
		if result.Data == nil {
			return cond.ExpectedValue == nil, nil
		}
		return jsonEqual(result.Data, cond.ExpectedValue), nil
	case types.ConditionStepResultContains:
		if result.Data == nil {
			return false, nil
		}
		return containsValue(result.Data, cond.ExpectedValue), nil
	}
	return false, fmt.Errorf("%w: unknown condition type %q", ErrConditionEvaluation, cond.Type)
}

// conditionEnv exposes run variables at the top level and step outcomes
// under "steps".
func conditionEnv(wctx *types.WorkflowContext) map[string]any {
	env := make(map[string]any, len(wctx.Variables)+1)
	for k, v := range wctx.Variables {
		env[k] = v
	}
	steps := make(map[string]any, len(wctx.StepResults))
	for id, res := range wctx.StepResults {
		steps[id] = map[string]any{
			"success": res.Success,
			"data":    normalize(res.Data),
			"error":   res.Error,
		}
	}
	env["steps"] = steps
	return env
}

// normalize converts a value into its generic JSON form so values built from
// Go structs and values decoded from documents compare alike.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// containsValue reports whether the JSON encoding of data contains the
// expected value. A string expectation is matched as plain text; anything
// else by its JSON encoding.
func containsValue(data, expected any) bool {
	haystack, ok := data.(string)
	if !ok {
		raw, err := json.Marshal(data)
		if err != nil {
			return false
		}
		haystack = string(raw)
	}

	needle, ok := expected.(string)
	if !ok {
		raw, err := json.Marshal(expected)
		if err != nil {
			return false
		}
		needle = string(raw)
	}
	return strings.Contains(haystack, needle)
}
