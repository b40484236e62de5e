package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/songzhibin97/tool-orchestrator/events"
	"github.com/songzhibin97/tool-orchestrator/storage"
	"github.com/songzhibin97/tool-orchestrator/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

type call struct {
	toolType  string
	operation string
	params    any
}

type opFunc func(ctx context.Context, params any) (types.ToolResult, error)

// mockExecutor dispatches to scripted operations and records every call.
type mockExecutor struct {
	mu    sync.Mutex
	ops   map[string]opFunc // "toolType.operation"
	calls []call
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{ops: make(map[string]opFunc)}
}

func (m *mockExecutor) on(toolType, operation string, fn opFunc) *mockExecutor {
	m.ops[toolType+"."+operation] = fn
	return m
}

func (m *mockExecutor) ExecuteCoordinated(ctx context.Context, toolType, operation string, params any) (types.ToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call{toolType: toolType, operation: operation, params: params})
	fn, ok := m.ops[toolType+"."+operation]
	m.mu.Unlock()
	if !ok {
		return types.NewSuccessResult(operation+"_done", 1), nil
	}
	return fn(ctx, params)
}

func (m *mockExecutor) operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.toolType + "." + c.operation
	}
	return out
}

func succeed(data any) opFunc {
	return func(ctx context.Context, params any) (types.ToolResult, error) {
		return types.NewSuccessResult(data, 1), nil
	}
}

func fail(msg string) opFunc {
	return func(ctx context.Context, params any) (types.ToolResult, error) {
		return types.NewErrorResult(msg, 1), nil
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func step(id, toolType, op string, deps ...string) types.WorkflowStepDefinition {
	return types.WorkflowStepDefinition{ID: id, Name: id, ToolType: toolType, Operation: op, Dependencies: deps}
}

func definition(steps ...types.WorkflowStepDefinition) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:          "wf",
		Name:        "test workflow",
		Steps:       steps,
		TimeoutMs:   5000,
		RetryConfig: types.DefaultRetryConfig(),
	}
}

func uint32Ptr(v uint32) *uint32 { return &v }
func uint64Ptr(v uint64) *uint64 { return &v }

func newTestEngine(t *testing.T, exec StepExecutor, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithSleep(noSleep)}, opts...)
	engine, err := NewEngine(exec, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(newMockExecutor())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	assert.NotNil(t, engine)

	_, err = NewEngine(nil)
	assert.ErrorIs(t, err, ErrNilExecutor)
}

func TestRetryDelay(t *testing.T) {
	cfg := types.RetryConfig{MaxAttempts: 10, InitialDelayMs: 100, MaxDelayMs: 5000, ExponentialBase: 2.0}
	want := []time.Duration{100, 200, 400, 800, 1600, 3200, 5000, 5000}
	for attempt, ms := range want {
		assert.Equal(t, ms*time.Millisecond, RetryDelay(cfg, uint32(attempt)), "attempt %d", attempt)
	}
}

func TestExecute_SequentialWithSubstitution(t *testing.T) {
	exec := newMockExecutor().
		on("calendar", "create_event", succeed("evt-42")).
		on("jira", "link", func(ctx context.Context, params any) (types.ToolResult, error) {
			return types.NewSuccessResult(params, 1), nil
		})
	engine := newTestEngine(t, exec)

	link := step("link", "jira", "link", "create")
	link.Params = map[string]any{
		"event":   "${step_create_result}",
		"project": "${project}",
		"title":   "Sync ${project}",
	}
	def := definition(step("create", "calendar", "create_event"), link)

	state, err := engine.Execute(context.Background(), def, map[string]any{"project": "PROJ"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Status)
	assert.Equal(t, []string{"calendar.create_event", "jira.link"}, exec.operations())

	linkState, ok := state.Step("link")
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, linkState.Status)
	assert.Equal(t, map[string]any{
		"event":   "evt-42",
		"project": "PROJ",
		"title":   "Sync ${project}",
	}, linkState.Result.Data)
	assert.Equal(t, 1, linkState.Attempts)

	// The definition itself is untouched.
	assert.Equal(t, "${project}", link.Params.(map[string]any)["project"])
}

func TestExecute_DependencyOrdering(t *testing.T) {
	exec := newMockExecutor()
	engine := newTestEngine(t, exec)

	def := definition(
		step("report", "ai", "summarize", "notes", "issues"),
		step("notes", "obsidian", "search"),
		step("issues", "jira", "search"),
	)

	state, err := engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Status)
	assert.Equal(t, []string{"obsidian.search", "jira.search", "ai.summarize"}, exec.operations())
}

func TestExecute_Deadlock(t *testing.T) {
	exec := newMockExecutor()
	engine := newTestEngine(t, exec)

	def := definition(step("a", "t", "op", "b"), step("b", "t", "op", "a"))
	state, err := engine.Execute(context.Background(), def, nil)

	assert.ErrorIs(t, err, ErrWorkflowDeadlock)
	require.NotNil(t, state)
	assert.Equal(t, types.StatusFailed, state.Status)
	assert.Empty(t, exec.operations())
}

func TestExecute_FailedStepStopsDependents(t *testing.T) {
	exec := newMockExecutor().on("t", "broken", fail("always fails"))
	engine := newTestEngine(t, exec)

	first := step("step1", "t", "broken")
	first.RetryAttempts = uint32Ptr(1)
	def := definition(first, step("step2", "t", "op", "step1"))

	state, err := engine.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepFailedAfterRetries)
	assert.ErrorIs(t, err, ErrStepReportedFailure)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "step1", stepErr.StepID)
	assert.Equal(t, 1, stepErr.Attempts)

	assert.Equal(t, types.StatusFailed, state.Status)
	s1, _ := state.Step("step1")
	s2, _ := state.Step("step2")
	assert.Equal(t, types.StatusFailed, s1.Status)
	assert.Equal(t, "always fails", s1.Result.Error)
	assert.Equal(t, types.StatusPending, s2.Status)
	assert.Equal(t, 0, s2.Attempts)
	assert.Equal(t, []string{"t.broken"}, exec.operations())
}

func TestExecute_RetryWithBackoff(t *testing.T) {
	var attempts int
	exec := newMockExecutor().on("jira", "create", func(ctx context.Context, params any) (types.ToolResult, error) {
		attempts++
		if attempts < 3 {
			return types.ToolResult{}, errors.New("connection reset")
		}
		return types.NewSuccessResult("PROJ-1", 5), nil
	})

	var delays []time.Duration
	engine := newTestEngine(t, exec, WithSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))

	state, err := engine.Execute(context.Background(), definition(step("create", "jira", "create")), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)

	st, _ := state.Step("create")
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, "PROJ-1", st.Result.Data)
}

func TestExecute_EngineRetryConfigFallback(t *testing.T) {
	exec := newMockExecutor().on("t", "flaky", fail("nope"))
	engine := newTestEngine(t, exec, WithRetryConfig(types.RetryConfig{
		MaxAttempts: 2, InitialDelayMs: 1, MaxDelayMs: 1, ExponentialBase: 1,
	}))

	def := definition(step("s", "t", "flaky"))
	def.RetryConfig = types.RetryConfig{}

	_, err := engine.Execute(context.Background(), def, nil)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 2, stepErr.Attempts)
	assert.Len(t, exec.operations(), 2)
}

func TestExecute_Rollback(t *testing.T) {
	rollbackErr := errors.New("cannot delete")
	exec := newMockExecutor().
		on("calendar", "delete_event", func(ctx context.Context, params any) (types.ToolResult, error) {
			return types.ToolResult{}, rollbackErr
		}).
		on("ai", "generate", fail("model overloaded"))

	bus := events.NewEventBus()
	defer bus.Stop()
	var (
		mu       sync.Mutex
		rollback []events.Event
	)
	bus.SubscribeFunc(events.RollbackFailed, func(ctx context.Context, event events.Event) error {
		mu.Lock()
		rollback = append(rollback, event)
		mu.Unlock()
		return nil
	})

	engine := newTestEngine(t, exec, WithEventBus(bus))

	create := step("event", "calendar", "create_event")
	create.RollbackOperation = "delete_event"
	create.Params = map[string]any{"title": "${title}"}
	issue := step("issue", "jira", "create_issue", "event")
	issue.RollbackOperation = "delete_issue"
	notify := step("notify", "slack", "post", "event")
	summary := step("summary", "ai", "generate", "issue")
	summary.RetryAttempts = uint32Ptr(1)
	summary.RollbackOperation = "discard"

	state, err := engine.Execute(context.Background(), definition(create, issue, notify, summary), map[string]any{"title": "Kickoff"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepFailedAfterRetries, "rollback failure must not replace the original error")
	assert.Equal(t, types.StatusFailed, state.Status)

	assert.Equal(t, []string{
		"calendar.create_event",
		"jira.create_issue",
		"slack.post",
		"ai.generate",
		"jira.delete_issue",
		"calendar.delete_event",
	}, exec.operations())

	// Rollback reuses the params that were actually sent.
	exec.mu.Lock()
	last := exec.calls[len(exec.calls)-1]
	exec.mu.Unlock()
	assert.Equal(t, map[string]any{"title": "Kickoff"}, last.params)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rollback) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "event", rollback[0].Data["step_id"])
	mu.Unlock()
}

func TestExecute_WorkflowTimeout(t *testing.T) {
	exec := newMockExecutor().on("t", "slow", func(ctx context.Context, params any) (types.ToolResult, error) {
		time.Sleep(30 * time.Millisecond)
		return types.NewSuccessResult("done", 30), nil
	})
	engine := newTestEngine(t, exec)

	slow := step("slow", "t", "slow")
	slow.RollbackOperation = "undo"
	def := definition(slow, step("next", "t", "op", "slow"))
	def.TimeoutMs = 10

	state, err := engine.Execute(context.Background(), def, nil)
	assert.ErrorIs(t, err, ErrWorkflowTimeout)
	assert.Equal(t, types.StatusFailed, state.Status)

	// The in-flight step finished; the next one never started.
	s1, _ := state.Step("slow")
	s2, _ := state.Step("next")
	assert.Equal(t, types.StatusCompleted, s1.Status)
	assert.Equal(t, types.StatusPending, s2.Status)
	assert.Equal(t, []string{"t.slow", "t.undo"}, exec.operations())
}

func TestExecute_StepTimeout(t *testing.T) {
	exec := newMockExecutor().on("t", "hang", func(ctx context.Context, params any) (types.ToolResult, error) {
		<-ctx.Done()
		return types.ToolResult{}, ctx.Err()
	})
	engine := newTestEngine(t, exec)

	hang := step("hang", "t", "hang")
	hang.TimeoutMs = uint64Ptr(10)
	hang.RetryAttempts = uint32Ptr(2)

	_, err := engine.Execute(context.Background(), definition(hang), nil)
	assert.ErrorIs(t, err, ErrStepTimeout)
	assert.ErrorIs(t, err, ErrStepFailedAfterRetries)
	assert.Len(t, exec.operations(), 2)
}

func TestExecute_Cancel(t *testing.T) {
	started := make(chan struct{})
	exec := newMockExecutor().on("t", "block", func(ctx context.Context, params any) (types.ToolResult, error) {
		close(started)
		<-ctx.Done()
		return types.ToolResult{}, ctx.Err()
	})
	engine := newTestEngine(t, exec)

	blocker := step("block", "t", "block")
	blocker.RetryAttempts = uint32Ptr(5)

	done := make(chan struct{})
	var (
		state *types.WorkflowState
		err   error
	)
	go func() {
		defer close(done)
		state, err = engine.Execute(context.Background(), definition(blocker), nil)
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("step never started")
	}
	runs := engine.ActiveRuns()
	require.Len(t, runs, 1)
	require.NoError(t, engine.Cancel(runs[0]))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.StatusCancelled, state.Status)
	assert.Len(t, exec.operations(), 1, "a cancelled run must not retry")

	assert.ErrorIs(t, engine.Cancel(runs[0]), ErrRunNotActive)
}

func TestExecute_Conditions(t *testing.T) {
	tests := []struct {
		name      string
		data      any
		condition types.StepCondition
		wantRun   bool
	}{
		{"always", "x", types.StepCondition{Type: types.ConditionAlways}, true},
		{"succeeded", "x", types.StepCondition{Type: types.ConditionStepSucceeded, TargetStepID: "first"}, true},
		{"failed on success", "x", types.StepCondition{Type: types.ConditionStepFailed, TargetStepID: "first"}, false},
		{"equals", map[string]any{"count": 2}, types.StepCondition{
			Type: types.ConditionStepResultEquals, TargetStepID: "first", ExpectedValue: map[string]any{"count": 2.0}}, true},
		{"equals mismatch", "open", types.StepCondition{
			Type: types.ConditionStepResultEquals, TargetStepID: "first", ExpectedValue: "closed"}, false},
		{"contains text", "meeting moved to friday", types.StepCondition{
			Type: types.ConditionStepResultContains, TargetStepID: "first", ExpectedValue: "friday"}, true},
		{"contains json", map[string]any{"tags": []any{"urgent", "bug"}}, types.StepCondition{
			Type: types.ConditionStepResultContains, TargetStepID: "first", ExpectedValue: "urgent"}, true},
		{"missing target", "x", types.StepCondition{Type: types.ConditionStepSucceeded, TargetStepID: "ghost"}, false},
		{"expression", map[string]any{"count": 3}, types.StepCondition{
			Type: types.ConditionExpression, Expression: `steps.first.success && steps.first.data.count > 2 && env == "prod"`}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newMockExecutor().on("t", "first", succeed(tt.data))
			engine := newTestEngine(t, exec)

			second := step("second", "t", "second", "first")
			cond := tt.condition
			second.Condition = &cond

			state, err := engine.Execute(context.Background(), definition(step("first", "t", "first"), second), map[string]any{"env": "prod"})
			if tt.wantRun {
				require.NoError(t, err)
				assert.Equal(t, []string{"t.first", "t.second"}, exec.operations())
				return
			}
			// An unsatisfiable condition leaves the step blocked forever.
			assert.ErrorIs(t, err, ErrWorkflowDeadlock)
			s2, _ := state.Step("second")
			assert.Equal(t, types.StatusPending, s2.Status)
		})
	}
}

func TestExecute_ExpressionError(t *testing.T) {
	engine := newTestEngine(t, newMockExecutor())
	s := step("s", "t", "op")
	s.Condition = &types.StepCondition{Type: types.ConditionExpression, Expression: "1 +"}

	_, err := engine.Execute(context.Background(), definition(s), nil)
	assert.ErrorIs(t, err, ErrConditionEvaluation)
}

func TestSubstitute(t *testing.T) {
	vars := map[string]any{"name": "alice", "ids": []any{1, 2}}
	params := map[string]any{
		"user":     "${name}",
		"greeting": "hello ${name}",
		"missing":  "${unknown}",
		"nested":   map[string]any{"list": []any{"${ids}", "plain", 7}},
		"strings":  []string{"${name}"},
	}

	got := Substitute(params, vars)
	assert.Equal(t, map[string]any{
		"user":     "alice",
		"greeting": "hello ${name}",
		"missing":  "${unknown}",
		"nested":   map[string]any{"list": []any{[]any{1, 2}, "plain", 7}},
		"strings":  []any{"alice"},
	}, got)
	assert.Equal(t, "${name}", params["user"])
	assert.Equal(t, 42, Substitute(42, vars))
	assert.Equal(t, "${}", Substitute("${}", map[string]any{"": "x"}))
}

func TestExecute_RunRecords(t *testing.T) {
	store := storage.NewMemoryStorage()
	engine := newTestEngine(t, newMockExecutor(), WithGenerator(&MockGenerator{}), WithStorage(store))

	state, err := engine.Execute(context.Background(), definition(step("a", "t", "op")), nil)
	require.NoError(t, err)
	assert.Equal(t, "1", state.ID)

	_, err = engine.Execute(context.Background(), definition(step("a", "t", "op", "ghost")), nil)
	require.Error(t, err)

	rec, err := engine.GetRun(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)

	failed, err := engine.GetRun(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "deadlock")

	runs, err := engine.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Empty(t, engine.ActiveRuns())
}

func TestExecute_PublishesEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	var (
		mu   sync.Mutex
		seen []string
	)
	bus.SubscribeFunc(events.AllEvents, func(ctx context.Context, event events.Event) error {
		mu.Lock()
		seen = append(seen, event.Type)
		mu.Unlock()
		return nil
	})

	engine := newTestEngine(t, newMockExecutor(), WithEventBus(bus))
	_, err := engine.Execute(context.Background(), definition(step("a", "t", "op"), step("b", "t", "op", "a")), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		events.WorkflowStarted, events.StepCompleted, events.StepCompleted, events.WorkflowCompleted,
	}, seen)
}

func TestExecute_Tracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	exec := newMockExecutor().on("t", "flaky", fail("boom"))
	engine := newTestEngine(t, exec, WithTracer(tp.Tracer("test")))

	flaky := step("flaky", "t", "flaky")
	flaky.RetryAttempts = uint32Ptr(2)
	_, err := engine.Execute(context.Background(), definition(step("ok", "t", "op"), flaky), nil)
	require.Error(t, err)

	names := map[string]int{}
	for _, s := range exporter.GetSpans() {
		names[s.Name]++
	}
	assert.Equal(t, 1, names["workflow.run"])
	assert.Equal(t, 3, names["workflow.step"])
}
