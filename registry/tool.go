package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/tool-orchestrator/types"
)

// Tool is the capability contract every integration implements.
//
// Execute reports business failures through ToolResult.Success=false and
// reserves the error return for infrastructure problems. HealthCheck never
// fails: an unreachable tool reports Unhealthy. Initialize and Shutdown are
// invoked by the Registry, once per lifecycle transition.
type Tool interface {
	Execute(ctx context.Context, operation string, params any) (types.ToolResult, error)
	Status(ctx context.Context) (any, error)
	HealthCheck(ctx context.Context) types.HealthCheck
	Metadata() types.ToolMetadata
	ID() string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// OperationFunc handles one named operation of a FuncTool.
type OperationFunc func(ctx context.Context, params any) (any, error)

// FuncTool adapts a set of functions to the Tool interface. Operations whose
// handler returns an error are reported as tool failures, not call errors.
type FuncTool struct {
	id         string
	metadata   types.ToolMetadata
	operations map[string]OperationFunc

	// Optional hooks; nil means "always fine".
	HealthFunc   func(ctx context.Context) types.HealthCheck
	StatusFunc   func(ctx context.Context) (any, error)
	InitFunc     func(ctx context.Context) error
	ShutdownFunc func(ctx context.Context) error
}

// NewFuncTool creates a FuncTool with the given id and metadata.
func NewFuncTool(id string, metadata types.ToolMetadata) *FuncTool {
	return &FuncTool{
		id:         id,
		metadata:   metadata,
		operations: make(map[string]OperationFunc),
	}
}

// Handle registers fn for operation and returns the tool for chaining.
func (t *FuncTool) Handle(operation string, fn OperationFunc) *FuncTool {
	t.operations[operation] = fn
	return t
}

func (t *FuncTool) Execute(ctx context.Context, operation string, params any) (types.ToolResult, error) {
	start := time.Now()
	fn, ok := t.operations[operation]
	if !ok {
		return types.NewErrorResult(fmt.Sprintf("unsupported operation %q", operation), elapsedMs(start)), nil
	}
	data, err := fn(ctx, params)
	if err != nil {
		return types.NewErrorResult(err.Error(), elapsedMs(start)), nil
	}
	return types.NewSuccessResult(data, elapsedMs(start)), nil
}

func (t *FuncTool) Status(ctx context.Context) (any, error) {
	if t.StatusFunc != nil {
		return t.StatusFunc(ctx)
	}
	ops := make([]string, 0, len(t.operations))
	for op := range t.operations {
		ops = append(ops, op)
	}
	return map[string]any{"id": t.id, "status": "active", "operations": ops}, nil
}

func (t *FuncTool) HealthCheck(ctx context.Context) types.HealthCheck {
	if t.HealthFunc != nil {
		return t.HealthFunc(ctx)
	}
	return types.Healthy("ok", types.Millis(0))
}

func (t *FuncTool) Metadata() types.ToolMetadata { return t.metadata }

func (t *FuncTool) ID() string { return t.id }

func (t *FuncTool) Initialize(ctx context.Context) error {
	if t.InitFunc != nil {
		return t.InitFunc(ctx)
	}
	return nil
}

func (t *FuncTool) Shutdown(ctx context.Context) error {
	if t.ShutdownFunc != nil {
		return t.ShutdownFunc(ctx)
	}
	return nil
}

func elapsedMs(start time.Time) uint64 {
	return uint64(time.Since(start).Milliseconds())
}

var _ Tool = (*FuncTool)(nil)
