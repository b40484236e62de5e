package workflow

import (
	"context"

	"github.com/songzhibin97/tool-orchestrator/types"
)

// StepExecutor runs one operation against the tool mapped to a tool type.
// Both the plain and the monitored orchestrator satisfy it.
type StepExecutor interface {
	ExecuteCoordinated(ctx context.Context, toolType, operation string, params any) (types.ToolResult, error)
}

// ExecutorFunc is a function adapter for StepExecutor.
type ExecutorFunc func(ctx context.Context, toolType, operation string, params any) (types.ToolResult, error)

// ExecuteCoordinated implements the StepExecutor interface.
func (f ExecutorFunc) ExecuteCoordinated(ctx context.Context, toolType, operation string, params any) (types.ToolResult, error) {
	return f(ctx, toolType, operation, params)
}
