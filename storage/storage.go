package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/tool-orchestrator/types"
)

// ErrRunNotFound is returned when no record exists for a run id.
var ErrRunNotFound = errors.New("workflow run not found")

// Storage keeps workflow run records for the lifetime of the process.
type Storage interface {
	// SaveRun inserts or replaces the record of a run.
	SaveRun(ctx context.Context, run types.WorkflowState) error

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (types.WorkflowState, error)

	// ListRuns returns every stored run, oldest first.
	ListRuns(ctx context.Context) ([]types.WorkflowState, error)

	// ClearFinished removes runs in a terminal state and reports how many.
	ClearFinished(ctx context.Context) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}
