package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/tool-orchestrator/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Records are cloned on the way in and out.
type MemoryStorage struct {
	runs map[string]types.WorkflowState
	mu   sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs: make(map[string]types.WorkflowState),
	}
}

// SaveRun stores run, replacing an earlier record with the same id.
func (s *MemoryStorage) SaveRun(ctx context.Context, run types.WorkflowState) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs[run.ID] = run.Clone()
		return struct{}{}, nil
	})
	return err
}

// GetRun retrieves a run from memory.
func (s *MemoryStorage) GetRun(ctx context.Context, id string) (types.WorkflowState, error) {
	return withContext(ctx, func() (types.WorkflowState, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		run, ok := s.runs[id]
		if !ok {
			return types.WorkflowState{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
		}
		return run.Clone(), nil
	})
}

// ListRuns returns all runs ordered by start time.
func (s *MemoryStorage) ListRuns(ctx context.Context) ([]types.WorkflowState, error) {
	return withContext(ctx, func() ([]types.WorkflowState, error) {
		s.mu.RLock()
		out := make([]types.WorkflowState, 0, len(s.runs))
		for _, run := range s.runs {
			out = append(out, run.Clone())
		}
		s.mu.RUnlock()

		sort.SliceStable(out, func(i, j int) bool {
			if out[i].StartedAt.Equal(out[j].StartedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].StartedAt.Before(out[j].StartedAt)
		})
		return out, nil
	})
}

// ClearFinished removes completed, failed and cancelled runs.
func (s *MemoryStorage) ClearFinished(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, run := range s.runs {
			if run.Status.Terminal() {
				delete(s.runs, id)
				removed++
			}
		}
		return removed, nil
	})
}

var _ Storage = (*MemoryStorage)(nil)
