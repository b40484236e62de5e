package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/tool-orchestrator/types"
)

func TestMemoryStorage(t *testing.T) {
	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

	newRun := func(id string, status types.WorkflowStatus, offset time.Duration) types.WorkflowState {
		return types.WorkflowState{
			ID:         id,
			WorkflowID: "daily-sync",
			Status:     status,
			Steps: []types.StepState{
				{ID: "fetch", ToolType: "calendar", Operation: "list", Status: status,
					Result: &types.ToolResult{Success: true, Data: "x"}},
			},
			StartedAt: base.Add(offset),
			UpdatedAt: base.Add(offset),
		}
	}

	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.Empty(t, store.runs)
	})

	t.Run("SaveAndGetRun", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		run := newRun("r1", types.StatusRunning, 0)
		assert.NoError(t, store.SaveRun(ctx, run))

		got, err := store.GetRun(ctx, "r1")
		assert.NoError(t, err)
		assert.Equal(t, run, got)

		_, err = store.GetRun(ctx, "r2")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("RecordsAreIsolated", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		run := newRun("r1", types.StatusRunning, 0)
		assert.NoError(t, store.SaveRun(ctx, run))
		run.Steps[0].Status = types.StatusFailed
		run.Steps[0].Result.Success = false

		got, err := store.GetRun(ctx, "r1")
		assert.NoError(t, err)
		assert.Equal(t, types.StatusRunning, got.Steps[0].Status)
		assert.True(t, got.Steps[0].Result.Success)
	})

	t.Run("ListRunsOrdered", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		assert.NoError(t, store.SaveRun(ctx, newRun("late", types.StatusCompleted, 2*time.Minute)))
		assert.NoError(t, store.SaveRun(ctx, newRun("early", types.StatusRunning, 0)))
		assert.NoError(t, store.SaveRun(ctx, newRun("mid", types.StatusFailed, time.Minute)))

		runs, err := store.ListRuns(ctx)
		assert.NoError(t, err)
		ids := make([]string, len(runs))
		for i, r := range runs {
			ids[i] = r.ID
		}
		assert.Equal(t, []string{"early", "mid", "late"}, ids)
	})

	t.Run("ClearFinished", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		assert.NoError(t, store.SaveRun(ctx, newRun("1", types.StatusRunning, 0)))
		assert.NoError(t, store.SaveRun(ctx, newRun("2", types.StatusCompleted, 0)))
		assert.NoError(t, store.SaveRun(ctx, newRun("3", types.StatusFailed, 0)))
		assert.NoError(t, store.SaveRun(ctx, newRun("4", types.StatusCancelled, 0)))

		removed, err := store.ClearFinished(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 3, removed)

		_, err = store.GetRun(ctx, "1")
		assert.NoError(t, err)
		_, err = store.GetRun(ctx, "2")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.SaveRun(ctx, newRun("1", types.StatusRunning, 0))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.GetRun(ctx, "1")
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.ListRuns(ctx)
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.ClearFinished(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		var wgWrite sync.WaitGroup
		var wgRead sync.WaitGroup

		for i := 0; i < 100; i++ {
			wgWrite.Add(1)
			go func(id int) {
				defer wgWrite.Done()
				if err := store.SaveRun(ctx, newRun(fmt.Sprint(id), types.StatusRunning, 0)); err != nil {
					t.Errorf("SaveRun failed for id=%d: %v", id, err)
				}
			}(i)
		}
		wgWrite.Wait()

		errs := make(chan error, 100)
		for i := 0; i < 100; i++ {
			wgRead.Add(1)
			go func(id int) {
				defer wgRead.Done()
				if _, err := store.GetRun(ctx, fmt.Sprint(id)); err != nil {
					errs <- fmt.Errorf("GetRun failed for id=%d: %v", id, err)
				}
			}(i)
		}
		wgRead.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}

		runs, err := store.ListRuns(ctx)
		assert.NoError(t, err)
		assert.Len(t, runs, 100)
	})
}

func TestWithContext(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		result, err := withContext(context.Background(), func() (string, error) {
			return "success", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "success", result)
	})

	t.Run("Error", func(t *testing.T) {
		_, err := withContext(context.Background(), func() (string, error) {
			return "", errors.New("fail")
		})
		assert.Error(t, err)
		assert.Equal(t, "fail", err.Error())
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := withContext(ctx, func() (string, error) {
			return "success", nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
