package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

// collector records delivered events in order.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Handle(ctx context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func TestEventBus_PublishDeliversInOrder(t *testing.T) {
	eb := NewEventBus()
	c := &collector{}
	eb.Subscribe(AllEvents, c)

	sequence := []string{WorkflowStarted, StepCompleted, StepFailed, RollbackFailed, WorkflowFailed}
	for _, typ := range sequence {
		if err := eb.Publish(context.Background(), NewEvent(typ, "run-1", nil)); err != nil {
			t.Fatalf("Publish(%s) failed: %v", typ, err)
		}
	}
	eb.Stop()

	assert.Equal(t, sequence, c.types())
	for _, e := range c.events {
		assert.Equal(t, "run-1", e.RunID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestEventBus_StopFlushesQueue(t *testing.T) {
	eb := NewEventBus(WithBufferSize(10))
	release := make(chan struct{})
	var delivered atomic.Int32
	eb.SubscribeFunc(AlertRaised, func(ctx context.Context, event Event) error {
		<-release
		delivered.Add(1)
		return nil
	})

	for range 3 {
		require.NoError(t, eb.Publish(context.Background(), NewEvent(AlertRaised, "", nil)))
	}
	close(release)
	eb.Stop()
	eb.Stop()

	assert.Equal(t, int32(3), delivered.Load())
	assert.ErrorIs(t, eb.Publish(context.Background(), NewEvent(AlertRaised, "", nil)), ErrBusClosed)
	assert.Equal(t, []error{ErrBusClosed}, eb.PublishSync(context.Background(), NewEvent(AlertRaised, "", nil)))
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler1 := &mockHandler{}
	handler2 := &mockHandler{}
	eb.Subscribe(StepCompleted, handler1)
	eb.Subscribe(StepCompleted, handler2)

	if !eb.Unsubscribe(StepCompleted, handler1) {
		t.Fatal("Unsubscribe should return true for existing handler")
	}
	if !eb.HasSubscribers(StepCompleted) {
		t.Fatal("handler2 should still be subscribed")
	}
	if eb.Unsubscribe(StepCompleted, &mockHandler{}) {
		t.Fatal("Unsubscribe should return false for non-existent handler")
	}
	if eb.Unsubscribe(StepFailed, handler2) {
		t.Fatal("Unsubscribe should return false for another event type")
	}

	require.True(t, eb.Unsubscribe(StepCompleted, handler2))
	assert.False(t, eb.HasSubscribers(StepCompleted))
}

func TestEventBus_UnsubscribeFunc(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	fn := EventHandlerFunc(func(ctx context.Context, event Event) error { return nil })
	other := EventHandlerFunc(func(ctx context.Context, event Event) error { return errors.New("other") })
	eb.Subscribe(WorkflowCompleted, fn)
	eb.Subscribe(WorkflowCompleted, other)

	assert.True(t, eb.Unsubscribe(WorkflowCompleted, fn))
	assert.False(t, eb.Unsubscribe(WorkflowCompleted, fn))

	errs := eb.PublishSync(context.Background(), NewEvent(WorkflowCompleted, "r", nil))
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "other")
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var deadline bool
	eb.SubscribeFunc(StepCompleted, func(ctx context.Context, event Event) error {
		_, deadline = ctx.Deadline()
		return errors.New("test error")
	})

	errs := eb.PublishSync(context.Background(), NewEvent(StepCompleted, "run-123", nil))
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}
	assert.EqualError(t, errs[0], "test error")
	assert.True(t, deadline, "synchronous delivery is bounded")
}

func TestEventBus_PublishErrors(t *testing.T) {
	eb := NewEventBus(WithBufferSize(1))
	defer eb.Stop()

	err := eb.Publish(context.Background(), NewEvent("unknown_event", "run-123", nil))
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.Equal(t, []error{ErrNoHandler}, eb.PublishSync(context.Background(), NewEvent("unknown_event", "", nil)))

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	eb.SubscribeFunc(StepCompleted, func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, eb.Publish(ctx, NewEvent(StepCompleted, "", nil)), context.Canceled)

	// One event held by the handler, one in the buffer, the third overflows.
	require.NoError(t, eb.Publish(context.Background(), NewEvent(StepCompleted, "", nil)))
	<-started
	require.NoError(t, eb.Publish(context.Background(), NewEvent(StepCompleted, "", nil)))
	assert.ErrorIs(t, eb.Publish(context.Background(), NewEvent(StepCompleted, "", nil)), ErrChannelFull)
}

func TestEventBus_WildcardSubscriber(t *testing.T) {
	eb := NewEventBus()
	c := &collector{}
	eb.Subscribe(AllEvents, c)

	assert.True(t, eb.HasSubscribers(WorkflowStarted))
	require.NoError(t, eb.Publish(context.Background(), NewEvent(WorkflowStarted, "r1", nil)))
	require.NoError(t, eb.Publish(context.Background(), NewEvent(AlertRaised, "", map[string]any{"tool_id": "jira"})))
	eb.Stop()

	assert.Equal(t, []string{WorkflowStarted, AlertRaised}, c.types())
}

func TestEventBus_PublishSyncIncludesWildcard(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var calls atomic.Int32
	eb.SubscribeFunc(StepFailed, func(ctx context.Context, event Event) error {
		calls.Add(1)
		return nil
	})
	eb.SubscribeFunc(AllEvents, func(ctx context.Context, event Event) error {
		calls.Add(1)
		return nil
	})

	errs := eb.PublishSync(context.Background(), NewEvent(StepFailed, "r1", nil))
	assert.Empty(t, errs)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEventBus_HandlerPanicIsReported(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.SubscribeFunc(RollbackFailed, func(ctx context.Context, event Event) error {
		panic("handler bug")
	})

	errs := eb.PublishSync(context.Background(), NewEvent(RollbackFailed, "r1", nil))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "handler bug")
}

func TestEventBus_CustomErrorHandler(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []string
	)
	eb := NewEventBus(WithErrorHandler(func(event Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, event.RunID+": "+err.Error())
	}))

	eb.SubscribeFunc(StepCompleted, func(ctx context.Context, event Event) error {
		return errors.New("test error")
	})
	require.NoError(t, eb.Publish(context.Background(), NewEvent(StepCompleted, "run-123", nil)))
	eb.Stop()

	assert.Equal(t, []string{"run-123: test error"}, failed)
}

func TestEventBus_DefaultErrorHandlerLogs(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	eb := NewEventBus(WithLogger(zap.New(core)))

	eb.SubscribeFunc(WorkflowFailed, func(ctx context.Context, event Event) error {
		return errors.New("sink unavailable")
	})
	require.NoError(t, eb.Publish(context.Background(), NewEvent(WorkflowFailed, "run-9", nil)))
	eb.Stop()

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "event handler failed", entry.Message)
	assert.Equal(t, "run-9", entry.ContextMap()["run_id"])
	assert.Equal(t, WorkflowFailed, entry.ContextMap()["event_type"])
}
