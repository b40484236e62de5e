package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the workflow engine and monitoring.
const (
	WorkflowStarted   = "workflow_started"
	WorkflowCompleted = "workflow_completed"
	WorkflowFailed    = "workflow_failed"
	StepCompleted     = "step_completed"
	StepFailed        = "step_failed"
	RollbackFailed    = "rollback_failed"
	AlertRaised       = "alert_raised"
	AlertResolved     = "alert_resolved"

	// AllEvents subscribes a handler to every event type.
	AllEvents = "*"
)

const (
	defaultBufferSize   = 100
	syncDeliveryTimeout = 5 * time.Second
)

// Event is a notification about a workflow run or an alert.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"runId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType, runID string, data map[string]any) Event {
	return Event{Type: eventType, RunID: runID, Timestamp: time.Now().UTC(), Data: data}
}

// EventHandler reacts to one delivered event.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus delivers events to subscribers. Publish queues events for a single
// dispatcher goroutine, so asynchronous delivery keeps publish order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	closed   bool

	queue   chan Event
	done    chan struct{}
	onError func(event Event, err error)
	logger  *zap.Logger
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithErrorHandler replaces the default handler for asynchronous delivery
// errors, which logs them.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.onError = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewEventBus starts a bus with room for 100 queued events.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]EventHandler),
		queue:    make(chan Event, defaultBufferSize),
		done:     make(chan struct{}),
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		option(eb)
	}
	if eb.onError == nil {
		eb.onError = eb.logError
	}

	go eb.dispatch()
	return eb
}

// Subscribe adds handler for eventType, or for every type with AllEvents.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes the first subscription of handler to eventType and
// reports whether there was one.
func (eb *EventBus) Unsubscribe(eventType string, handler EventHandler) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i, h := range subs {
		if !sameHandler(h, handler) {
			continue
		}
		if len(subs) == 1 {
			delete(eb.handlers, eventType)
		} else {
			eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
		}
		return true
	}
	return false
}

// HasSubscribers reports whether any handler, including a wildcard one, would
// receive eventType.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0 || len(eb.handlers[AllEvents]) > 0
}

// Publish queues event without waiting for delivery. It fails with
// ErrNoHandler when nobody listens and ErrChannelFull when the queue is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	switch {
	case eb.closed:
		return ErrBusClosed
	case len(eb.handlers[event.Type]) == 0 && len(eb.handlers[AllEvents]) == 0:
		return ErrNoHandler
	}

	select {
	case eb.queue <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers event in the caller's goroutine and returns every
// handler error. Delivery is bounded by 5 seconds unless ctx is shorter.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	handlers, err := eb.handlersFor(event.Type)
	if err != nil {
		return []error{err}
	}
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	ctx, cancel := context.WithTimeout(ctx, syncDeliveryTimeout)
	defer cancel()
	return deliver(ctx, handlers, event)
}

// Stop rejects further events, delivers the ones already queued and waits
// for the dispatcher to exit. Calling it again is a no-op.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.mu.Unlock()
	<-eb.done
}

func (eb *EventBus) handlersFor(eventType string) ([]EventHandler, error) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return nil, ErrBusClosed
	}
	return eb.matching(eventType), nil
}

// matching copies the handlers for eventType. Callers hold mu.
func (eb *EventBus) matching(eventType string) []EventHandler {
	out := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.handlers[AllEvents]))
	out = append(out, eb.handlers[eventType]...)
	if eventType != AllEvents {
		out = append(out, eb.handlers[AllEvents]...)
	}
	return out
}

func (eb *EventBus) dispatch() {
	defer close(eb.done)
	for event := range eb.queue {
		eb.mu.RLock()
		handlers := eb.matching(event.Type)
		eb.mu.RUnlock()

		for _, err := range deliver(context.Background(), handlers, event) {
			eb.onError(event, err)
		}
	}
}

// deliver runs handlers concurrently and collects their errors. A panicking
// handler is reported as an error.
func deliver(ctx context.Context, handlers []EventHandler, event Event) []error {
	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("event handler panicked: %v", r)
				}
			}()
			errs[i] = h.Handle(ctx, event)
		}()
	}
	wg.Wait()

	out := errs[:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// sameHandler compares handlers by identity. Function handlers match when
// they wrap the same function.
func sameHandler(a, b EventHandler) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Func, reflect.Pointer:
		return va.Pointer() == vb.Pointer()
	}
	return va.Type().Comparable() && a == b
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		zap.String("event_type", event.Type),
		zap.String("run_id", event.RunID),
		zap.Error(err),
	)
}
