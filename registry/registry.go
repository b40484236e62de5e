package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/types"
)

// Standard error definitions
var (
	ErrToolNotFound          = errors.New("tool not found")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrToolNotReady          = errors.New("tool is shut down")
	ErrOperationTimeout      = errors.New("tool operation timed out")
	ErrInvalidTool           = errors.New("tool must be non-nil and have an id")
)

type lifecycle int

const (
	stateReady lifecycle = iota
	stateStopped
)

type entry struct {
	tool     Tool
	metadata types.ToolMetadata
	state    lifecycle
}

// ToolInfo pairs a registered tool id with its metadata.
type ToolInfo struct {
	ID       string             `json:"id"`
	Metadata types.ToolMetadata `json:"metadata"`
}

// StatusResult is one tool's answer to a status probe.
type StatusResult struct {
	Status any    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Registry owns every registered tool. Callers reach tools only through the
// registry's wrappers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // preserves registration order
	logger  *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register initializes tool and stores it. A failed Initialize aborts the
// registration.
func (r *Registry) Register(ctx context.Context, tool Tool) (string, error) {
	if tool == nil || tool.ID() == "" {
		return "", ErrInvalidTool
	}
	id := tool.ID()

	if r.IsRegistered(id) {
		return "", fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, id)
	}

	if err := tool.Initialize(ctx); err != nil {
		return "", fmt.Errorf("failed to initialize tool %s: %w", id, err)
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		// Lost a registration race; release what we just initialized.
		if err := tool.Shutdown(ctx); err != nil {
			r.logger.Warn("shutdown after duplicate registration failed", zap.String("tool_id", id), zap.Error(err))
		}
		return "", fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, id)
	}
	r.entries[id] = &entry{tool: tool, metadata: tool.Metadata(), state: stateReady}
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.logger.Info("tool registered", zap.String("tool_id", id), zap.String("name", tool.Metadata().Name))
	return id, nil
}

// Unregister shuts the tool down and removes it. The tool stays registered if
// Shutdown fails.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}

	if e.state == stateReady {
		if err := e.tool.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tool %s: %w", id, err)
		}
	}

	r.mu.Lock()
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Info("tool unregistered", zap.String("tool_id", id))
	return nil
}

// InitializeTool re-runs Initialize on a tool that was shut down. It is a
// no-op for a tool that is already ready.
func (r *Registry) InitializeTool(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if e.state == stateReady {
		return nil
	}
	if err := e.tool.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize tool %s: %w", id, err)
	}
	r.setState(id, stateReady)
	return nil
}

// ShutdownTool runs Shutdown on a ready tool without removing it.
func (r *Registry) ShutdownTool(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if e.state == stateStopped {
		return nil
	}
	if err := e.tool.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tool %s: %w", id, err)
	}
	r.setState(id, stateStopped)
	return nil
}

// ExecuteWithTimeout runs operation on the tool under the tool's configured
// per-operation deadline. Exceeding it yields ErrOperationTimeout; the call
// is abandoned, not awaited.
func (r *Registry) ExecuteWithTimeout(ctx context.Context, id, operation string, params any) (types.ToolResult, error) {
	e, err := r.lookup(id)
	if err != nil {
		return types.ToolResult{}, err
	}
	if e.state != stateReady {
		return types.ToolResult{}, fmt.Errorf("%w: %s", ErrToolNotReady, id)
	}

	timeout := e.metadata.Timeout()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result types.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked during %s: %v", id, operation, rec)}
			}
		}()
		res, err := e.tool.Execute(callCtx, operation, params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return types.ToolResult{}, fmt.Errorf("tool %s operation %s: %w", id, operation, out.err)
		}
		return out.result, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return types.ToolResult{}, ctx.Err()
		}
		r.logger.Warn("tool operation timed out",
			zap.String("tool_id", id),
			zap.String("operation", operation),
			zap.Duration("timeout", timeout),
		)
		return types.ToolResult{}, fmt.Errorf("%w: tool %s operation %s after %dms", ErrOperationTimeout, id, operation, e.metadata.TimeoutMs)
	}
}

// HealthCheckAll probes every registered tool concurrently. A probe that
// panics or outlives the tool's timeout is reported as Unhealthy.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]types.HealthCheck {
	return r.HealthCheck(ctx, r.IDs()...)
}

// HealthCheck probes the given tools concurrently. Unknown ids are skipped.
func (r *Registry) HealthCheck(ctx context.Context, ids ...string) map[string]types.HealthCheck {
	results := make(map[string]types.HealthCheck, len(ids))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		e, err := r.lookup(id)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(id string, e *entry) {
			defer wg.Done()
			check := r.probeHealth(ctx, id, e)
			mu.Lock()
			results[id] = check
			mu.Unlock()
		}(id, e)
	}
	wg.Wait()
	return results
}

func (r *Registry) probeHealth(ctx context.Context, id string, e *entry) (check types.HealthCheck) {
	probeCtx, cancel := context.WithTimeout(ctx, e.metadata.Timeout())
	defer cancel()

	done := make(chan types.HealthCheck, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- types.Unhealthy(fmt.Sprintf("health check panicked: %v", rec))
			}
		}()
		start := time.Now()
		hc := e.tool.HealthCheck(probeCtx)
		if hc.ResponseTimeMs == nil && hc.Status != types.HealthUnhealthy {
			hc.ResponseTimeMs = types.Millis(uint64(time.Since(start).Milliseconds()))
		}
		done <- hc
	}()

	select {
	case hc := <-done:
		return hc
	case <-probeCtx.Done():
		r.logger.Warn("health check timed out", zap.String("tool_id", id))
		return types.Unhealthy(fmt.Sprintf("health check timed out after %dms", e.metadata.TimeoutMs))
	}
}

// StatusAll collects a status snapshot from every registered tool.
func (r *Registry) StatusAll(ctx context.Context) map[string]StatusResult {
	return r.Status(ctx, r.IDs()...)
}

// Status collects status snapshots from the given tools concurrently.
func (r *Registry) Status(ctx context.Context, ids ...string) map[string]StatusResult {
	results := make(map[string]StatusResult, len(ids))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		e, err := r.lookup(id)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(id string, e *entry) {
			defer wg.Done()
			res := r.probeStatus(ctx, id, e)
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(id, e)
	}
	wg.Wait()
	return results
}

// probeStatus bounds a status call by the tool's timeout, like probeHealth.
func (r *Registry) probeStatus(ctx context.Context, id string, e *entry) StatusResult {
	probeCtx, cancel := context.WithTimeout(ctx, e.metadata.Timeout())
	defer cancel()

	done := make(chan StatusResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- StatusResult{Error: fmt.Sprintf("status panicked: %v", rec)}
			}
		}()
		st, err := e.tool.Status(probeCtx)
		if err != nil {
			done <- StatusResult{Error: err.Error()}
			return
		}
		done <- StatusResult{Status: st}
	}()

	select {
	case res := <-done:
		return res
	case <-probeCtx.Done():
		r.logger.Warn("status timed out", zap.String("tool_id", id))
		return StatusResult{Error: fmt.Sprintf("status timed out after %dms", e.metadata.TimeoutMs)}
	}
}

// DiscoverByCapability returns ids of tools advertising tag, in registration order.
func (r *Registry) DiscoverByCapability(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, id := range r.order {
		if r.entries[id].metadata.HasCapability(tag) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ListTools returns every registered tool with its metadata.
func (r *Registry) ListTools() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, ToolInfo{ID: id, Metadata: r.entries[id].metadata})
	}
	return out
}

// IDs returns registered tool ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Metadata returns the stored metadata for id.
func (r *Registry) Metadata(id string) (types.ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return types.ToolMetadata{}, false
	}
	return e.metadata, true
}

// IsRegistered checks if a tool id is registered.
func (r *Registry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (r *Registry) setState(id string, s lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.state = s
	}
}
