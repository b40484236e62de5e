package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/dataflow"
	"github.com/songzhibin97/tool-orchestrator/registry"
	"github.com/songzhibin97/tool-orchestrator/types"
)

// ErrToolTypeNotFound is returned when no tool is mapped to a tool type. It
// matches registry.ErrToolNotFound under errors.Is.
var ErrToolTypeNotFound = fmt.Errorf("tool type not found: %w", registry.ErrToolNotFound)

// HealthCheckOperation is the operation name that stamps the last health check.
const HealthCheckOperation = "health_check"

// Request is one entry of a batch.
type Request struct {
	ToolType  string `json:"toolType"`
	Operation string `json:"operation"`
	Params    any    `json:"params,omitempty"`
}

// BatchError reports the request that stopped a batch.
type BatchError struct {
	Index   int
	Request Request
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch request %d (%s.%s) failed: %v", e.Index, e.Request.ToolType, e.Request.Operation, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Stats is a snapshot of orchestrator state.
type Stats struct {
	TotalTools       int            `json:"totalTools"`
	ActiveTools      int            `json:"activeTools"`
	Operations       uint64         `json:"operations"`
	FailedOperations uint64         `json:"failedOperations"`
	LastHealthCheck  *time.Time     `json:"lastHealthCheck,omitempty"`
	DataFlow         dataflow.Stats `json:"dataFlow"`
}

// coordination records what the orchestrator has observed.
type coordination struct {
	operations      uint64
	failed          uint64
	lastHealthCheck *time.Time
}

// Orchestrator routes operations to tools by tool type.
type Orchestrator struct {
	mu       sync.RWMutex
	registry *registry.Registry
	bus      *dataflow.Bus
	active   map[string]string // tool type -> tool id
	state    coordination
	logger   *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry uses an existing registry.
func WithRegistry(r *registry.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithDataFlow uses an existing data-flow bus.
func WithDataFlow(b *dataflow.Bus) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.bus = b
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an Orchestrator with an empty registry and bus unless supplied.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		active: make(map[string]string),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = registry.New(registry.WithLogger(o.logger))
	}
	if o.bus == nil {
		o.bus = dataflow.NewBus(dataflow.WithLogger(o.logger))
	}
	return o
}

// Registry returns the underlying registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// DataFlow returns the underlying data-flow bus.
func (o *Orchestrator) DataFlow() *dataflow.Bus { return o.bus }

// RegisterTool registers tool and maps toolType to it. An existing mapping for
// toolType is replaced.
func (o *Orchestrator) RegisterTool(ctx context.Context, tool registry.Tool, toolType string) (string, error) {
	id, err := o.registry.Register(ctx, tool)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	o.active[toolType] = id
	o.mu.Unlock()

	o.logger.Info("tool mapped", zap.String("tool_type", toolType), zap.String("tool_id", id))
	return id, nil
}

// MapToolType points toolType at an already registered tool, so one tool can
// serve several types.
func (o *Orchestrator) MapToolType(toolType, toolID string) error {
	if !o.registry.IsRegistered(toolID) {
		return fmt.Errorf("%w: %s", registry.ErrToolNotFound, toolID)
	}
	o.mu.Lock()
	o.active[toolType] = toolID
	o.mu.Unlock()
	return nil
}

// UnregisterTool removes the tool and every type mapping to it.
func (o *Orchestrator) UnregisterTool(ctx context.Context, toolID string) error {
	if err := o.registry.Unregister(ctx, toolID); err != nil {
		return err
	}
	o.mu.Lock()
	for toolType, id := range o.active {
		if id == toolID {
			delete(o.active, toolType)
		}
	}
	o.mu.Unlock()
	return nil
}

// ToolID resolves a tool type to its tool id.
func (o *Orchestrator) ToolID(toolType string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.active[toolType]
	return id, ok
}

// ActiveTools returns a copy of the type → id mapping.
func (o *Orchestrator) ActiveTools() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.active))
	for k, v := range o.active {
		out[k] = v
	}
	return out
}

// ExecuteCoordinated runs operation on the tool mapped to toolType.
func (o *Orchestrator) ExecuteCoordinated(ctx context.Context, toolType, operation string, params any) (types.ToolResult, error) {
	id, ok := o.ToolID(toolType)
	if !ok {
		return types.ToolResult{}, fmt.Errorf("%w: %s", ErrToolTypeNotFound, toolType)
	}

	result, err := o.registry.ExecuteWithTimeout(ctx, id, operation, params)
	o.record(operation, result, err)
	if err != nil {
		return types.ToolResult{}, err
	}
	return result, nil
}

// ExecuteBatch runs requests in order and stops at the first failure. The
// results gathered before the failure are returned with a *BatchError.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, requests []Request) ([]types.ToolResult, error) {
	results := make([]types.ToolResult, 0, len(requests))
	for i, req := range requests {
		res, err := o.ExecuteCoordinated(ctx, req.ToolType, req.Operation, req.Params)
		if err != nil {
			return results, &BatchError{Index: i, Request: req, Err: err}
		}
		results = append(results, res)
	}
	return results, nil
}

// HealthCheckAll probes every mapped tool, keyed by tool type.
func (o *Orchestrator) HealthCheckAll(ctx context.Context) map[string]types.HealthCheck {
	mapping := o.ActiveTools()
	ids := make([]string, 0, len(mapping))
	for _, id := range mapping {
		ids = append(ids, id)
	}
	byID := o.registry.HealthCheck(ctx, ids...)

	out := make(map[string]types.HealthCheck, len(mapping))
	for toolType, id := range mapping {
		if hc, ok := byID[id]; ok {
			out[toolType] = hc
		}
	}
	now := time.Now().UTC()
	o.mu.Lock()
	o.state.lastHealthCheck = &now
	o.mu.Unlock()
	return out
}

// StatusAll collects status from every mapped tool, keyed by tool type.
func (o *Orchestrator) StatusAll(ctx context.Context) map[string]registry.StatusResult {
	mapping := o.ActiveTools()
	ids := make([]string, 0, len(mapping))
	for _, id := range mapping {
		ids = append(ids, id)
	}
	byID := o.registry.Status(ctx, ids...)

	out := make(map[string]registry.StatusResult, len(mapping))
	for toolType, id := range mapping {
		if st, ok := byID[id]; ok {
			out[toolType] = st
		}
	}
	return out
}

// InitializeAll re-initializes every mapped tool that was shut down, in
// tool-type order, stopping at the first failure.
func (o *Orchestrator) InitializeAll(ctx context.Context) error {
	for _, toolType := range o.sortedTypes() {
		id, ok := o.ToolID(toolType)
		if !ok {
			continue
		}
		if err := o.registry.InitializeTool(ctx, id); err != nil {
			return fmt.Errorf("failed to initialize %s tool: %w", toolType, err)
		}
	}
	return nil
}

// ShutdownAll shuts down every mapped tool and clears the type mapping. Every
// tool gets a shutdown attempt; failures are joined.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	var errs []error
	for _, toolType := range o.sortedTypes() {
		id, ok := o.ToolID(toolType)
		if !ok {
			continue
		}
		if err := o.registry.ShutdownTool(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown %s tool: %w", toolType, err))
		}
	}

	o.mu.Lock()
	o.active = make(map[string]string)
	o.mu.Unlock()
	return errors.Join(errs...)
}

// RegisterDataFlow subscribes toolID to the data-flow bus.
func (o *Orchestrator) RegisterDataFlow(toolID string) <-chan types.DataPacket {
	return o.bus.Register(toolID)
}

// UnregisterDataFlow closes toolID's data-flow queue.
func (o *Orchestrator) UnregisterDataFlow(toolID string) {
	o.bus.Unregister(toolID)
}

// SendData delivers packet to toolID.
func (o *Orchestrator) SendData(ctx context.Context, toolID string, packet types.DataPacket) error {
	return o.bus.SendTo(ctx, toolID, packet)
}

// BroadcastData delivers packet to every subscriber except its source.
func (o *Orchestrator) BroadcastData(ctx context.Context, packet types.DataPacket) error {
	return o.bus.Broadcast(ctx, packet)
}

// SendDataWithTransformation converts packet to target before delivering it.
func (o *Orchestrator) SendDataWithTransformation(ctx context.Context, toolID string, packet types.DataPacket, target types.DataType) error {
	return o.bus.SendWithTransformation(ctx, toolID, packet, target)
}

// Stats returns a snapshot of orchestrator state.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	st := Stats{
		TotalTools:       o.registry.Count(),
		ActiveTools:      len(o.active),
		Operations:       o.state.operations,
		FailedOperations: o.state.failed,
	}
	if o.state.lastHealthCheck != nil {
		t := *o.state.lastHealthCheck
		st.LastHealthCheck = &t
	}
	o.mu.RUnlock()

	st.DataFlow = o.bus.Stats()
	return st
}

func (o *Orchestrator) record(operation string, result types.ToolResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.operations++
	if err != nil || !result.Success {
		o.state.failed++
	}
	if operation == HealthCheckOperation {
		now := time.Now().UTC()
		o.state.lastHealthCheck = &now
	}
}

func (o *Orchestrator) sortedTypes() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.active))
	for t := range o.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
