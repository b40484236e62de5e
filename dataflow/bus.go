package dataflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/songzhibin97/tool-orchestrator/types"
)

// Standard error definitions
var (
	ErrPacketValidation   = errors.New("packet validation failed")
	ErrToolNotRegistered  = errors.New("tool not registered for data flow")
	ErrTransformerMissing = errors.New("no transformer for data types")
	ErrInvalidSchema      = errors.New("invalid payload schema")
)

// Stats summarises the bus.
type Stats struct {
	RegisteredTools   int  `json:"registeredTools"`
	ValidationEnabled bool `json:"validationEnabled"`
	TransformerCount  int  `json:"transformerCount"`
	SchemaCount       int  `json:"schemaCount"`
	QueuedPackets     int  `json:"queuedPackets"`
}

// Bus delivers typed packets to per-tool queues. Queues are unbounded, so a
// slow consumer grows memory rather than blocking senders.
type Bus struct {
	mu          sync.RWMutex
	queues      map[string]*queue
	order       []string
	schemas     map[types.DataKind]*jsonschema.Schema
	transformer *Transformer
	validation  bool
	logger      *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithValidation toggles packet validation. Enabled by default.
func WithValidation(enabled bool) Option {
	return func(b *Bus) {
		b.validation = enabled
	}
}

// WithTransformer replaces the default transformer.
func WithTransformer(t *Transformer) Option {
	return func(b *Bus) {
		if t != nil {
			b.transformer = t
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a Bus with the built-in transformer and validation enabled.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		queues:      make(map[string]*queue),
		schemas:     make(map[types.DataKind]*jsonschema.Schema),
		transformer: NewTransformer(),
		validation:  true,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates a receive queue for toolID. Registering an id again
// replaces its queue and closes the old one.
func (b *Bus) Register(toolID string) <-chan types.DataPacket {
	q := newQueue()

	b.mu.Lock()
	old, exists := b.queues[toolID]
	b.queues[toolID] = q
	if !exists {
		b.order = append(b.order, toolID)
	}
	b.mu.Unlock()

	if exists {
		old.close()
	}
	return q.out
}

// Unregister stops accepting packets for toolID. Packets already accepted are
// still delivered before the channel closes. Unknown ids are ignored.
func (b *Bus) Unregister(toolID string) {
	b.mu.Lock()
	q, ok := b.queues[toolID]
	if ok {
		delete(b.queues, toolID)
		for i, id := range b.order {
			if id == toolID {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	if ok {
		q.close()
	}
}

// SendTo validates packet and enqueues it for toolID.
func (b *Bus) SendTo(ctx context.Context, toolID string, packet types.DataPacket) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := b.validate(packet); err != nil {
		return err
	}

	b.mu.RLock()
	q, ok := b.queues[toolID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotRegistered, toolID)
	}

	if err := q.push(packet); err != nil {
		return fmt.Errorf("failed to send packet to %s: %w", toolID, err)
	}
	return nil
}

// Broadcast validates packet and enqueues it for every registered tool except
// its source, in registration order. A failed delivery is logged and skipped.
func (b *Bus) Broadcast(ctx context.Context, packet types.DataPacket) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := b.validate(packet); err != nil {
		return err
	}

	b.mu.RLock()
	targets := make([]string, 0, len(b.order))
	queues := make([]*queue, 0, len(b.order))
	for _, id := range b.order {
		if id == packet.SourceTool {
			continue
		}
		targets = append(targets, id)
		queues = append(queues, b.queues[id])
	}
	b.mu.RUnlock()

	for i, q := range queues {
		if err := q.push(packet); err != nil {
			b.logger.Warn("broadcast delivery failed",
				zap.String("tool_id", targets[i]),
				zap.String("packet_id", packet.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// SendWithTransformation converts packet to target and sends it to toolID.
func (b *Bus) SendWithTransformation(ctx context.Context, toolID string, packet types.DataPacket, target types.DataType) error {
	transformed, err := b.transformer.Transform(packet, target)
	if err != nil {
		return err
	}
	return b.SendTo(ctx, toolID, transformed)
}

// Transformer returns the bus transformer so callers can install conversions.
func (b *Bus) Transformer() *Transformer {
	return b.transformer
}

// RegisterSchema attaches a JSON Schema that payloads of kind must satisfy.
// schema may be a JSON string, raw bytes, or any JSON-marshalable value.
func (b *Bus) RegisterSchema(kind types.DataKind, schema any) error {
	var raw []byte
	switch s := schema.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		var err error
		raw, err = json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
		}
	}

	var schemaObj any
	if err := json.Unmarshal(raw, &schemaObj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	url := string(kind) + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, schemaObj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	b.mu.Lock()
	b.schemas[kind] = compiled
	b.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the bus.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	queued := 0
	for _, q := range b.queues {
		queued += q.pending()
	}
	return Stats{
		RegisteredTools:   len(b.queues),
		ValidationEnabled: b.validation,
		TransformerCount:  b.transformer.Count(),
		SchemaCount:       len(b.schemas),
		QueuedPackets:     queued,
	}
}

// IsRegistered reports whether toolID has a queue.
func (b *Bus) IsRegistered(toolID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[toolID]
	return ok
}

// Close closes every queue.
func (b *Bus) Close() {
	b.mu.Lock()
	queues := b.queues
	b.queues = make(map[string]*queue)
	b.order = nil
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
}

func (b *Bus) validate(packet types.DataPacket) error {
	if !b.validation {
		return nil
	}
	if packet.ID == "" {
		return fmt.Errorf("%w: packet id cannot be empty", ErrPacketValidation)
	}
	if packet.SourceTool == "" {
		return fmt.Errorf("%w: source tool cannot be empty", ErrPacketValidation)
	}

	switch packet.DataType.Kind {
	case types.KindMarkdownNote:
		if packet.DataType.Key == "" {
			return fmt.Errorf("%w: markdown note path cannot be empty", ErrPacketValidation)
		}
	case types.KindCalendarEvent:
		if packet.DataType.Key == "" {
			return fmt.Errorf("%w: calendar event id cannot be empty", ErrPacketValidation)
		}
	case types.KindIssue:
		if packet.DataType.Key == "" {
			return fmt.Errorf("%w: issue key cannot be empty", ErrPacketValidation)
		}
	}

	b.mu.RLock()
	schema, ok := b.schemas[packet.DataType.Kind]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	// Normalise Go values (ints, structs) into the JSON model the validator expects.
	raw, err := json.Marshal(packet.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload is not JSON: %v", ErrPacketValidation, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: payload is not JSON: %v", ErrPacketValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrPacketValidation, err)
	}
	return nil
}
