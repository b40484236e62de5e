package dataflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/tool-orchestrator/types"
)

// TransformFunc converts a payload from one data kind to another.
type TransformFunc func(payload any) (any, error)

type kindPair struct {
	from types.DataKind
	to   types.DataKind
}

// Transformer holds payload conversions keyed by (source kind, target kind).
// Keys of parameterised kinds (note path, event id, ...) do not take part in
// the lookup.
type Transformer struct {
	mu    sync.RWMutex
	funcs map[kindPair]TransformFunc
}

// NewTransformer returns a Transformer with the built-in conversions installed.
func NewTransformer() *Transformer {
	t := &Transformer{funcs: make(map[kindPair]TransformFunc)}
	t.Register(types.KindTextContent, types.KindJSONData, textToJSON)
	t.Register(types.KindJSONData, types.KindTextContent, jsonToText)
	t.Register(types.KindMarkdownNote, types.KindTextContent, markdownToText)
	return t
}

// Register installs fn for from→to, replacing any previous conversion.
func (t *Transformer) Register(from, to types.DataKind, fn TransformFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[kindPair{from: from, to: to}] = fn
}

// Transform converts packet to target. An identical type returns the packet
// unchanged; otherwise a new packet with a fresh id and timestamp is built.
func (t *Transformer) Transform(packet types.DataPacket, target types.DataType) (types.DataPacket, error) {
	if packet.DataType == target {
		return packet, nil
	}

	t.mu.RLock()
	fn, ok := t.funcs[kindPair{from: packet.DataType.Kind, to: target.Kind}]
	t.mu.RUnlock()
	if !ok {
		return types.DataPacket{}, fmt.Errorf("%w: %s -> %s", ErrTransformerMissing, packet.DataType, target)
	}

	payload, err := fn(packet.Payload)
	if err != nil {
		return types.DataPacket{}, fmt.Errorf("transform %s -> %s: %w", packet.DataType, target, err)
	}

	out := packet
	out.ID = uuid.NewString()
	out.DataType = target
	out.Payload = payload
	out.Timestamp = time.Now().UTC()
	out.Metadata = copyMetadata(packet.Metadata)
	return out, nil
}

// Count returns the number of installed conversions.
func (t *Transformer) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.funcs)
}

func textToJSON(payload any) (any, error) {
	if text, ok := payload.(string); ok {
		return map[string]any{"text": text, "type": "text_content"}, nil
	}
	return map[string]any{"data": payload, "type": "generic"}, nil
}

func jsonToText(payload any) (any, error) {
	if text, ok := stringField(payload, "text"); ok {
		return text, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func markdownToText(payload any) (any, error) {
	content, _ := stringField(payload, "content")
	return content, nil
}

func stringField(payload any, key string) (string, bool) {
	switch m := payload.(type) {
	case map[string]any:
		s, ok := m[key].(string)
		return s, ok
	case map[string]string:
		s, ok := m[key]
		return s, ok
	}
	return "", false
}

func copyMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
