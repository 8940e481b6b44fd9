package eventing

import (
	"encoding/json"
	"fmt"
	"sync"

	"fleet-dispatch/internal/eventing/eventbus"
)

// Codec turns stored envelope payloads back into the concrete domain events
// the bus handlers expect. Every event type that flows through the outbox is
// registered once at startup; an envelope carrying an unregistered type is a
// wiring bug and fails dispatch into the DLQ.
type Codec struct {
	mu       sync.RWMutex
	decoders map[string]func(json.RawMessage) (any, error)
}

// NewCodec constructs an empty codec.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]func(json.RawMessage) (any, error))}
}

// RegisterEvent registers T under its bus type name. Events are delivered to
// handlers by value, matching what publishers put on the bus.
func RegisterEvent[T any](c *Codec) {
	if c == nil {
		return
	}
	name := eventbus.EventTypeOf[T]()
	c.mu.Lock()
	c.decoders[name] = func(raw json.RawMessage) (any, error) {
		var event T
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, err
		}
		return event, nil
	}
	c.mu.Unlock()
}

// Decode reconstructs the domain event carried by an envelope.
func (c *Codec) Decode(env Envelope) (any, error) {
	if c == nil {
		return nil, fmt.Errorf("eventing: nil codec")
	}
	c.mu.RLock()
	decode := c.decoders[env.EventType]
	c.mu.RUnlock()
	if decode == nil {
		return nil, fmt.Errorf("eventing: no decoder registered for %q", env.EventType)
	}
	return decode(env.Payload)
}
