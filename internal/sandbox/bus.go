package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope is a bus message stamped by the runtime. Origin and Timestamp
// are set by the handle, never by the caller, so downstream consumers can
// attribute origin without trusting the payload.
type Envelope struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	Kind      string    `json:"kind"` // event | data | compute
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// BusBackend delivers envelopes. Publish is fire-and-forget; Request is
// the synchronous compute path.
type BusBackend interface {
	Publish(ctx context.Context, env *Envelope) error
	Request(ctx context.Context, env *Envelope) ([]byte, error)
}

// BusHandle is a sandbox's capability-checked view onto the bus.
type BusHandle struct {
	serviceID string
	caps      *CapabilitySet
	backend   BusBackend
}

// PublishEvent publishes an event envelope. Requires bus.publish.
func (h *BusHandle) PublishEvent(ctx context.Context, topic string, payload []byte) error {
	if !h.caps.Has(CapBusPublish) {
		return &CapabilityError{ServiceID: h.serviceID, Capability: CapBusPublish}
	}
	return h.backend.Publish(ctx, h.stamp("event", topic, payload))
}

// PushData pushes a data envelope. Requires bus.push.
func (h *BusHandle) PushData(ctx context.Context, topic string, payload []byte) error {
	if !h.caps.Has(CapBusPush) {
		return &CapabilityError{ServiceID: h.serviceID, Capability: CapBusPush}
	}
	return h.backend.Publish(ctx, h.stamp("data", topic, payload))
}

// InvokeCompute performs a synchronous compute request over the bus.
// Requires bus.invoke.
func (h *BusHandle) InvokeCompute(ctx context.Context, target string, payload []byte) ([]byte, error) {
	if !h.caps.Has(CapBusInvoke) {
		return nil, &CapabilityError{ServiceID: h.serviceID, Capability: CapBusInvoke}
	}
	return h.backend.Request(ctx, h.stamp("compute", target, payload))
}

func (h *BusHandle) stamp(kind, topic string, payload []byte) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Origin:    h.serviceID,
		Kind:      kind,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// MemoryBus is the in-process BusBackend used in tests and dev mode. It
// retains a bounded history per topic and dispatches compute requests to
// registered responders.
type MemoryBus struct {
	mu         sync.RWMutex
	history    map[string][]*Envelope
	maxHistory int
	responders map[string]func(ctx context.Context, env *Envelope) ([]byte, error)
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		history:    make(map[string][]*Envelope),
		maxHistory: 256,
		responders: make(map[string]func(ctx context.Context, env *Envelope) ([]byte, error)),
	}
}

func (b *MemoryBus) Publish(_ context.Context, env *Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := append(b.history[env.Topic], env)
	if len(entries) > b.maxHistory {
		entries = entries[len(entries)-b.maxHistory:]
	}
	b.history[env.Topic] = entries
	return nil
}

func (b *MemoryBus) Request(ctx context.Context, env *Envelope) ([]byte, error) {
	b.mu.RLock()
	responder, ok := b.responders[env.Topic]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no responder registered for %q", env.Topic)
	}
	return responder(ctx, env)
}

// RegisterResponder installs the compute responder for a target.
func (b *MemoryBus) RegisterResponder(target string, fn func(ctx context.Context, env *Envelope) ([]byte, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[target] = fn
}

// History returns the retained envelopes for a topic, oldest first.
func (b *MemoryBus) History(topic string) []*Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Envelope, len(b.history[topic]))
	copy(out, b.history[topic])
	return out
}
