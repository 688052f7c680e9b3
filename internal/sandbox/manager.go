package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Identity is the write-once identity of one running executor instance.
type Identity struct {
	ServiceID string    `json:"service_id"`
	Level     Level     `json:"-"`
	LevelName string    `json:"security_level"`
	CreatedAt time.Time `json:"created_at"`
}

// Sandbox is the least-privilege handle an executor runs behind. Level and
// capabilities are fixed at creation; storage and bus operations consult
// them on every call.
type Sandbox struct {
	identity Identity
	caps     *CapabilitySet
	storage  *StorageHandle
	bus      *BusHandle
}

// Identity returns a copy of the sandbox identity.
func (s *Sandbox) Identity() Identity { return s.identity }

// Capabilities returns the effective capability set.
func (s *Sandbox) Capabilities() *CapabilitySet { return s.caps }

// Storage returns the quota-charged namespaced storage handle.
func (s *Sandbox) Storage() *StorageHandle { return s.storage }

// Bus returns the origin-stamped bus handle.
func (s *Sandbox) Bus() *BusHandle { return s.bus }

// CreateRequest describes the sandbox an executor should run in.
type CreateRequest struct {
	ServiceID  string
	Level      Level
	Requested  []Capability
	Required   []Capability // subset of Requested the executor cannot run without
	QuotaBytes int64
	Namespaces []string // extra storage namespaces beyond the sandbox's own
}

// PeerInfo describes how a caller's identity was established.
type PeerInfo struct {
	ServiceID string
	Verified  bool   // true only for a cryptographically verified channel
	Mechanism string // "mtls", "header", ...
}

// Config holds manager-level settings.
type Config struct {
	Limits      ResourceLimits // defaults for sandboxes that do not override
	StrictPeers bool           // reject unverified peer identities
}

// Manager creates and tracks sandboxes. The registry lock is separate from
// each sandbox's quota state so capability checks stay cheap.
type Manager struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox

	storage Backend
	bus     BusBackend

	limits      ResourceLimits
	strictPeers bool
}

// NewManager creates a sandbox manager over the given storage and bus
// backends. Nil backends default to in-memory implementations.
func NewManager(cfg Config, storage Backend, bus BusBackend) *Manager {
	if storage == nil {
		storage = NewMemoryBackend()
	}
	if bus == nil {
		bus = NewMemoryBus()
	}

	return &Manager{
		sandboxes:   make(map[string]*Sandbox),
		storage:     storage,
		bus:         bus,
		limits:      cfg.Limits.withDefaults(DefaultLimits()),
		strictPeers: cfg.StrictPeers,
	}
}

// CreateSandbox builds a sandbox whose effective capabilities are the
// intersection of the request and the security level's ceiling. If a
// required capability does not survive the intersection, nothing is
// registered and a CapabilityError is returned.
func (m *Manager) CreateSandbox(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	if req.ServiceID == "" {
		return nil, fmt.Errorf("%w: service id required", ErrInvalidRequest)
	}

	caps := Intersect(req.Level, req.Requested)
	for _, required := range req.Required {
		if !caps.Has(required) {
			return nil, &CapabilityError{ServiceID: req.ServiceID, Capability: required}
		}
	}

	limits := m.limits
	if req.QuotaBytes > 0 {
		limits.QuotaBytes = req.QuotaBytes
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	namespaces := make(map[string]struct{}, len(req.Namespaces)+1)
	own := sanitizeNamespace(req.ServiceID)
	namespaces[own] = struct{}{}
	for _, ns := range req.Namespaces {
		namespaces[sanitizeNamespace(ns)] = struct{}{}
	}

	sb := &Sandbox{
		identity: Identity{
			ServiceID: req.ServiceID,
			Level:     req.Level,
			LevelName: req.Level.String(),
			CreatedAt: time.Now().UTC(),
		},
		caps: caps,
	}
	sb.storage = &StorageHandle{
		serviceID: req.ServiceID,
		namespace: own,
		allowed:   namespaces,
		caps:      caps,
		backend:   m.storage,
		limits:    limits,
	}
	sb.bus = &BusHandle{
		serviceID: req.ServiceID,
		caps:      caps,
		backend:   m.bus,
	}

	m.mu.Lock()
	if _, exists := m.sandboxes[req.ServiceID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSandboxExists, req.ServiceID)
	}
	m.sandboxes[req.ServiceID] = sb
	m.mu.Unlock()

	log.Info().
		Str("component", "sandbox").
		Str("service_id", req.ServiceID).
		Str("level", req.Level.String()).
		Int("granted", caps.Len()).
		Int("requested", len(req.Requested)).
		Int64("quota_bytes", limits.QuotaBytes).
		Msg("sandbox created")

	return sb, nil
}

// Get returns a sandbox by service id.
func (m *Manager) Get(serviceID string) (*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, serviceID)
	}
	return sb, nil
}

// Destroy tears down a sandbox. Stored data remains in the backend for
// audit; a recreated sandbox with the same id regains access to it.
func (m *Manager) Destroy(serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sandboxes[serviceID]; !ok {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, serviceID)
	}
	delete(m.sandboxes, serviceID)

	log.Info().
		Str("component", "sandbox").
		Str("service_id", serviceID).
		Msg("sandbox destroyed")
	return nil
}

// List returns the identities of all live sandboxes.
func (m *Manager) List() []Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Identity, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, sb.identity)
	}
	return out
}

// CheckCapability is the fail-closed predicate guarding every sensitive
// operation performed on behalf of a service. Unknown sandboxes fail the
// same way as missing tokens.
func (m *Manager) CheckCapability(serviceID string, cap Capability) error {
	m.mu.RLock()
	sb, ok := m.sandboxes[serviceID]
	m.mu.RUnlock()

	if !ok || !sb.caps.Has(cap) {
		return &CapabilityError{ServiceID: serviceID, Capability: cap}
	}
	return nil
}

// VerifyPeer resolves a caller's service identity. Verified identities
// pass through; unverified ones are accepted only outside strict mode,
// and loudly.
func (m *Manager) VerifyPeer(peer PeerInfo) (string, error) {
	if peer.ServiceID == "" {
		return "", ErrUnverifiedPeer
	}
	if peer.Verified {
		return peer.ServiceID, nil
	}
	if m.strictPeers {
		return "", fmt.Errorf("%w: %s via %s", ErrUnverifiedPeer, peer.ServiceID, peer.Mechanism)
	}

	log.Warn().
		Str("component", "sandbox").
		Str("service_id", peer.ServiceID).
		Str("mechanism", peer.Mechanism).
		Msg("accepting unverified peer identity (non-strict mode)")
	return peer.ServiceID, nil
}

// StrictPeers reports whether unverified peers are rejected.
func (m *Manager) StrictPeers() bool { return m.strictPeers }
