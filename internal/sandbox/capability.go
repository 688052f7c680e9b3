// Package sandbox implements the capability runtime that wraps every
// service executor: a write-once identity with a security level, a
// capability set intersected against level ceilings, and quota-charged
// storage and bus handles. Every sensitive operation is preceded by a
// fail-closed capability check.
package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is a single named permission token checked before a
// sensitive operation.
type Capability string

const (
	CapStorageRead   Capability = "storage.read"
	CapStorageWrite  Capability = "storage.write"
	CapStorageDelete Capability = "storage.delete"
	CapStorageOther  Capability = "storage.other" // access namespaces beyond the sandbox's own

	CapBusPublish   Capability = "bus.publish"
	CapBusSubscribe Capability = "bus.subscribe"
	CapBusPush      Capability = "bus.push"
	CapBusInvoke    Capability = "bus.invoke"

	CapNetworkOutbound Capability = "network.outbound"
	CapNetworkInbound  Capability = "network.inbound"

	CapCryptoSign      Capability = "crypto.sign"
	CapCryptoEncrypt   Capability = "crypto.encrypt"
	CapCryptoKeygen    Capability = "crypto.keygen"
	CapCryptoMasterKey Capability = "crypto.masterkey"

	CapServiceCall   Capability = "service.call"
	CapServiceManage Capability = "service.manage"

	CapSystemConfig Capability = "system.config"
	CapSystemAdmin  Capability = "system.admin"
)

// Level orders how much a sandbox may be granted. The ordering
// Untrusted < Normal < Privileged < System is the sole tie-break when
// intersecting requested capabilities with level ceilings.
type Level int

const (
	LevelUntrusted Level = iota
	LevelNormal
	LevelPrivileged
	LevelSystem
)

func (l Level) String() string {
	switch l {
	case LevelUntrusted:
		return "untrusted"
	case LevelNormal:
		return "normal"
	case LevelPrivileged:
		return "privileged"
	case LevelSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseLevel converts a config string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "untrusted":
		return LevelUntrusted, nil
	case "normal", "":
		return LevelNormal, nil
	case "privileged":
		return LevelPrivileged, nil
	case "system":
		return LevelSystem, nil
	default:
		return LevelUntrusted, fmt.Errorf("%w: unknown security level %q", ErrInvalidRequest, s)
	}
}

// untrustedAllowed is the fixed minimal grant for untrusted sandboxes,
// regardless of what they request.
var untrustedAllowed = map[Capability]struct{}{
	CapStorageRead:  {},
	CapStorageWrite: {},
	CapBusPublish:   {},
	CapBusSubscribe: {},
}

// levelAllows reports whether a security level's ceiling permits a
// capability at all. Requested capabilities outside the ceiling are
// silently dropped during intersection; required ones fail CreateSandbox.
func levelAllows(level Level, cap Capability) bool {
	switch level {
	case LevelSystem:
		return true
	case LevelPrivileged:
		return cap != CapSystemAdmin && cap != CapCryptoMasterKey
	case LevelNormal:
		switch cap {
		case CapSystemAdmin, CapCryptoMasterKey, CapSystemConfig, CapStorageOther, CapServiceManage:
			return false
		}
		return true
	case LevelUntrusted:
		_, ok := untrustedAllowed[cap]
		return ok
	default:
		return false
	}
}

// CapabilitySet is an immutable set of capability tokens fixed at sandbox
// creation. Absence of a token is the default: lookups on a nil set fail.
type CapabilitySet struct {
	caps map[Capability]struct{}
}

// NewCapabilitySet builds a set from the given tokens.
func NewCapabilitySet(caps ...Capability) *CapabilitySet {
	s := &CapabilitySet{caps: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		s.caps[c] = struct{}{}
	}
	return s
}

// Intersect returns the subset of requested capabilities the level ceiling
// permits.
func Intersect(level Level, requested []Capability) *CapabilitySet {
	s := &CapabilitySet{caps: make(map[Capability]struct{}, len(requested))}
	for _, c := range requested {
		if levelAllows(level, c) {
			s.caps[c] = struct{}{}
		}
	}
	return s
}

// Has reports whether the set contains a capability.
func (s *CapabilitySet) Has(cap Capability) bool {
	if s == nil {
		return false
	}
	_, ok := s.caps[cap]
	return ok
}

// HasAll reports whether every given capability is present.
func (s *CapabilitySet) HasAll(caps ...Capability) bool {
	for _, c := range caps {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// List returns the capabilities in sorted order.
func (s *CapabilitySet) List() []Capability {
	if s == nil {
		return nil
	}
	out := make([]Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of capabilities in the set.
func (s *CapabilitySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.caps)
}
