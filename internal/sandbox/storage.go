package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend is the raw namespaced byte store under the quota layer.
// Implementations must be safe for concurrent use.
type Backend interface {
	Get(namespace, key string) ([]byte, bool)
	Set(namespace, key string, value []byte)
	Delete(namespace, key string)
	List(namespace, prefix string) []string
	Size(namespace string) int64
}

// StorageHandle is a sandbox's capability-checked, quota-charged view onto
// the backend. Keys live in the sandbox's own namespace unless the handle
// was re-scoped with Namespace.
type StorageHandle struct {
	serviceID string
	namespace string
	allowed   map[string]struct{}
	caps      *CapabilitySet
	backend   Backend
	limits    ResourceLimits
}

// Set writes a value. All limit projections are computed before the write:
// a rejected Set leaves the store untouched.
func (h *StorageHandle) Set(key string, value []byte) error {
	if err := h.check(CapStorageWrite); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if int64(len(value)) > h.limits.MaxValueBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrValueTooLarge, len(value), h.limits.MaxValueBytes)
	}
	existing, exists := h.backend.Get(h.namespace, key)
	if !exists {
		if keys := h.backend.List(h.namespace, ""); len(keys) >= h.limits.MaxKeys {
			return fmt.Errorf("%w: namespace %s holds %d keys (max %d)",
				ErrQuotaExceeded, h.namespace, len(keys), h.limits.MaxKeys)
		}
	}

	// An overwrite releases the old value, so charge only the delta.
	used := h.usedBytes()
	if exists {
		used -= int64(len(existing))
	}
	if used+int64(len(value)) > h.limits.QuotaBytes {
		return &QuotaError{
			ServiceID: h.serviceID,
			Used:      used,
			Requested: int64(len(value)),
			Max:       h.limits.QuotaBytes,
		}
	}

	h.backend.Set(h.namespace, key, value)
	return nil
}

// Get reads a value.
func (h *StorageHandle) Get(key string) ([]byte, bool, error) {
	if err := h.check(CapStorageRead); err != nil {
		return nil, false, err
	}
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	value, ok := h.backend.Get(h.namespace, key)
	return value, ok, nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (h *StorageHandle) Delete(key string) error {
	if err := h.check(CapStorageDelete); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	h.backend.Delete(h.namespace, key)
	return nil
}

// List returns the keys under prefix in sorted order.
func (h *StorageHandle) List(prefix string) ([]string, error) {
	if err := h.check(CapStorageRead); err != nil {
		return nil, err
	}
	keys := h.backend.List(h.namespace, prefix)
	sort.Strings(keys)
	return keys, nil
}

// Namespace re-scopes the handle onto another allowed namespace. Accessing
// a namespace other than the sandbox's own requires storage.other.
func (h *StorageHandle) Namespace(ns string) (*StorageHandle, error) {
	ns = sanitizeNamespace(ns)
	if _, ok := h.allowed[ns]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceDenied, ns)
	}
	if ns != sanitizeNamespace(h.serviceID) {
		if err := h.check(CapStorageOther); err != nil {
			return nil, err
		}
	}

	scoped := *h
	scoped.namespace = ns
	return &scoped, nil
}

// Quota returns (used, max) in bytes. Usage counts every allowed namespace
// so a sandbox cannot dodge its quota by spreading writes.
func (h *StorageHandle) Quota() (int64, int64) {
	return h.usedBytes(), h.limits.QuotaBytes
}

func (h *StorageHandle) usedBytes() int64 {
	var used int64
	for ns := range h.allowed {
		used += h.backend.Size(ns)
	}
	return used
}

func (h *StorageHandle) check(cap Capability) error {
	if !h.caps.Has(cap) {
		return &CapabilityError{ServiceID: h.serviceID, Capability: cap}
	}
	return nil
}

func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: %q contains path traversal", ErrInvalidKey, key)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: %q has absolute prefix", ErrInvalidKey, key)
	case strings.Contains(key, "::"):
		return fmt.Errorf("%w: %q contains namespace separator", ErrInvalidKey, key)
	}
	return nil
}

// sanitizeNamespace normalizes a namespace the same way regardless of the
// caller's spelling so quota accounting and isolation line up.
func sanitizeNamespace(ns string) string {
	ns = strings.ToLower(strings.TrimSpace(ns))
	replacer := strings.NewReplacer(".", "_", "/", "_", "-", "_")
	return replacer.Replace(ns)
}

// MemoryBackend is the in-process Backend used in tests and dev mode.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string][]byte)}
}

func (b *MemoryBackend) Get(namespace, key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ns, ok := b.data[namespace]
	if !ok {
		return nil, false
	}
	value, ok := ns[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

func (b *MemoryBackend) Set(namespace, key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		b.data[namespace] = ns
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	ns[key] = stored
}

func (b *MemoryBackend) Delete(namespace, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ns, ok := b.data[namespace]; ok {
		delete(ns, key)
	}
}

func (b *MemoryBackend) List(namespace, prefix string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ns, ok := b.data[namespace]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (b *MemoryBackend) Size(namespace string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var size int64
	for _, value := range b.data[namespace] {
		size += int64(len(value))
	}
	return size
}
