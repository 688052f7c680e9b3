package sandbox

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func newStorageSandbox(t *testing.T, quota int64, caps ...Capability) *Sandbox {
	t.Helper()
	m := NewManager(Config{}, nil, nil)
	sb, err := m.CreateSandbox(context.Background(), CreateRequest{
		ServiceID:  "svc-store",
		Level:      LevelPrivileged,
		Requested:  caps,
		QuotaBytes: quota,
		Namespaces: []string{"shared"},
	})
	if err != nil {
		t.Fatalf("CreateSandbox() error = %v", err)
	}
	return sb
}

func TestStorage_SetGetDeleteList(t *testing.T) {
	sb := newStorageSandbox(t, 1024, CapStorageRead, CapStorageWrite, CapStorageDelete)
	h := sb.Storage()

	if err := h.Set("feeds/btc", []byte("42000")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := h.Set("feeds/eth", []byte("3100")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	value, ok, err := h.Get("feeds/btc")
	if err != nil || !ok {
		t.Fatalf("Get() = ok=%v err=%v, want value", ok, err)
	}
	if !bytes.Equal(value, []byte("42000")) {
		t.Errorf("Get() = %q, want 42000", value)
	}

	keys, err := h.List("feeds/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "feeds/btc" {
		t.Errorf("List() = %v, want sorted [feeds/btc feeds/eth]", keys)
	}

	if err := h.Delete("feeds/btc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := h.Get("feeds/btc"); ok {
		t.Error("Get() found deleted key")
	}
}

func TestStorage_QuotaNoPartialWrite(t *testing.T) {
	// Quota is one byte short of the attempted write.
	sb := newStorageSandbox(t, 9, CapStorageRead, CapStorageWrite)
	h := sb.Storage()

	err := h.Set("k", bytes.Repeat([]byte{'x'}, 10))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Set() error = %v, want ErrQuotaExceeded", err)
	}

	var quotaErr *QuotaError
	if !errors.As(err, &quotaErr) {
		t.Fatal("error is not a *QuotaError")
	}
	if quotaErr.Requested != 10 || quotaErr.Max != 9 {
		t.Errorf("QuotaError = requested %d max %d, want 10/9", quotaErr.Requested, quotaErr.Max)
	}

	// The failed write must not be applied, and usage must stay at zero.
	if _, ok, _ := h.Get("k"); ok {
		t.Error("rejected write was partially applied")
	}
	if used, _ := h.Quota(); used != 0 {
		t.Errorf("used bytes after rejected write = %d, want 0", used)
	}

	// A write that fits still goes through afterwards.
	if err := h.Set("k", bytes.Repeat([]byte{'x'}, 9)); err != nil {
		t.Fatalf("Set(fitting) error = %v", err)
	}
	if used, max := h.Quota(); used != 9 || max != 9 {
		t.Errorf("Quota() = %d/%d, want 9/9", used, max)
	}
}

func TestStorage_OverwriteChargesDelta(t *testing.T) {
	sb := newStorageSandbox(t, 10, CapStorageRead, CapStorageWrite)
	h := sb.Storage()

	if err := h.Set("k", bytes.Repeat([]byte{'a'}, 8)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// Overwriting releases the old 8 bytes, so a same-size write fits.
	if err := h.Set("k", bytes.Repeat([]byte{'b'}, 8)); err != nil {
		t.Fatalf("overwrite Set() error = %v", err)
	}
	if used, _ := h.Quota(); used != 8 {
		t.Errorf("used after overwrite = %d, want 8", used)
	}
}

func TestStorage_ValueSizeLimit(t *testing.T) {
	m := NewManager(Config{Limits: ResourceLimits{QuotaBytes: 1 << 20, MaxValueBytes: 4}}, nil, nil)
	sb, err := m.CreateSandbox(context.Background(), CreateRequest{
		ServiceID: "svc-fat",
		Level:     LevelNormal,
		Requested: []Capability{CapStorageWrite},
	})
	if err != nil {
		t.Fatalf("CreateSandbox() error = %v", err)
	}

	if err := sb.Storage().Set("k", []byte("12345")); !errors.Is(err, ErrValueTooLarge) {
		t.Errorf("Set(oversized) error = %v, want ErrValueTooLarge", err)
	}
	if err := sb.Storage().Set("k", []byte("1234")); err != nil {
		t.Errorf("Set(at limit) error = %v, want nil", err)
	}
}

func TestStorage_KeyCountLimit(t *testing.T) {
	m := NewManager(Config{Limits: ResourceLimits{QuotaBytes: 1 << 20, MaxKeys: 2}}, nil, nil)
	sb, err := m.CreateSandbox(context.Background(), CreateRequest{
		ServiceID: "svc-many",
		Level:     LevelNormal,
		Requested: []Capability{CapStorageWrite},
	})
	if err != nil {
		t.Fatalf("CreateSandbox() error = %v", err)
	}
	h := sb.Storage()

	if err := h.Set("a", []byte("1")); err != nil {
		t.Fatalf("Set(a) error = %v", err)
	}
	if err := h.Set("b", []byte("2")); err != nil {
		t.Fatalf("Set(b) error = %v", err)
	}
	if err := h.Set("c", []byte("3")); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Set(third key) error = %v, want ErrQuotaExceeded", err)
	}
	// Overwriting an existing key is not a new key.
	if err := h.Set("b", []byte("2b")); err != nil {
		t.Errorf("overwrite Set(b) error = %v, want nil", err)
	}
}

func TestStorage_CapabilityGates(t *testing.T) {
	sb := newStorageSandbox(t, 1024, CapStorageRead)
	h := sb.Storage()

	if err := h.Set("k", []byte("v")); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Set() without storage.write error = %v, want ErrPermissionDenied", err)
	}
	if err := h.Delete("k"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Delete() without storage.delete error = %v, want ErrPermissionDenied", err)
	}
	if _, _, err := h.Get("k"); err != nil {
		t.Errorf("Get() with storage.read error = %v, want nil", err)
	}
}

func TestStorage_KeyValidation(t *testing.T) {
	sb := newStorageSandbox(t, 1024, CapStorageRead, CapStorageWrite)
	h := sb.Storage()

	tests := []string{"", "a/../b", "/abs", "ns::key"}
	for _, key := range tests {
		t.Run("key="+key, func(t *testing.T) {
			if err := h.Set(key, []byte("v")); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Set(%q) error = %v, want ErrInvalidKey", key, err)
			}
		})
	}
}

func TestStorage_Namespaces(t *testing.T) {
	sb := newStorageSandbox(t, 1024, CapStorageRead, CapStorageWrite, CapStorageOther)
	h := sb.Storage()

	shared, err := h.Namespace("shared")
	if err != nil {
		t.Fatalf("Namespace(shared) error = %v", err)
	}
	if err := shared.Set("k", []byte("cross")); err != nil {
		t.Fatalf("shared Set() error = %v", err)
	}

	// Both namespaces charge the same quota.
	if err := h.Set("own", []byte("local")); err != nil {
		t.Fatalf("own Set() error = %v", err)
	}
	used, _ := h.Quota()
	if used != int64(len("cross")+len("local")) {
		t.Errorf("used = %d, want %d", used, len("cross")+len("local"))
	}

	if _, err := h.Namespace("forbidden"); !errors.Is(err, ErrNamespaceDenied) {
		t.Errorf("Namespace(forbidden) error = %v, want ErrNamespaceDenied", err)
	}
}

func TestStorage_NamespaceRequiresOtherCapability(t *testing.T) {
	sb := newStorageSandbox(t, 1024, CapStorageRead, CapStorageWrite)
	h := sb.Storage()

	if _, err := h.Namespace("shared"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Namespace(shared) without storage.other error = %v, want ErrPermissionDenied", err)
	}

	// Re-scoping to the sandbox's own namespace needs no extra capability.
	if _, err := h.Namespace("svc-store"); err != nil {
		t.Errorf("Namespace(own) error = %v, want nil", err)
	}
}

func TestMemoryBackend_CopiesValues(t *testing.T) {
	b := NewMemoryBackend()
	value := []byte("mutable")
	b.Set("ns", "k", value)
	value[0] = 'X'

	got, ok := b.Get("ns", "k")
	if !ok || !bytes.Equal(got, []byte("mutable")) {
		t.Errorf("backend stored aliased slice: got %q", got)
	}

	got[0] = 'Y'
	again, _ := b.Get("ns", "k")
	if !bytes.Equal(again, []byte("mutable")) {
		t.Error("backend returned aliased slice")
	}
}
