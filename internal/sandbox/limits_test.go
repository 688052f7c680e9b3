package sandbox

import "testing"

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.QuotaBytes != 100<<20 {
		t.Errorf("QuotaBytes = %d, want %d", l.QuotaBytes, 100<<20)
	}
	if l.MaxValueBytes != 1<<20 {
		t.Errorf("MaxValueBytes = %d, want %d", l.MaxValueBytes, 1<<20)
	}
	if l.MaxKeys != 10000 {
		t.Errorf("MaxKeys = %d, want 10000", l.MaxKeys)
	}

	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestResourceLimits_Validate(t *testing.T) {
	tests := []struct {
		name    string
		limits  ResourceLimits
		wantErr bool
	}{
		{"defaults", DefaultLimits(), false},
		{"minimal", ResourceLimits{QuotaBytes: 1, MaxValueBytes: 1, MaxKeys: 1}, false},
		{"at ceilings", ResourceLimits{QuotaBytes: 10 << 30, MaxValueBytes: 1 << 30, MaxKeys: 1_000_000}, false},
		{"zero quota", ResourceLimits{QuotaBytes: 0, MaxValueBytes: 1, MaxKeys: 1}, true},
		{"negative quota", ResourceLimits{QuotaBytes: -1, MaxValueBytes: 1, MaxKeys: 1}, true},
		{"quota over ceiling", ResourceLimits{QuotaBytes: 10<<30 + 1, MaxValueBytes: 1, MaxKeys: 1}, true},
		{"zero value bytes", ResourceLimits{QuotaBytes: 1 << 20, MaxValueBytes: 0, MaxKeys: 1}, true},
		{"value bytes over ceiling", ResourceLimits{QuotaBytes: 1 << 20, MaxValueBytes: 1<<30 + 1, MaxKeys: 1}, true},
		{"zero keys", ResourceLimits{QuotaBytes: 1 << 20, MaxValueBytes: 1 << 10, MaxKeys: 0}, true},
		{"keys over ceiling", ResourceLimits{QuotaBytes: 1 << 20, MaxValueBytes: 1 << 10, MaxKeys: 1_000_001}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResourceLimits_WithDefaults(t *testing.T) {
	partial := ResourceLimits{QuotaBytes: 512}
	merged := partial.withDefaults(DefaultLimits())

	if merged.QuotaBytes != 512 {
		t.Errorf("QuotaBytes = %d, want explicit 512", merged.QuotaBytes)
	}
	if merged.MaxValueBytes != DefaultLimits().MaxValueBytes {
		t.Errorf("MaxValueBytes = %d, want default", merged.MaxValueBytes)
	}
	if merged.MaxKeys != DefaultLimits().MaxKeys {
		t.Errorf("MaxKeys = %d, want default", merged.MaxKeys)
	}
}
