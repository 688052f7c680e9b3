package sandbox

import "fmt"

// ResourceLimits bounds what one sandbox may consume through its storage
// handle. Zero-valued fields are filled from DefaultLimits at creation.
type ResourceLimits struct {
	QuotaBytes    int64 `json:"quota_bytes"`     // total stored bytes across all allowed namespaces
	MaxValueBytes int64 `json:"max_value_bytes"` // largest single stored value
	MaxKeys       int   `json:"max_keys"`        // keys per namespace (runaway writer protection)
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		QuotaBytes:    100 << 20, // 100 MiB
		MaxValueBytes: 1 << 20,   // 1 MiB
		MaxKeys:       10000,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.QuotaBytes < 1 || rl.QuotaBytes > 10<<30 {
		return fmt.Errorf("%w: quota_bytes must be 1-%d, got %d", ErrInvalidRequest, int64(10<<30), rl.QuotaBytes)
	}
	if rl.MaxValueBytes < 1 || rl.MaxValueBytes > 1<<30 {
		return fmt.Errorf("%w: max_value_bytes must be 1-%d, got %d", ErrInvalidRequest, int64(1<<30), rl.MaxValueBytes)
	}
	if rl.MaxKeys < 1 || rl.MaxKeys > 1_000_000 {
		return fmt.Errorf("%w: max_keys must be 1-1000000, got %d", ErrInvalidRequest, rl.MaxKeys)
	}
	return nil
}

// withDefaults returns a copy with zero fields replaced from fallback.
func (rl ResourceLimits) withDefaults(fallback ResourceLimits) ResourceLimits {
	if rl.QuotaBytes <= 0 {
		rl.QuotaBytes = fallback.QuotaBytes
	}
	if rl.MaxValueBytes <= 0 {
		rl.MaxValueBytes = fallback.MaxValueBytes
	}
	if rl.MaxKeys <= 0 {
		rl.MaxKeys = fallback.MaxKeys
	}
	return rl
}
