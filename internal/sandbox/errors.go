package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrSandboxExists    = errors.New("sandbox already exists")
	ErrSandboxNotFound  = errors.New("sandbox not found")
	ErrInvalidRequest   = errors.New("invalid sandbox request")
	ErrInvalidKey       = errors.New("invalid storage key")
	ErrValueTooLarge    = errors.New("value exceeds size limit")
	ErrUnverifiedPeer   = errors.New("peer identity not verified")
	ErrNamespaceDenied  = errors.New("namespace not allowed")
)

// CapabilityError reports a capability check failure with its context.
// It unwraps to ErrPermissionDenied so callers can branch on the class.
type CapabilityError struct {
	ServiceID  string
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("service %s: capability %s: %s", e.ServiceID, e.Capability, ErrPermissionDenied)
}

func (e *CapabilityError) Unwrap() error {
	return ErrPermissionDenied
}

// QuotaError reports a rejected write against the sandbox storage quota.
type QuotaError struct {
	ServiceID string
	Used      int64
	Requested int64
	Max       int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("service %s: %s: used %d + requested %d exceeds %d bytes",
		e.ServiceID, ErrQuotaExceeded, e.Used, e.Requested, e.Max)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// IsPermissionDenied returns true if the error is a capability rejection.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsQuotaExceeded returns true if the error is a quota rejection.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
