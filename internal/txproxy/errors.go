package txproxy

import "errors"

var (
	// ErrInvalidIntent indicates a malformed invocation request.
	ErrInvalidIntent = errors.New("invalid intent")
	// ErrForbidden indicates the caller or target failed policy checks.
	ErrForbidden = errors.New("invocation forbidden")
	// ErrConflict indicates the request ID was already claimed by an
	// earlier invocation.
	ErrConflict = errors.New("request already submitted")
	// ErrUnavailable indicates the ledger cannot be reached.
	ErrUnavailable = errors.New("ledger unavailable")
)
