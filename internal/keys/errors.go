package keys

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrUnsupportedKeyType    = errors.New("unsupported key type")
	ErrInvalidKey            = errors.New("invalid key material")
	ErrKeyNotFound           = errors.New("key not found")
	ErrUnsupportedDerivation = errors.New("unsupported derivation")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrInvalidCiphertext     = errors.New("invalid ciphertext")
)

// KeyError wraps errors with key operation context.
type KeyError struct {
	KeyID string
	Op    string // The operation that failed
	Err   error
}

func (e *KeyError) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("key %s: %s: %s", e.KeyID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
