// Package keys implements the in-enclave key store: generation, import,
// hierarchical derivation, signing, and attestation report generation.
// Private material never crosses the package boundary.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// KeyType identifies the algorithm a key is usable with.
type KeyType string

const (
	TypeECDSAP256 KeyType = "ecdsa-p256"
	TypeEd25519   KeyType = "ed25519"
	TypeAES256    KeyType = "aes-256"
)

const (
	// maxRandomBytes caps a single RandomBytes draw.
	maxRandomBytes = 1 << 20

	// derivationPrefix domain-separates child key derivation from every
	// other HMAC use of the parent secret.
	derivationPrefix = "core/derive/v1:"
)

// KeyInfo is the public metadata for a stored key. It never carries
// private material.
type KeyInfo struct {
	ID        string    `json:"id"`
	Type      KeyType   `json:"type"`
	Label     string    `json:"label,omitempty"`
	PublicKey []byte    `json:"public_key,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type keyRecord struct {
	info KeyInfo

	ecdsaKey *ecdsa.PrivateKey
	edKey    ed25519.PrivateKey
	secret   []byte // symmetric material
}

// Store holds every key inside the trusted boundary. A single RWMutex
// guards the map: signing and attestation run under the read lock so they
// stay available while the rest of the system is busy, deletion takes the
// write lock.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*keyRecord

	enclaveID string
	reportKey *ecdsa.PrivateKey
	simulated bool
}

// NewStore creates an empty key store for the given enclave identity.
// The report signing key is generated eagerly so attestation is available
// before any caller key exists. simulated marks reports produced outside
// real enclave hardware.
func NewStore(enclaveID string, simulated bool) (*Store, error) {
	reportKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &KeyError{Op: "init_report_key", Err: err}
	}

	log.Info().
		Str("component", "keys").
		Str("enclave_id", enclaveID).
		Bool("simulated", simulated).
		Msg("key store initialized")

	return &Store{
		keys:      make(map[string]*keyRecord),
		enclaveID: enclaveID,
		reportKey: reportKey,
		simulated: simulated,
	}, nil
}

// GenerateKey creates a fresh key of the given type.
func (s *Store) GenerateKey(keyType KeyType, label string) (*KeyInfo, error) {
	rec := &keyRecord{info: KeyInfo{
		ID:        generateKeyID(),
		Type:      keyType,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}}

	switch keyType {
	case TypeECDSAP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, &KeyError{Op: "generate", Err: err}
		}
		rec.ecdsaKey = priv
		rec.info.PublicKey = elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)

	case TypeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, &KeyError{Op: "generate", Err: err}
		}
		rec.edKey = priv
		rec.info.PublicKey = []byte(pub)

	case TypeAES256:
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, &KeyError{Op: "generate", Err: err}
		}
		rec.secret = secret

	default:
		return nil, &KeyError{Op: "generate", Err: fmt.Errorf("%w: %s", ErrUnsupportedKeyType, keyType)}
	}

	s.mu.Lock()
	s.keys[rec.info.ID] = rec
	s.mu.Unlock()

	log.Debug().
		Str("component", "keys").
		Str("key_id", rec.info.ID).
		Str("type", string(keyType)).
		Msg("key generated")

	info := rec.info
	return &info, nil
}

// ImportKey stores caller-supplied private material after validating its
// length for the declared type.
func (s *Store) ImportKey(keyType KeyType, material []byte, label string) (*KeyInfo, error) {
	rec := &keyRecord{info: KeyInfo{
		ID:        generateKeyID(),
		Type:      keyType,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}}

	switch keyType {
	case TypeECDSAP256:
		priv, err := parseP256Scalar(material)
		if err != nil {
			return nil, &KeyError{Op: "import", Err: err}
		}
		rec.ecdsaKey = priv
		rec.info.PublicKey = elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)

	case TypeEd25519:
		priv, err := parseEd25519Private(material)
		if err != nil {
			return nil, &KeyError{Op: "import", Err: err}
		}
		rec.edKey = priv
		rec.info.PublicKey = []byte(priv.Public().(ed25519.PublicKey))

	case TypeAES256:
		if len(material) != 32 {
			return nil, &KeyError{Op: "import", Err: fmt.Errorf("%w: aes-256 requires 32 bytes, got %d", ErrInvalidKey, len(material))}
		}
		secret := make([]byte, 32)
		copy(secret, material)
		rec.secret = secret

	default:
		return nil, &KeyError{Op: "import", Err: fmt.Errorf("%w: %s", ErrUnsupportedKeyType, keyType)}
	}

	s.mu.Lock()
	s.keys[rec.info.ID] = rec
	s.mu.Unlock()

	info := rec.info
	return &info, nil
}

// DeriveKey deterministically derives a child key from a parent using
// domain-separated HMAC-SHA256 over the derivation path. The same
// (parent, path) pair always yields the same child material. Ed25519
// parents are not derivable.
func (s *Store) DeriveKey(parentID, path, label string) (*KeyInfo, error) {
	s.mu.RLock()
	parent, ok := s.keys[parentID]
	s.mu.RUnlock()
	if !ok {
		return nil, &KeyError{KeyID: parentID, Op: "derive", Err: ErrKeyNotFound}
	}

	var parentSecret []byte
	switch parent.info.Type {
	case TypeECDSAP256:
		parentSecret = parent.ecdsaKey.D.FillBytes(make([]byte, 32))
	case TypeAES256:
		parentSecret = parent.secret
	default:
		return nil, &KeyError{KeyID: parentID, Op: "derive",
			Err: fmt.Errorf("%w: parent type %s", ErrUnsupportedDerivation, parent.info.Type)}
	}

	mac := hmac.New(sha256.New, parentSecret)
	mac.Write([]byte(derivationPrefix))
	mac.Write([]byte(path))
	childSecret := mac.Sum(nil)

	rec := &keyRecord{info: KeyInfo{
		ID:        generateKeyID(),
		Type:      parent.info.Type,
		Label:     label,
		ParentID:  parentID,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}}

	switch parent.info.Type {
	case TypeECDSAP256:
		priv := scalarToP256Key(childSecret)
		rec.ecdsaKey = priv
		rec.info.PublicKey = elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	case TypeAES256:
		rec.secret = childSecret
	}

	s.mu.Lock()
	s.keys[rec.info.ID] = rec
	s.mu.Unlock()

	log.Debug().
		Str("component", "keys").
		Str("key_id", rec.info.ID).
		Str("parent_id", parentID).
		Str("path", path).
		Msg("key derived")

	info := rec.info
	return &info, nil
}

// Sign hashes data with SHA-256 and signs the digest. ECDSA signatures are
// 64 bytes (r||s, fixed-width big-endian); ed25519 signs the raw message
// per the algorithm's own construction.
func (s *Store) Sign(keyID string, data []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[keyID]
	if !ok {
		return nil, &KeyError{KeyID: keyID, Op: "sign", Err: ErrKeyNotFound}
	}

	switch rec.info.Type {
	case TypeECDSAP256:
		digest := sha256.Sum256(data)
		return signP256Digest(rec.ecdsaKey, digest[:])
	case TypeEd25519:
		return ed25519.Sign(rec.edKey, data), nil
	default:
		return nil, &KeyError{KeyID: keyID, Op: "sign",
			Err: fmt.Errorf("%w: %s cannot sign", ErrUnsupportedKeyType, rec.info.Type)}
	}
}

// Verify checks a signature produced by Sign against the stored public key.
func (s *Store) Verify(keyID string, data, signature []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[keyID]
	if !ok {
		return false, &KeyError{KeyID: keyID, Op: "verify", Err: ErrKeyNotFound}
	}

	switch rec.info.Type {
	case TypeECDSAP256:
		digest := sha256.Sum256(data)
		return verifyP256Digest(&rec.ecdsaKey.PublicKey, digest[:], signature)
	case TypeEd25519:
		if len(signature) != ed25519.SignatureSize {
			return false, nil
		}
		return ed25519.Verify(rec.edKey.Public().(ed25519.PublicKey), data, signature), nil
	default:
		return false, &KeyError{KeyID: keyID, Op: "verify",
			Err: fmt.Errorf("%w: %s cannot verify", ErrUnsupportedKeyType, rec.info.Type)}
	}
}

// Encrypt seals plaintext with AES-256-GCM. The nonce is prepended to the
// returned ciphertext.
func (s *Store) Encrypt(keyID string, plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[keyID]
	if !ok {
		return nil, &KeyError{KeyID: keyID, Op: "encrypt", Err: ErrKeyNotFound}
	}
	if rec.info.Type != TypeAES256 {
		return nil, &KeyError{KeyID: keyID, Op: "encrypt",
			Err: fmt.Errorf("%w: %s cannot encrypt", ErrUnsupportedKeyType, rec.info.Type)}
	}

	gcm, err := newGCM(rec.secret)
	if err != nil {
		return nil, &KeyError{KeyID: keyID, Op: "encrypt", Err: err}
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, &KeyError{KeyID: keyID, Op: "encrypt", Err: err}
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (s *Store) Decrypt(keyID string, ciphertext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[keyID]
	if !ok {
		return nil, &KeyError{KeyID: keyID, Op: "decrypt", Err: ErrKeyNotFound}
	}
	if rec.info.Type != TypeAES256 {
		return nil, &KeyError{KeyID: keyID, Op: "decrypt",
			Err: fmt.Errorf("%w: %s cannot decrypt", ErrUnsupportedKeyType, rec.info.Type)}
	}

	gcm, err := newGCM(rec.secret)
	if err != nil {
		return nil, &KeyError{KeyID: keyID, Op: "decrypt", Err: err}
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, &KeyError{KeyID: keyID, Op: "decrypt", Err: ErrInvalidCiphertext}
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &KeyError{KeyID: keyID, Op: "decrypt", Err: ErrInvalidCiphertext}
	}
	return plaintext, nil
}

// ExportPublicKey returns the public key for an asymmetric key.
func (s *Store) ExportPublicKey(keyID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[keyID]
	if !ok {
		return nil, &KeyError{KeyID: keyID, Op: "export_public", Err: ErrKeyNotFound}
	}
	if len(rec.info.PublicKey) == 0 {
		return nil, &KeyError{KeyID: keyID, Op: "export_public",
			Err: fmt.Errorf("%w: %s has no public key", ErrUnsupportedKeyType, rec.info.Type)}
	}

	pub := make([]byte, len(rec.info.PublicKey))
	copy(pub, rec.info.PublicKey)
	return pub, nil
}

// DeleteKey removes a key permanently. Deletion is irreversible; derived
// children remain usable.
func (s *Store) DeleteKey(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[keyID]
	if !ok {
		return &KeyError{KeyID: keyID, Op: "delete", Err: ErrKeyNotFound}
	}

	if rec.secret != nil {
		zeroBytes(rec.secret)
	}
	delete(s.keys, keyID)

	log.Info().
		Str("component", "keys").
		Str("key_id", keyID).
		Msg("key deleted")
	return nil
}

// ListKeys returns public metadata for every stored key, ordered by
// creation time.
func (s *Store) ListKeys() []KeyInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]KeyInfo, 0, len(s.keys))
	for _, rec := range s.keys {
		infos = append(infos, rec.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// KeyByLabel returns the first key carrying the given label.
func (s *Store) KeyByLabel(label string) (*KeyInfo, bool) {
	if label == "" {
		return nil, false
	}
	for _, info := range s.ListKeys() {
		if info.Label == label {
			found := info
			return &found, true
		}
	}
	return nil, false
}

// RandomBytes draws n cryptographically secure random bytes, capped at 1 MiB.
func (s *Store) RandomBytes(n int) ([]byte, error) {
	if n <= 0 || n > maxRandomBytes {
		return nil, &KeyError{Op: "random", Err: fmt.Errorf("invalid byte count %d (max %d)", n, maxRandomBytes)}
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, &KeyError{Op: "random", Err: err}
	}
	return buf, nil
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func parseP256Scalar(material []byte) (*ecdsa.PrivateKey, error) {
	if len(material) != 32 {
		return nil, fmt.Errorf("%w: ecdsa-p256 requires a 32-byte scalar, got %d", ErrInvalidKey, len(material))
	}

	d := new(big.Int).SetBytes(material)
	n := elliptic.P256().Params().N
	if d.Sign() == 0 || d.Cmp(n) >= 0 {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidKey)
	}

	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = elliptic.P256()
	priv.PublicKey.X, priv.PublicKey.Y = elliptic.P256().ScalarBaseMult(d.FillBytes(make([]byte, 32)))
	return priv, nil
}

func parseEd25519Private(material []byte) (ed25519.PrivateKey, error) {
	switch len(material) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(material), nil
	case ed25519.PrivateKeySize:
		priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(priv, material)
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: ed25519 requires %d or %d bytes, got %d",
			ErrInvalidKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(material))
	}
}

// scalarToP256Key reduces a 32-byte secret into a valid non-zero P-256
// scalar and builds the key pair. Reduction modulo N-1 plus one keeps the
// mapping deterministic while staying inside the group order.
func scalarToP256Key(secret []byte) *ecdsa.PrivateKey {
	n := elliptic.P256().Params().N
	d := new(big.Int).SetBytes(secret)
	d.Mod(d, new(big.Int).Sub(n, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = elliptic.P256()
	priv.PublicKey.X, priv.PublicKey.Y = elliptic.P256().ScalarBaseMult(d.FillBytes(make([]byte, 32)))
	return priv
}

func signP256Digest(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, v, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, err
	}

	// Fixed-width r||s so downstream consumers never deal with DER.
	sig := make([]byte, 64)
	rBytes := r.Bytes()
	sBytes := v.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	return sig, nil
}

func verifyP256Digest(pub *ecdsa.PublicKey, digest, signature []byte) (bool, error) {
	if len(signature) != 64 {
		return false, fmt.Errorf("%w: expected 64 bytes, got %d", ErrInvalidSignature, len(signature))
	}
	r := new(big.Int).SetBytes(signature[:32])
	v := new(big.Int).SetBytes(signature[32:])
	return ecdsa.Verify(pub, digest, r, v), nil
}

func generateKeyID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read on a healthy system does not fail; surface loudly if it does.
		panic(fmt.Sprintf("keys: crypto/rand unavailable: %v", err))
	}
	return "key_" + hex.EncodeToString(buf)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
