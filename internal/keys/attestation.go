package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// AttestationReport binds the enclave identity and its report signing
// public key to caller-supplied data. Remote parties verify the signature
// to confirm which code produced a given public key.
type AttestationReport struct {
	EnclaveID    string    `json:"enclave_id"`
	PublicKey    []byte    `json:"public_key"`
	UserDataHash string    `json:"user_data_hash"`
	Timestamp    time.Time `json:"timestamp"`
	Simulated    bool      `json:"simulated"`
	Signature    []byte    `json:"signature"`
}

// GenerateAttestationReport produces a signed report over the enclave
// identity, the report signing public key, and a hash of userData.
// Reports generated outside enclave hardware are marked simulated.
func (s *Store) GenerateAttestationReport(userData []byte) (*AttestationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.reportKey == nil {
		return nil, &KeyError{Op: "attest", Err: fmt.Errorf("report signing key not initialized")}
	}

	userHash := sha256.Sum256(userData)
	report := &AttestationReport{
		EnclaveID:    s.enclaveID,
		PublicKey:    elliptic.Marshal(elliptic.P256(), s.reportKey.PublicKey.X, s.reportKey.PublicKey.Y),
		UserDataHash: hex.EncodeToString(userHash[:]),
		Timestamp:    time.Now().UTC(),
		Simulated:    s.simulated,
	}

	digest := sha256.Sum256(serializeReport(report))
	sig, err := signP256Digest(s.reportKey, digest[:])
	if err != nil {
		return nil, &KeyError{Op: "attest", Err: err}
	}
	report.Signature = sig
	return report, nil
}

// ReportPublicKey returns the uncompressed public key reports are signed with.
func (s *Store) ReportPublicKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return elliptic.Marshal(elliptic.P256(), s.reportKey.PublicKey.X, s.reportKey.PublicKey.Y)
}

// VerifyAttestationReport checks a report's signature against the
// uncompressed P-256 public key it claims to carry. Callers who obtained
// the expected key out of band should compare report.PublicKey themselves.
func VerifyAttestationReport(report *AttestationReport) (bool, error) {
	if report == nil {
		return false, fmt.Errorf("report is nil")
	}
	if report.EnclaveID == "" || report.UserDataHash == "" {
		return false, fmt.Errorf("report missing required fields")
	}
	if report.Timestamp.After(time.Now().Add(time.Minute)) {
		return false, fmt.Errorf("report timestamp is in the future")
	}

	pub, err := parseP256PublicKey(report.PublicKey)
	if err != nil {
		return false, err
	}

	digest := sha256.Sum256(serializeReport(report))
	return verifyP256Digest(pub, digest[:], report.Signature)
}

// serializeReport builds the canonical byte string covered by the report
// signature. The signature field itself is excluded.
func serializeReport(r *AttestationReport) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%t",
		r.EnclaveID,
		hex.EncodeToString(r.PublicKey),
		r.UserDataHash,
		r.Timestamp.Unix(),
		r.Simulated,
	))
}

func parseP256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("%w: expected 65-byte uncompressed point", ErrInvalidKey)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidKey)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: new(big.Int).Set(y)}, nil
}
