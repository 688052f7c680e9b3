package txproxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offchain-service-core/internal/ledger"
	"offchain-service-core/internal/monitor"
	"offchain-service-core/internal/sandbox"
	"offchain-service-core/internal/storage"
)

// Signer is the slice of the key subsystem the proxy uses. The signing
// key itself never leaves that subsystem; callers only ever see
// signatures.
type Signer interface {
	Sign(keyID string, data []byte) ([]byte, error)
	ExportPublicKey(keyID string) ([]byte, error)
}

// PeerVerifier authenticates calling services.
type PeerVerifier interface {
	VerifyPeer(peer sandbox.PeerInfo) (string, error)
}

// Intent is a request to invoke a ledger contract method on behalf of
// a platform service.
type Intent struct {
	RequestID string         `json:"request_id"`
	Contract  string         `json:"contract"`
	Method    string         `json:"method"`
	Params    []ledger.Param `json:"params"`
	Caller    sandbox.PeerInfo
}

// Receipt describes an accepted submission.
type Receipt struct {
	RequestID   string    `json:"request_id"`
	TxHash      string    `json:"tx_hash"`
	PayloadHash string    `json:"payload_hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Config holds proxy settings.
type Config struct {
	// SigningKeyID names the enclave key used to sign every outbound
	// transaction.
	SigningKeyID string
	// Sender is the platform's ledger identity.
	Sender string
}

// Proxy signs and submits ledger transactions for sandboxed services.
// Services never hold the signing key; every invocation passes caller
// verification, the method allowlist and the request-ID idempotency
// claim before a signature is produced.
type Proxy struct {
	cfg       Config
	signer    Signer
	peers     PeerVerifier
	ledger    ledger.Client
	store     storage.Store
	allowlist *Allowlist
	audit     *storage.AuditWriter
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a transaction proxy. The audit writer may be nil.
func New(cfg Config, signer Signer, peers PeerVerifier, client ledger.Client,
	store storage.Store, allowlist *Allowlist, audit *storage.AuditWriter,
	metrics *monitor.Metrics, log zerolog.Logger) *Proxy {
	return &Proxy{
		cfg:       cfg,
		signer:    signer,
		peers:     peers,
		ledger:    client,
		store:     store,
		allowlist: allowlist,
		audit:     audit,
		metrics:   metrics,
		tracer:    monitor.NewTracer(),
		log:       log.With().Str("component", "txproxy").Logger(),
		inflight:  make(map[string]struct{}),
	}
}

// Invoke runs the full proxy pipeline for one intent. A request ID is
// submitted at most once: duplicates get ErrConflict whether they race
// concurrently or replay later.
func (p *Proxy) Invoke(ctx context.Context, intent *Intent) (*Receipt, error) {
	if intent == nil || intent.RequestID == "" || intent.Contract == "" || intent.Method == "" {
		return nil, fmt.Errorf("%w: request id, contract and method are required", ErrInvalidIntent)
	}

	ctx, span := p.tracer.StartSpan(ctx, "invoke",
		monitor.AttrRequestID.String(intent.RequestID),
		monitor.AttrContract.String(intent.Contract),
	)
	defer span.End()

	caller, err := p.peers.VerifyPeer(intent.Caller)
	if err != nil {
		p.metrics.RecordSubmission("rejected")
		return nil, fmt.Errorf("%w: %s", ErrForbidden, err)
	}

	if !p.allowlist.Allowed(intent.Contract, intent.Method) {
		p.metrics.RecordSubmission("rejected")
		p.recordAudit(intent.RequestID, caller, "tx_denied",
			fmt.Sprintf("%s.%s not in allowlist", intent.Contract, intent.Method))
		return nil, fmt.Errorf("%w: %s.%s", ErrForbidden, intent.Contract, intent.Method)
	}

	if p.ledger == nil {
		return nil, fmt.Errorf("%w: no ledger client configured", ErrUnavailable)
	}

	if !p.beginInflight(intent.RequestID) {
		p.metrics.RecordSubmission("conflict")
		return nil, fmt.Errorf("%w: %s", ErrConflict, intent.RequestID)
	}
	defer p.endInflight(intent.RequestID)

	payload := canonicalPayload(intent)
	payloadHash := hex.EncodeToString(sha256Sum(payload))

	claimed, err := p.store.CreateSubmission(ctx, &storage.Submission{
		RequestID:   intent.RequestID,
		Caller:      caller,
		Contract:    intent.Contract,
		Method:      intent.Method,
		PayloadHash: payloadHash,
		Status:      storage.SubmissionReserved,
	})
	if err != nil {
		return nil, fmt.Errorf("claiming request %s: %w", intent.RequestID, err)
	}
	if !claimed {
		p.metrics.RecordSubmission("conflict")
		return nil, fmt.Errorf("%w: %s", ErrConflict, intent.RequestID)
	}

	sig, err := p.signer.Sign(p.cfg.SigningKeyID, payload)
	if err != nil {
		// Nothing was signed; release the claim so a retry can run.
		if delErr := p.store.DeleteSubmission(ctx, intent.RequestID); delErr != nil {
			p.log.Error().Err(delErr).Str("request_id", intent.RequestID).
				Msg("failed to release submission claim")
		}
		return nil, fmt.Errorf("signing payload for %s: %w", intent.RequestID, err)
	}
	p.metrics.RecordKeyOp("sign")

	pub, err := p.signer.ExportPublicKey(p.cfg.SigningKeyID)
	if err != nil {
		return nil, fmt.Errorf("exporting signing key: %w", err)
	}

	// From here on the claim is never released: a signature exists and
	// the submission may have reached the ledger even if we cannot
	// tell. Replays must not produce a second transaction.
	hash, err := p.ledger.SubmitTransaction(ctx, &ledger.Transaction{
		Contract:  intent.Contract,
		Method:    intent.Method,
		Params:    intent.Params,
		Sender:    p.cfg.Sender,
		Signature: sig,
		PublicKey: pub,
	})
	if err != nil {
		errMsg := err.Error()
		if upErr := p.store.UpdateSubmission(ctx, intent.RequestID, storage.SubmissionUpdate{
			Status: storage.SubmissionFailed,
			Error:  &errMsg,
		}); upErr != nil {
			p.log.Error().Err(upErr).Str("request_id", intent.RequestID).
				Msg("failed to record submission failure")
		}
		p.metrics.RecordSubmission("failed")
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	submittedAt := time.Now().UTC()
	if err := p.store.UpdateSubmission(ctx, intent.RequestID, storage.SubmissionUpdate{
		Status: storage.SubmissionSubmitted,
		TxHash: &hash,
	}); err != nil {
		// The transaction is on the wire; surface the bookkeeping
		// failure but do not fail the invocation.
		p.log.Error().Err(err).Str("request_id", intent.RequestID).Str("tx_hash", hash).
			Msg("failed to persist submitted status")
	}

	p.metrics.RecordSubmission("submitted")
	p.recordAudit(intent.RequestID, caller, "tx_submitted",
		fmt.Sprintf("%s.%s tx=%s", intent.Contract, intent.Method, hash))
	p.log.Info().
		Str("request_id", intent.RequestID).
		Str("caller", caller).
		Str("contract", intent.Contract).
		Str("method", intent.Method).
		Str("tx_hash", hash).
		Msg("transaction submitted")

	return &Receipt{
		RequestID:   intent.RequestID,
		TxHash:      hash,
		PayloadHash: payloadHash,
		SubmittedAt: submittedAt,
	}, nil
}

// SigningPublicKey returns the proxy's signing public key for external
// verification.
func (p *Proxy) SigningPublicKey() ([]byte, error) {
	return p.signer.ExportPublicKey(p.cfg.SigningKeyID)
}

func (p *Proxy) beginInflight(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.inflight[requestID]; dup {
		return false
	}
	p.inflight[requestID] = struct{}{}
	return true
}

func (p *Proxy) endInflight(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, requestID)
}

func (p *Proxy) recordAudit(requestID, actor, action, detail string) {
	if p.audit == nil {
		return
	}
	p.audit.Record(&storage.AuditEvent{
		RequestID: requestID,
		Actor:     actor,
		Action:    action,
		Detail:    detail,
	})
}

// canonicalPayload serializes an intent into the byte string that gets
// signed. Verifiers rebuild the same string, so the encoding must stay
// stable.
func canonicalPayload(intent *Intent) []byte {
	parts := make([]string, 0, len(intent.Params)+3)
	parts = append(parts, intent.Contract, intent.Method, intent.RequestID)
	for _, param := range intent.Params {
		parts = append(parts, param.Type+":"+paramString(param))
	}
	return []byte(strings.Join(parts, "|"))
}

func paramString(p ledger.Param) string {
	switch v := p.Value.(type) {
	case string:
		return v
	case []byte:
		return hex.EncodeToString(v)
	default:
		return fmt.Sprint(v)
	}
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
