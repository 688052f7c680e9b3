package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists request lifecycles, ledger submissions, event
// dedup marks and the audit trail.
type Store interface {
	// MarkEventProcessed records an event key and reports whether this
	// call was the first to do so. False means the event was already
	// handled and must be skipped.
	MarkEventProcessed(ctx context.Context, eventKey string) (bool, error)

	CreateRequest(ctx context.Context, req *ServiceRequest) error
	UpdateRequest(ctx context.Context, requestID string, update RequestUpdate) error
	GetRequest(ctx context.Context, requestID string) (*ServiceRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]ServiceRequest, error)

	// CreateSubmission inserts a submission keyed by request ID.
	// Returns false without error when the key already exists, which
	// makes the insert the idempotency claim.
	CreateSubmission(ctx context.Context, sub *Submission) (bool, error)
	UpdateSubmission(ctx context.Context, requestID string, update SubmissionUpdate) error
	DeleteSubmission(ctx context.Context, requestID string) error
	GetSubmission(ctx context.Context, requestID string) (*Submission, error)
	// PendingSubmissions returns submitted-but-unconfirmed records,
	// oldest first.
	PendingSubmissions(ctx context.Context, limit int) ([]Submission, error)

	AppendAudit(ctx context.Context, ev *AuditEvent) error

	Healthy(ctx context.Context) bool
}

// MemoryStore is an in-memory Store for tests and simulated
// deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	processed   map[string]time.Time
	requests    map[string]*ServiceRequest
	submissions map[string]*Submission
	audit       []AuditEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed:   make(map[string]time.Time),
		requests:    make(map[string]*ServiceRequest),
		submissions: make(map[string]*Submission),
	}
}

func (s *MemoryStore) MarkEventProcessed(_ context.Context, eventKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.processed[eventKey]; seen {
		return false, nil
	}
	s.processed[eventKey] = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) CreateRequest(_ context.Context, req *ServiceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.requests[req.RequestID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRequest(_ context.Context, requestID string, update RequestUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if update.Status != "" {
		req.Status = update.Status
	}
	if update.Result != nil {
		req.Result = *update.Result
	}
	if update.Error != nil {
		req.Error = *update.Error
	}
	if update.CallbackTx != nil {
		req.CallbackTx = *update.CallbackTx
	}
	if update.CompletedAt != nil {
		req.CompletedAt = update.CompletedAt
	}
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, requestID string) (*ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryStore) ListRequests(_ context.Context, filter RequestFilter) ([]ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ServiceRequest
	for _, req := range s.requests {
		if filter.AppID != "" && req.AppID != filter.AppID {
			continue
		}
		if filter.ServiceType != "" && req.ServiceType != filter.ServiceType {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateSubmission(_ context.Context, sub *Submission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.submissions[sub.RequestID]; exists {
		return false, nil
	}
	cp := *sub
	if cp.SubmittedAt.IsZero() {
		cp.SubmittedAt = time.Now().UTC()
	}
	s.submissions[sub.RequestID] = &cp
	return true, nil
}

func (s *MemoryStore) UpdateSubmission(_ context.Context, requestID string, update SubmissionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[requestID]
	if !ok {
		return ErrNotFound
	}
	if update.Status != "" {
		sub.Status = update.Status
	}
	if update.TxHash != nil {
		sub.TxHash = *update.TxHash
	}
	if update.Error != nil {
		sub.Error = *update.Error
	}
	if update.ConfirmedAt != nil {
		sub.ConfirmedAt = update.ConfirmedAt
	}
	return nil
}

func (s *MemoryStore) DeleteSubmission(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submissions, requestID)
	return nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, requestID string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) PendingSubmissions(_ context.Context, limit int) ([]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Submission
	for _, sub := range s.submissions {
		if sub.Status == SubmissionSubmitted {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, ev *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, cp)
	return nil
}

// AuditEvents returns a copy of the audit trail, oldest first.
func (s *MemoryStore) AuditEvents() []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *MemoryStore) Healthy(_ context.Context) bool { return true }
