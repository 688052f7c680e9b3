package storage

import "time"

// Request lifecycle states.
const (
	RequestReceived          = "received"
	RequestDispatched        = "dispatched"
	RequestExecuted          = "executed"
	RequestCallbackSubmitted = "callback_submitted"
	RequestConfirmed         = "confirmed"
	RequestFailed            = "failed"
)

// Submission states. A reserved row is an idempotency claim that has
// not reached the ledger yet; unconfirmed means the confirmation
// window expired and an operator has to look.
const (
	SubmissionReserved    = "reserved"
	SubmissionSubmitted   = "submitted"
	SubmissionConfirmed   = "confirmed"
	SubmissionUnconfirmed = "unconfirmed"
	SubmissionFailed      = "failed"
)

// ServiceRequest is the stored lifecycle record of one service event.
type ServiceRequest struct {
	RequestID   string     `json:"request_id" db:"request_id"`
	AppID       string     `json:"app_id" db:"app_id"`
	ServiceType string     `json:"service_type" db:"service_type"`
	Requester   string     `json:"requester,omitempty" db:"requester"`
	EventKey    string     `json:"event_key" db:"event_key"`
	Payload     string     `json:"payload,omitempty" db:"payload"`
	Status      string     `json:"status" db:"status"`
	Result      string     `json:"result,omitempty" db:"result"`
	Error       string     `json:"error,omitempty" db:"error"`
	CallbackTx  string     `json:"callback_tx,omitempty" db:"callback_tx"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// RequestUpdate carries a partial update for a stored request. Nil
// pointer fields leave the stored value untouched.
type RequestUpdate struct {
	Status      string
	Result      *string
	Error       *string
	CallbackTx  *string
	CompletedAt *time.Time
}

// Submission records one proxied ledger transaction. The request ID
// doubles as the idempotency key.
type Submission struct {
	RequestID   string     `json:"request_id" db:"request_id"`
	Caller      string     `json:"caller" db:"caller"`
	Contract    string     `json:"contract" db:"contract"`
	Method      string     `json:"method" db:"method"`
	PayloadHash string     `json:"payload_hash,omitempty" db:"payload_hash"`
	TxHash      string     `json:"tx_hash,omitempty" db:"tx_hash"`
	Status      string     `json:"status" db:"status"`
	Error       string     `json:"error,omitempty" db:"error"`
	SubmittedAt time.Time  `json:"submitted_at" db:"submitted_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// SubmissionUpdate carries a partial update for a stored submission.
type SubmissionUpdate struct {
	Status      string
	TxHash      *string
	Error       *string
	ConfirmedAt *time.Time
}

// AuditEvent is one entry in the append-only audit trail.
type AuditEvent struct {
	ID        string    `json:"id" db:"id"`
	RequestID string    `json:"request_id,omitempty" db:"request_id"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RequestFilter provides criteria for listing service requests.
type RequestFilter struct {
	AppID       string
	ServiceType string
	Status      string
	Limit       int
	Offset      int
}
