// Package ledger defines the boundary to the public ledger: the event
// shape the platform consumes, the transaction shape it submits, and a
// client interface with HTTP and in-memory implementations.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for typed error checking.
var (
	ErrTxNotFound    = errors.New("transaction not found")
	ErrNotConfigured = errors.New("ledger client not configured")
	ErrSubmitFailed  = errors.New("transaction submit failed")
)

// Event is a ServiceRequested-shaped notification observed on the ledger.
// Chain, TxHash and LogIndex form the natural unique id used for
// idempotent processing.
type Event struct {
	Chain    string `json:"chain"`
	TxHash   string `json:"tx_hash"`
	LogIndex int    `json:"log_index"`
	Height   uint64 `json:"height"`
	Contract string `json:"contract"`
	Name     string `json:"name"`

	RequestID        string `json:"request_id"`
	AppID            string `json:"app_id"`
	ServiceType      string `json:"service_type"`
	Requester        string `json:"requester"`
	CallbackContract string `json:"callback_contract"`
	CallbackMethod   string `json:"callback_method"`
	Payload          []byte `json:"payload"`

	ObservedAt time.Time `json:"observed_at"`
}

// Key returns the event's natural unique id.
func (e *Event) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.Chain, e.TxHash, e.LogIndex)
}

// Param is one typed argument of a contract call.
type Param struct {
	Type  string `json:"type"` // string | int64 | bool | bytes
	Value any    `json:"value"`
}

func StringParam(v string) Param { return Param{Type: "string", Value: v} }
func IntParam(v int64) Param     { return Param{Type: "int64", Value: v} }
func BoolParam(v bool) Param     { return Param{Type: "bool", Value: v} }
func BytesParam(v []byte) Param  { return Param{Type: "bytes", Value: v} }

// Transaction is a ledger-mutating contract call ready for submission.
// Signature covers the canonical payload and is attached by the proxy.
type Transaction struct {
	Contract  string  `json:"contract"`
	Method    string  `json:"method"`
	Params    []Param `json:"params"`
	Sender    string  `json:"sender,omitempty"`
	Signature []byte  `json:"signature,omitempty"`
	PublicKey []byte  `json:"public_key,omitempty"`
}

// TxStatus reports where a submitted transaction stands.
type TxStatus struct {
	Hash     string `json:"hash"`
	Included bool   `json:"included"`
	Height   uint64 `json:"height,omitempty"`
	Success  bool   `json:"success"`
}
