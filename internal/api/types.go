package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"offchain-service-core/internal/ledger"
)

// InvokeRequest asks the transaction proxy to sign and submit a
// contract call on the caller's behalf.
type InvokeRequest struct {
	RequestID string         `json:"request_id,omitempty"` // generated when empty
	Contract  string         `json:"contract"`
	Method    string         `json:"method"`
	Params    []ParamRequest `json:"params,omitempty"`
}

// ParamRequest is one wire-level contract argument. Bytes values are
// base64.
type ParamRequest struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (p ParamRequest) toLedger() (ledger.Param, error) {
	switch p.Type {
	case "string":
		var v string
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return ledger.Param{}, fmt.Errorf("string param: %w", err)
		}
		return ledger.StringParam(v), nil
	case "int64":
		var v int64
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return ledger.Param{}, fmt.Errorf("int64 param: %w", err)
		}
		return ledger.IntParam(v), nil
	case "bool":
		var v bool
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return ledger.Param{}, fmt.Errorf("bool param: %w", err)
		}
		return ledger.BoolParam(v), nil
	case "bytes":
		var encoded string
		if err := json.Unmarshal(p.Value, &encoded); err != nil {
			return ledger.Param{}, fmt.Errorf("bytes param: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return ledger.Param{}, fmt.Errorf("bytes param: %w", err)
		}
		return ledger.BytesParam(raw), nil
	default:
		return ledger.Param{}, fmt.Errorf("unsupported param type %q", p.Type)
	}
}

// InvokeResponse reports a submitted transaction.
type InvokeResponse struct {
	RequestID   string    `json:"request_id"`
	TxHash      string    `json:"tx_hash"`
	PayloadHash string    `json:"payload_hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// AttestationRequest carries caller data to bind into the report.
// UserData is base64.
type AttestationRequest struct {
	UserData string `json:"user_data,omitempty"`
}

// StatusEvent is one SSE frame of the request watch stream.
type StatusEvent struct {
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	CallbackTx string `json:"callback_tx,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Storage bool   `json:"storage"`
	Ledger  bool   `json:"ledger"`
	Uptime  string `json:"uptime"`
}
