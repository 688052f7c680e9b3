package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"offchain-service-core/internal/keys"
	"offchain-service-core/internal/ledger"
	"offchain-service-core/internal/monitor"
	"offchain-service-core/internal/sandbox"
	"offchain-service-core/internal/storage"
	"offchain-service-core/internal/txproxy"
)

// Invoker is the slice of the transaction proxy the API needs.
type Invoker interface {
	Invoke(ctx context.Context, intent *txproxy.Intent) (*txproxy.Receipt, error)
}

type Handlers struct {
	proxy     Invoker
	store     storage.Store
	keys      *keys.Store
	sandboxes *sandbox.Manager
	metrics   *monitor.Metrics

	// watch stream pacing, shortened in tests
	watchInterval time.Duration
	watchTimeout  time.Duration
}

func NewHandlers(proxy Invoker, store storage.Store, ks *keys.Store, sandboxes *sandbox.Manager, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		proxy:         proxy,
		store:         store,
		keys:          ks,
		sandboxes:     sandboxes,
		metrics:       metrics,
		watchInterval: time.Second,
		watchTimeout:  5 * time.Minute,
	}
}

// HandleInvoke forwards a signing request to the transaction proxy
// under the caller's established identity.
func (h *Handlers) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Contract == "" || req.Method == "" {
		writeError(w, "contract and method are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	params := make([]ledger.Param, 0, len(req.Params))
	for i, p := range req.Params {
		lp, err := p.toLedger()
		if err != nil {
			writeError(w, "param "+strconv.Itoa(i)+": "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		params = append(params, lp)
	}

	if h.proxy == nil {
		writeError(w, "transaction proxy unavailable", "PROXY_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	receipt, err := h.proxy.Invoke(r.Context(), &txproxy.Intent{
		RequestID: req.RequestID,
		Contract:  req.Contract,
		Method:    req.Method,
		Params:    params,
		Caller:    PeerFromContext(r.Context()),
	})
	if err != nil {
		switch {
		case errors.Is(err, txproxy.ErrInvalidIntent):
			writeError(w, err.Error(), "INVALID_INTENT", http.StatusBadRequest, r)
		case errors.Is(err, txproxy.ErrForbidden):
			writeError(w, err.Error(), "FORBIDDEN", http.StatusForbidden, r)
		case errors.Is(err, txproxy.ErrConflict):
			writeError(w, err.Error(), "CONFLICT", http.StatusConflict, r)
		case errors.Is(err, txproxy.ErrUnavailable):
			writeError(w, err.Error(), "LEDGER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		default:
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("invoke failed")
			writeError(w, "invoke failed", "INTERNAL", http.StatusInternalServerError, r)
		}
		return
	}

	writeJSON(w, http.StatusOK, InvokeResponse{
		RequestID:   receipt.RequestID,
		TxHash:      receipt.TxHash,
		PayloadHash: receipt.PayloadHash,
		SubmittedAt: receipt.SubmittedAt,
	})
}

func (h *Handlers) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "request ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	req, err := h.store.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "request not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	filter := storage.RequestFilter{
		AppID:       r.URL.Query().Get("app_id"),
		ServiceType: r.URL.Query().Get("service_type"),
		Status:      r.URL.Query().Get("status"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = limit
	}

	requests, err := h.store.ListRequests(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, requests)
}

// HandleWatchRequest streams a request's status transitions as SSE
// until the request reaches a terminal state or the client leaves.
func (h *Handlers) HandleWatchRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "request ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	req, err := h.store.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "request not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	stream, ok := newSSEStream(w)
	if !ok {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	lastStatus := ""
	send := func(req *storage.ServiceRequest) error {
		lastStatus = req.Status
		return stream.Send("status", StatusEvent{
			RequestID:  req.RequestID,
			Status:     req.Status,
			Result:     req.Result,
			Error:      req.Error,
			CallbackTx: req.CallbackTx,
			UpdatedAt:  req.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	if err := send(req); err != nil {
		return
	}
	if isTerminal(req.Status) {
		stream.Send("done", map[string]string{"status": req.Status})
		return
	}

	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(h.watchTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			stream.Send("timeout", map[string]string{"status": lastStatus})
			return
		case <-ticker.C:
			req, err := h.store.GetRequest(r.Context(), id)
			if err != nil {
				stream.Send("error", map[string]string{"error": "request lookup failed"})
				return
			}
			if req.Status == lastStatus {
				continue
			}
			if err := send(req); err != nil {
				return
			}
			if isTerminal(req.Status) {
				stream.Send("done", map[string]string{"status": req.Status})
				return
			}
		}
	}
}

func isTerminal(status string) bool {
	return status == storage.RequestConfirmed || status == storage.RequestFailed
}

func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeError(w, "key subsystem unavailable", "KEYS_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, h.keys.ListKeys())
}

// HandleAttestation generates a signed attestation report binding the
// caller-supplied user data.
func (h *Handlers) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeError(w, "key subsystem unavailable", "KEYS_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	var req AttestationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	var userData []byte
	if req.UserData != "" {
		var err error
		userData, err = base64.StdEncoding.DecodeString(req.UserData)
		if err != nil {
			writeError(w, "user_data must be base64", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	report, err := h.keys.GenerateAttestationReport(userData)
	if err != nil {
		log.Error().Err(err).Msg("attestation report generation failed")
		writeError(w, "attestation failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	h.metrics.AttestationsTotal.Inc()

	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) HandleListSandboxes(w http.ResponseWriter, r *http.Request) {
	if h.sandboxes == nil {
		writeError(w, "sandbox manager unavailable", "SANDBOXES_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, h.sandboxes.List())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
