package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"offchain-service-core/internal/ledger"
	"offchain-service-core/internal/monitor"
	"offchain-service-core/internal/registry"
	"offchain-service-core/internal/sandbox"
	"offchain-service-core/internal/storage"
	"offchain-service-core/internal/txproxy"
)

const (
	defaultMaxResultBytes = 800
	defaultExecTimeout    = 30 * time.Second
	maxErrorLen           = 256
)

// routerIdentity is how the router authenticates to the transaction
// proxy for fulfillment callbacks.
var routerIdentity = sandbox.PeerInfo{
	ServiceID: "dispatcher",
	Verified:  true,
	Mechanism: "in-process",
}

// Invoker is the slice of the transaction proxy the router uses.
type Invoker interface {
	Invoke(ctx context.Context, intent *txproxy.Intent) (*txproxy.Receipt, error)
}

// RouterConfig holds routing policy.
type RouterConfig struct {
	// MaxResultBytes caps the result written back to the ledger.
	// Default 800.
	MaxResultBytes int
	// ExecTimeout bounds one executor invocation. Default 30s.
	ExecTimeout time.Duration
	// RelaxedCallbackMatch skips the event-vs-registration callback
	// comparison. Development only.
	RelaxedCallbackMatch bool
}

// Router is the dispatcher handler implementing the service request
// pipeline: dedup, persistence, application checks, execution and
// fulfillment.
type Router struct {
	cfg       RouterConfig
	store     storage.Store
	registry  registry.Registry
	catalog   *Catalog
	proxy     Invoker
	inspector *monitor.PayloadInspector
	audit     *storage.AuditWriter
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	log       zerolog.Logger
}

// NewRouter creates a router. The inspector and audit writer may be
// nil.
func NewRouter(cfg RouterConfig, store storage.Store, reg registry.Registry, catalog *Catalog,
	proxy Invoker, inspector *monitor.PayloadInspector, audit *storage.AuditWriter,
	metrics *monitor.Metrics, log zerolog.Logger) *Router {
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = defaultMaxResultBytes
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	return &Router{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		catalog:   catalog,
		proxy:     proxy,
		inspector: inspector,
		audit:     audit,
		metrics:   metrics,
		tracer:    monitor.NewTracer(),
		log:       log.With().Str("component", "router").Logger(),
	}
}

// HandleEvent runs the full pipeline for one service event. The event
// key is claimed before any other work, so redelivered events are
// no-ops. Terminal request failures return nil: they are handled, not
// retryable.
func (r *Router) HandleEvent(ctx context.Context, ev *ledger.Event) error {
	ctx, span := r.tracer.StartSpan(ctx, "dispatch",
		monitor.AttrRequestID.String(ev.RequestID),
		monitor.AttrAppID.String(ev.AppID),
	)
	defer span.End()

	first, err := r.store.MarkEventProcessed(ctx, ev.Key())
	if err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}
	if !first {
		r.log.Debug().Str("event_key", ev.Key()).Msg("event already processed, skipping")
		return nil
	}

	if ev.RequestID == "" || ev.AppID == "" {
		r.log.Warn().Str("event_key", ev.Key()).Msg("event missing request or app id, dropped")
		return nil
	}

	log := r.log.With().
		Str("request_id", ev.RequestID).
		Str("app_id", ev.AppID).
		Logger()
	start := time.Now()

	serviceType, typeErr := NormalizeServiceType(ev.ServiceType)
	if typeErr != nil {
		serviceType = strings.ToLower(strings.TrimSpace(ev.ServiceType))
	}
	r.metrics.EventsTotal.WithLabelValues(metricType(serviceType, typeErr)).Inc()
	r.metrics.PayloadSizeBytes.Observe(float64(len(ev.Payload)))

	req := &storage.ServiceRequest{
		RequestID:   ev.RequestID,
		AppID:       ev.AppID,
		ServiceType: serviceType,
		Requester:   ev.Requester,
		EventKey:    ev.Key(),
		Payload:     string(ev.Payload),
		Status:      storage.RequestReceived,
	}
	if err := r.store.CreateRequest(ctx, req); err != nil {
		return fmt.Errorf("persisting request %s: %w", ev.RequestID, err)
	}
	r.recordAudit(ev.RequestID, "received", "event "+ev.Key())
	log.Info().Str("service_type", serviceType).Msg("service request received")

	if typeErr != nil {
		r.fail(ctx, ev, nil, "unknown", start, typeErr.Error())
		return nil
	}

	app, err := r.registry.GetApplication(ctx, ev.AppID)
	if err != nil {
		if errors.Is(err, registry.ErrAppNotFound) {
			r.fail(ctx, ev, nil, serviceType, start, "application not registered")
		} else {
			r.fail(ctx, ev, nil, serviceType, start, "registry lookup failed: "+err.Error())
		}
		return nil
	}
	if !app.Active {
		r.fail(ctx, ev, nil, serviceType, start, "application inactive")
		return nil
	}

	// An event naming a different callback than the registration is a
	// spoofing attempt or a stale registration; either way the target
	// cannot be trusted, so no failure callback is sent.
	if !r.cfg.RelaxedCallbackMatch && ev.CallbackContract != "" &&
		!app.MatchesCallback(ev.CallbackContract, ev.CallbackMethod) {
		r.fail(ctx, ev, nil, serviceType, start, "callback target does not match registration")
		return nil
	}

	if !app.Allows(serviceType) {
		r.fail(ctx, ev, app, serviceType, start, "service type not permitted: "+serviceType)
		return nil
	}

	if err := r.store.UpdateRequest(ctx, ev.RequestID, storage.RequestUpdate{
		Status: storage.RequestDispatched,
	}); err != nil {
		log.Error().Err(err).Msg("failed to mark request dispatched")
	}
	r.recordAudit(ev.RequestID, "dispatched", serviceType)

	executor, ok := r.catalog.Get(serviceType)
	if !ok {
		r.fail(ctx, ev, app, serviceType, start, "no executor registered for "+serviceType)
		return nil
	}

	if serviceType == ServiceCompute && r.inspector != nil {
		findings := r.inspector.Inspect(ev.Payload)
		for _, f := range findings {
			r.metrics.InspectorFindings.WithLabelValues(f.Pattern).Inc()
		}
		if monitor.ShouldBlock(findings) {
			r.fail(ctx, ev, app, serviceType, start,
				fmt.Sprintf("payload rejected by inspector: %s", findings[0].Pattern))
			return nil
		}
	}

	result, err := r.execute(ctx, executor, &Task{
		RequestID:   ev.RequestID,
		AppID:       ev.AppID,
		ServiceType: serviceType,
		Payload:     ev.Payload,
	})
	if err != nil {
		var capErr *sandbox.CapabilityError
		if errors.As(err, &capErr) {
			r.metrics.CapabilityDenials.WithLabelValues(string(capErr.Capability)).Inc()
		}
		r.fail(ctx, ev, app, serviceType, start, "execution failed: "+err.Error())
		return nil
	}

	r.metrics.ResultSizeBytes.Observe(float64(len(result)))
	result = truncateResult(result, r.cfg.MaxResultBytes)
	resultStr := string(result)

	if err := r.store.UpdateRequest(ctx, ev.RequestID, storage.RequestUpdate{
		Status: storage.RequestExecuted,
		Result: &resultStr,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record execution result")
	}
	r.recordAudit(ev.RequestID, "executed", fmt.Sprintf("%d result bytes", len(result)))

	r.fulfill(ctx, ev, app, serviceType, start, true, resultStr, "")
	return nil
}

func (r *Router) execute(ctx context.Context, executor Executor, task *Task) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ExecTimeout)
	defer cancel()

	ctx, span := r.tracer.StartSpan(ctx, "execute",
		monitor.AttrRequestID.String(task.RequestID),
		monitor.AttrServiceType.String(task.ServiceType),
	)
	defer span.End()

	return executor.Execute(ctx, task)
}

// fail records a terminal failure. When the application's callback
// target has been validated, the failure is also reported on-chain so
// the consumer contract can unblock.
func (r *Router) fail(ctx context.Context, ev *ledger.Event, app *registry.Application,
	serviceType string, start time.Time, reason string) {
	reason = sanitizeError(reason)
	now := time.Now().UTC()

	if err := r.store.UpdateRequest(ctx, ev.RequestID, storage.RequestUpdate{
		Status:      storage.RequestFailed,
		Error:       &reason,
		CompletedAt: &now,
	}); err != nil {
		r.log.Error().Err(err).Str("request_id", ev.RequestID).Msg("failed to record request failure")
	}
	r.recordAudit(ev.RequestID, "failed", reason)
	r.metrics.RecordRequest(serviceType, storage.RequestFailed, time.Since(start).Seconds())
	r.log.Warn().
		Str("request_id", ev.RequestID).
		Str("app_id", ev.AppID).
		Str("reason", reason).
		Msg("service request failed")

	if app != nil {
		r.submitCallback(ctx, ev, app, serviceType, false, "", reason)
	}
}

// fulfill reports a successful execution on-chain and finalizes the
// request row.
func (r *Router) fulfill(ctx context.Context, ev *ledger.Event, app *registry.Application,
	serviceType string, start time.Time, success bool, result, errMsg string) {
	txHash, ok := r.submitCallback(ctx, ev, app, serviceType, success, result, errMsg)
	if !ok {
		now := time.Now().UTC()
		reason := "callback submission failed"
		if err := r.store.UpdateRequest(ctx, ev.RequestID, storage.RequestUpdate{
			Status:      storage.RequestFailed,
			Error:       &reason,
			CompletedAt: &now,
		}); err != nil {
			r.log.Error().Err(err).Str("request_id", ev.RequestID).Msg("failed to record callback failure")
		}
		r.metrics.RecordRequest(serviceType, storage.RequestFailed, time.Since(start).Seconds())
		return
	}

	update := storage.RequestUpdate{Status: storage.RequestCallbackSubmitted}
	if txHash != "" {
		update.CallbackTx = &txHash
	}
	if err := r.store.UpdateRequest(ctx, ev.RequestID, update); err != nil {
		r.log.Error().Err(err).Str("request_id", ev.RequestID).Msg("failed to record callback submission")
	}
	r.recordAudit(ev.RequestID, "callback_submitted", txHash)
	r.metrics.RecordRequest(serviceType, storage.RequestCallbackSubmitted, time.Since(start).Seconds())
	r.log.Info().
		Str("request_id", ev.RequestID).
		Str("tx_hash", txHash).
		Msg("fulfillment callback submitted")
}

// submitCallback invokes the consumer's registered callback through
// the proxy. A conflict means the callback already went out (crash
// recovery or a racing replica) and counts as submitted.
func (r *Router) submitCallback(ctx context.Context, ev *ledger.Event, app *registry.Application,
	serviceType string, success bool, result, errMsg string) (string, bool) {
	receipt, err := r.proxy.Invoke(ctx, &txproxy.Intent{
		RequestID: ev.RequestID,
		Contract:  app.CallbackContract,
		Method:    app.CallbackMethod,
		Params: []ledger.Param{
			ledger.StringParam(ev.RequestID),
			ledger.StringParam(ev.AppID),
			ledger.StringParam(serviceType),
			ledger.BoolParam(success),
			ledger.StringParam(result),
			ledger.StringParam(errMsg),
		},
		Caller: routerIdentity,
	})
	if err != nil {
		if errors.Is(err, txproxy.ErrConflict) {
			r.log.Info().Str("request_id", ev.RequestID).
				Msg("callback already submitted for this request")
			return "", true
		}
		r.log.Error().Err(err).Str("request_id", ev.RequestID).Msg("callback submission failed")
		return "", false
	}
	return receipt.TxHash, true
}

func (r *Router) recordAudit(requestID, action, detail string) {
	if r.audit == nil {
		return
	}
	r.audit.Record(&storage.AuditEvent{
		RequestID: requestID,
		Actor:     "dispatcher",
		Action:    action,
		Detail:    detail,
	})
}

func metricType(serviceType string, typeErr error) string {
	if typeErr != nil {
		return "unknown"
	}
	return serviceType
}

func truncateResult(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}

// sanitizeError makes an error safe for storage and on-chain echo:
// single line, bounded length.
func sanitizeError(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
