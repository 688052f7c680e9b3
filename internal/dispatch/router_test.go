package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"offchain-service-core/internal/keys"
	"offchain-service-core/internal/ledger"
	"offchain-service-core/internal/monitor"
	"offchain-service-core/internal/registry"
	"offchain-service-core/internal/sandbox"
	"offchain-service-core/internal/storage"
	"offchain-service-core/internal/txproxy"
)

type stubInvoker struct {
	mu      sync.Mutex
	intents []*txproxy.Intent
	err     error
}

func (s *stubInvoker) Invoke(_ context.Context, intent *txproxy.Intent) (*txproxy.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.intents = append(s.intents, intent)
	return &txproxy.Receipt{
		RequestID:   intent.RequestID,
		TxHash:      "0xcallback",
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (s *stubInvoker) calls() []*txproxy.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*txproxy.Intent(nil), s.intents...)
}

type countingExecutor struct {
	calls  int
	result []byte
	err    error
}

func (e *countingExecutor) Execute(context.Context, *Task) ([]byte, error) {
	e.calls++
	return e.result, e.err
}

type routerFixture struct {
	store   *storage.MemoryStore
	reg     *registry.MemoryRegistry
	catalog *Catalog
	invoker *stubInvoker
	router  *Router
}

func newRouterFixture(t *testing.T, cfg RouterConfig) *routerFixture {
	t.Helper()

	store := storage.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	reg.Register(&registry.Application{
		AppID:            "app-7",
		Name:             "price-feed",
		Owner:            "0xowner",
		Active:           true,
		Permissions:      map[string]bool{"random": true, "compute": true},
		CallbackContract: "ServiceHub",
		CallbackMethod:   "fulfill",
	})

	catalog := NewCatalog()
	catalog.Register(ServiceRandom, NewRandomExecutor(newTestKeys(t)))

	invoker := &stubInvoker{}
	router := NewRouter(cfg, store, reg, catalog, invoker,
		monitor.NewPayloadInspector(0), nil, monitor.NewMetrics(), zerolog.Nop())

	return &routerFixture{store: store, reg: reg, catalog: catalog, invoker: invoker, router: router}
}

func serviceEvent(requestID, appID, serviceType string) *ledger.Event {
	return &ledger.Event{
		Chain:            "testnet",
		TxHash:           "0xreq-" + requestID,
		LogIndex:         0,
		Height:           10,
		Contract:         "ServiceHub",
		Name:             "ServiceRequested",
		RequestID:        requestID,
		AppID:            appID,
		ServiceType:      serviceType,
		Requester:        "0xconsumer",
		CallbackContract: "ServiceHub",
		CallbackMethod:   "fulfill",
	}
}

func mustGetRequest(t *testing.T, store storage.Store, requestID string) *storage.ServiceRequest {
	t.Helper()
	req, err := store.GetRequest(context.Background(), requestID)
	if err != nil {
		t.Fatalf("GetRequest(%s) error = %v", requestID, err)
	}
	return req
}

func TestRouterFulfillsRandomRequest(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})
	ev := serviceEvent("req-42", "app-7", "random")

	if err := f.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	calls := f.invoker.calls()
	if len(calls) != 1 {
		t.Fatalf("proxy invoked %d times, want 1", len(calls))
	}
	intent := calls[0]
	if intent.Contract != "ServiceHub" || intent.Method != "fulfill" {
		t.Errorf("callback target = %s.%s, want ServiceHub.fulfill", intent.Contract, intent.Method)
	}
	if intent.Caller.ServiceID != "dispatcher" || !intent.Caller.Verified {
		t.Errorf("callback caller = %+v, want verified dispatcher", intent.Caller)
	}
	if len(intent.Params) != 6 {
		t.Fatalf("callback params = %d, want 6", len(intent.Params))
	}
	if intent.Params[0].Value != "req-42" || intent.Params[1].Value != "app-7" || intent.Params[2].Value != "random" {
		t.Errorf("callback identity params = %v", intent.Params[:3])
	}
	if success, ok := intent.Params[3].Value.(bool); !ok || !success {
		t.Errorf("success param = %v, want true", intent.Params[3].Value)
	}
	result, ok := intent.Params[4].Value.(string)
	if !ok {
		t.Fatalf("result param = %T, want string", intent.Params[4].Value)
	}
	if _, err := hex.DecodeString(result); err != nil || len(result) != 64 {
		t.Errorf("result param = %q, want 64 hex chars", result)
	}
	if intent.Params[5].Value != "" {
		t.Errorf("error param = %v, want empty", intent.Params[5].Value)
	}

	req := mustGetRequest(t, f.store, "req-42")
	if req.Status != storage.RequestCallbackSubmitted {
		t.Errorf("request status = %q, want %q", req.Status, storage.RequestCallbackSubmitted)
	}
	if req.CallbackTx != "0xcallback" {
		t.Errorf("callback tx = %q, want 0xcallback", req.CallbackTx)
	}
	if req.Result != result {
		t.Errorf("stored result = %q, callback result = %q", req.Result, result)
	}

	// Redelivery of the same ledger event must be a no-op.
	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-42", "app-7", "random")); err != nil {
		t.Fatalf("redelivered HandleEvent() error = %v", err)
	}
	if got := len(f.invoker.calls()); got != 1 {
		t.Errorf("proxy invoked %d times after redelivery, want 1", got)
	}
}

func TestRouterUnknownServiceType(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})

	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-1", "app-7", "teleport")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestFailed {
		t.Errorf("status = %q, want %q", req.Status, storage.RequestFailed)
	}
	if !strings.Contains(req.Error, "unknown service type") {
		t.Errorf("error = %q, want unknown service type", req.Error)
	}
	if req.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal failure")
	}
	if got := len(f.invoker.calls()); got != 0 {
		t.Errorf("proxy invoked %d times, want 0", got)
	}
}

func TestRouterUnregisteredApp(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})

	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-1", "app-ghost", "random")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestFailed || !strings.Contains(req.Error, "application not registered") {
		t.Errorf("request = %q/%q, want failed/application not registered", req.Status, req.Error)
	}
	if got := len(f.invoker.calls()); got != 0 {
		t.Errorf("proxy invoked %d times, want 0", got)
	}
}

func TestRouterInactiveApp(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})
	f.reg.Register(&registry.Application{
		AppID:            "app-frozen",
		Active:           false,
		Permissions:      map[string]bool{"random": true},
		CallbackContract: "ServiceHub",
		CallbackMethod:   "fulfill",
	})

	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-1", "app-frozen", "random")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestFailed || !strings.Contains(req.Error, "application inactive") {
		t.Errorf("request = %q/%q, want failed/application inactive", req.Status, req.Error)
	}
}

func TestRouterCallbackTargetMismatch(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})
	ev := serviceEvent("req-1", "app-7", "random")
	ev.CallbackContract = "EvilHub"

	if err := f.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestFailed || !strings.Contains(req.Error, "callback target") {
		t.Errorf("request = %q/%q, want failed/callback target mismatch", req.Status, req.Error)
	}
	// The event named an unvetted target, so no failure callback either.
	if got := len(f.invoker.calls()); got != 0 {
		t.Errorf("proxy invoked %d times, want 0", got)
	}
}

func TestRouterRelaxedCallbackMatch(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{RelaxedCallbackMatch: true})
	ev := serviceEvent("req-1", "app-7", "random")
	ev.CallbackContract = "DevHub"

	if err := f.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	calls := f.invoker.calls()
	if len(calls) != 1 {
		t.Fatalf("proxy invoked %d times, want 1", len(calls))
	}
	// Even relaxed, the callback goes to the registered target.
	if calls[0].Contract != "ServiceHub" {
		t.Errorf("callback contract = %q, want ServiceHub", calls[0].Contract)
	}
}

func TestRouterServiceTypeNotPermitted(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})
	f.reg.Register(&registry.Application{
		AppID:            "app-compute-only",
		Active:           true,
		Permissions:      map[string]bool{"compute": true},
		CallbackContract: "ServiceHub",
		CallbackMethod:   "fulfill",
	})

	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-1", "app-compute-only", "random")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestFailed || !strings.Contains(req.Error, "not permitted") {
		t.Errorf("request = %q/%q, want failed/not permitted", req.Status, req.Error)
	}

	// Validated callback target, so the failure is reported on-chain.
	calls := f.invoker.calls()
	if len(calls) != 1 {
		t.Fatalf("proxy invoked %d times, want 1 failure callback", len(calls))
	}
	if success, _ := calls[0].Params[3].Value.(bool); success {
		t.Error("failure callback carries success=true")
	}
	if errMsg, _ := calls[0].Params[5].Value.(string); !strings.Contains(errMsg, "not permitted") {
		t.Errorf("failure callback error = %q", errMsg)
	}
}

func TestRouterNoExecutorRegistered(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})

	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-1", "app-7", "compute")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestFailed || !strings.Contains(req.Error, "no executor registered") {
		t.Errorf("request = %q/%q, want failed/no executor registered", req.Status, req.Error)
	}
	if got := len(f.invoker.calls()); got != 1 {
		t.Errorf("proxy invoked %d times, want 1 failure callback", got)
	}
}

func TestRouterInspectorBlocksHostilePayload(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})
	exec := &countingExecutor{result: []byte("never")}
	f.catalog.Register(ServiceCompute, exec)

	ev := serviceEvent("req-1", "app-7", "compute")
	ev.Payload = []byte("cat /dev/attestation/quote")

	if err := f.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	if exec.calls != 0 {
		t.Errorf("executor ran %d times on a blocked payload, want 0", exec.calls)
	}
	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestFailed || !strings.Contains(req.Error, "rejected by inspector") {
		t.Errorf("request = %q/%q, want failed/rejected by inspector", req.Status, req.Error)
	}
}

func TestRouterExecutorFailure(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})
	f.catalog.Register(ServiceCompute, &countingExecutor{
		err: errors.New("upstream timeout\nworker stack trace follows"),
	})

	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-1", "app-7", "compute")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestFailed {
		t.Errorf("status = %q, want %q", req.Status, storage.RequestFailed)
	}
	if !strings.Contains(req.Error, "execution failed: upstream timeout") {
		t.Errorf("error = %q", req.Error)
	}
	if strings.ContainsAny(req.Error, "\n\r") {
		t.Errorf("stored error not single-line: %q", req.Error)
	}

	calls := f.invoker.calls()
	if len(calls) != 1 {
		t.Fatalf("proxy invoked %d times, want 1 failure callback", len(calls))
	}
	if errMsg, _ := calls[0].Params[5].Value.(string); strings.ContainsAny(errMsg, "\n\r") {
		t.Errorf("callback error not single-line: %q", errMsg)
	}
}

func TestRouterResultTruncated(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{MaxResultBytes: 10})
	f.catalog.Register(ServiceCompute, &countingExecutor{
		result: []byte(strings.Repeat("x", 40)),
	})

	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-1", "app-7", "compute")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if len(req.Result) != 10 {
		t.Errorf("stored result = %d bytes, want 10", len(req.Result))
	}
	calls := f.invoker.calls()
	if len(calls) != 1 {
		t.Fatalf("proxy invoked %d times, want 1", len(calls))
	}
	if result, _ := calls[0].Params[4].Value.(string); len(result) != 10 {
		t.Errorf("callback result = %d bytes, want 10", len(result))
	}
}

func TestRouterCallbackConflictCountsAsSubmitted(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})
	f.invoker.err = txproxy.ErrConflict

	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-1", "app-7", "random")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestCallbackSubmitted {
		t.Errorf("status = %q, want %q", req.Status, storage.RequestCallbackSubmitted)
	}
	if req.CallbackTx != "" {
		t.Errorf("callback tx = %q, want empty on conflict", req.CallbackTx)
	}
}

func TestRouterCallbackFailureMarksRequestFailed(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})
	f.invoker.err = txproxy.ErrUnavailable

	if err := f.router.HandleEvent(context.Background(), serviceEvent("req-1", "app-7", "random")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	req := mustGetRequest(t, f.store, "req-1")
	if req.Status != storage.RequestFailed || !strings.Contains(req.Error, "callback submission failed") {
		t.Errorf("request = %q/%q, want failed/callback submission failed", req.Status, req.Error)
	}
}

func TestRouterDropsEventMissingIdentifiers(t *testing.T) {
	f := newRouterFixture(t, RouterConfig{})
	ev := serviceEvent("", "app-7", "random")

	if err := f.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	if _, err := f.store.GetRequest(context.Background(), ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRequest error = %v, want ErrNotFound", err)
	}
	if got := len(f.invoker.calls()); got != 0 {
		t.Errorf("proxy invoked %d times, want 0", got)
	}
}

// TestRouterWithTransactionProxy wires the router to the real proxy and
// an in-memory ledger: one service event must produce exactly one
// signed fulfillment transaction, redelivery none.
func TestRouterWithTransactionProxy(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	reg.Register(&registry.Application{
		AppID:            "app-7",
		Active:           true,
		Permissions:      map[string]bool{"random": true},
		CallbackContract: "ServiceHub",
		CallbackMethod:   "fulfill",
	})

	ks, err := keys.NewStore("test-enclave", true)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	signingKey, err := ks.GenerateKey(keys.TypeECDSAP256, "proxy-signing")
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	client := ledger.NewMemoryClient()
	audit := storage.NewAuditWriter(store, 64)
	audit.Start()
	defer audit.Flush(time.Second)

	proxy := txproxy.New(
		txproxy.Config{SigningKeyID: signingKey.ID, Sender: "platform-1"},
		ks, trustAllPeers{}, client, store,
		txproxy.NewAllowlist([]string{"ServiceHub:fulfill"}),
		audit, monitor.NewMetrics(), zerolog.Nop(),
	)

	catalog := NewCatalog()
	catalog.Register(ServiceRandom, NewRandomExecutor(ks))

	router := NewRouter(RouterConfig{}, store, reg, catalog, proxy,
		monitor.NewPayloadInspector(0), audit, monitor.NewMetrics(), zerolog.Nop())

	ev := serviceEvent("req-42", "app-7", "random")
	if err := router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if err := router.HandleEvent(context.Background(), serviceEvent("req-42", "app-7", "random")); err != nil {
		t.Fatalf("redelivered HandleEvent() error = %v", err)
	}

	txs := client.SubmittedTransactions()
	if len(txs) != 1 {
		t.Fatalf("ledger received %d transactions, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Contract != "ServiceHub" || tx.Method != "fulfill" {
		t.Errorf("transaction target = %s.%s, want ServiceHub.fulfill", tx.Contract, tx.Method)
	}
	if len(tx.Params) != 6 || tx.Params[0].Value != "req-42" {
		t.Errorf("transaction params = %v", tx.Params)
	}
	if len(tx.Signature) == 0 || len(tx.PublicKey) == 0 {
		t.Error("transaction left the proxy unsigned")
	}

	sub, err := store.GetSubmission(context.Background(), "req-42")
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if sub.Status != storage.SubmissionSubmitted {
		t.Errorf("submission status = %q, want %q", sub.Status, storage.SubmissionSubmitted)
	}

	req, err := store.GetRequest(context.Background(), "req-42")
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if req.Status != storage.RequestCallbackSubmitted {
		t.Errorf("request status = %q, want %q", req.Status, storage.RequestCallbackSubmitted)
	}
	if req.CallbackTx != sub.TxHash {
		t.Errorf("request callback tx %q != submission tx %q", req.CallbackTx, sub.TxHash)
	}
}

type trustAllPeers struct{}

func (trustAllPeers) VerifyPeer(peer sandbox.PeerInfo) (string, error) {
	return peer.ServiceID, nil
}
