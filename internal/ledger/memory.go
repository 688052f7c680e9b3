package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// MemoryClient is an in-process ledger used by tests and simulated
// deployments. Events are appended by the test harness; submitted
// transactions are recorded and confirmed after ConfirmAfter further
// status polls (0 confirms immediately).
type MemoryClient struct {
	mu           sync.RWMutex
	height       uint64
	events       []Event
	transactions map[string]*memoryTx
	ConfirmAfter int
	SubmitErr    error
}

type memoryTx struct {
	tx     Transaction
	status TxStatus
	polls  int
}

// NewMemoryClient creates an empty in-memory ledger at height 0.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		transactions: make(map[string]*memoryTx),
	}
}

// AppendEvent records an event at the next height and advances the chain.
func (m *MemoryClient) AppendEvent(ev Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height++
	ev.Height = m.height
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}
	m.events = append(m.events, ev)
	return ev
}

// AdvanceHeight grows the chain without events.
func (m *MemoryClient) AdvanceHeight(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height += n
}

func (m *MemoryClient) Height(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height, nil
}

func (m *MemoryClient) Events(_ context.Context, fromHeight uint64) ([]Event, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Height >= fromHeight {
			out = append(out, ev)
		}
	}
	return out, m.height + 1, nil
}

func (m *MemoryClient) SubmitTransaction(_ context.Context, tx *Transaction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return "", m.SubmitErr
	}
	hash := hashTransaction(tx)
	m.height++
	m.transactions[hash] = &memoryTx{
		tx: *tx,
		status: TxStatus{
			Hash:    hash,
			Height:  m.height,
			Success: true,
		},
	}
	return hash, nil
}

func (m *MemoryClient) TransactionStatus(_ context.Context, hash string) (*TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.transactions[hash]
	if !ok {
		return nil, ErrTxNotFound
	}
	if !rec.status.Included {
		rec.polls++
		if rec.polls > m.ConfirmAfter {
			rec.status.Included = true
		}
	}
	status := rec.status
	return &status, nil
}

// SubmittedTransactions returns every transaction accepted so far, in
// no particular order.
func (m *MemoryClient) SubmittedTransactions() []Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transaction, 0, len(m.transactions))
	for _, rec := range m.transactions {
		out = append(out, rec.tx)
	}
	return out
}

func hashTransaction(tx *Transaction) string {
	raw, _ := json.Marshal(tx)
	sum := sha256.Sum256(raw)
	return "0x" + hex.EncodeToString(sum[:])
}
