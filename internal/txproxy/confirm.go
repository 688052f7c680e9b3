package txproxy

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"offchain-service-core/internal/ledger"
	"offchain-service-core/internal/monitor"
	"offchain-service-core/internal/storage"
)

// ConfirmationConfig controls the confirmation poll loop.
type ConfirmationConfig struct {
	// PollInterval between ledger status sweeps.
	PollInterval time.Duration
	// Window is how long a submitted transaction may stay unseen
	// before it is parked as unconfirmed for an operator.
	Window time.Duration
	// BatchSize caps how many pending submissions one sweep loads.
	BatchSize int
}

// ConfirmationWorker promotes submitted transactions to confirmed (or
// parks them as unconfirmed) by polling the ledger. Pending work is
// read from storage every sweep, so a restart picks up where the
// previous process stopped.
type ConfirmationWorker struct {
	cfg     ConfirmationConfig
	ledger  ledger.Client
	store   storage.Store
	metrics *monitor.Metrics
	log     zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConfirmationWorker creates a confirmation worker.
func NewConfirmationWorker(cfg ConfirmationConfig, client ledger.Client, store storage.Store,
	metrics *monitor.Metrics, log zerolog.Logger) *ConfirmationWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ConfirmationWorker{
		cfg:     cfg,
		ledger:  client,
		store:   store,
		metrics: metrics,
		log:     log.With().Str("component", "confirmations").Logger(),
	}
}

// Start begins polling in a background goroutine.
func (w *ConfirmationWorker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx)
	w.log.Info().Dur("interval", w.cfg.PollInterval).Msg("confirmation worker started")
}

// Stop halts polling and waits for the loop to exit.
func (w *ConfirmationWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.log.Info().Msg("confirmation worker stopped")
}

func (w *ConfirmationWorker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ConfirmationWorker) sweep(ctx context.Context) {
	pending, err := w.store.PendingSubmissions(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to load pending submissions")
		return
	}

	for _, sub := range pending {
		w.check(ctx, sub)
	}
}

func (w *ConfirmationWorker) check(ctx context.Context, sub storage.Submission) {
	status, err := w.ledger.TransactionStatus(ctx, sub.TxHash)
	switch {
	case errors.Is(err, ledger.ErrTxNotFound):
		if time.Since(sub.SubmittedAt) > w.cfg.Window {
			w.park(ctx, sub)
		}
		return
	case err != nil:
		w.log.Warn().Err(err).Str("tx_hash", sub.TxHash).Msg("transaction status lookup failed")
		return
	}

	if !status.Included {
		if time.Since(sub.SubmittedAt) > w.cfg.Window {
			w.park(ctx, sub)
		}
		return
	}

	if status.Success {
		w.promote(ctx, sub)
	} else {
		w.fail(ctx, sub)
	}
}

func (w *ConfirmationWorker) promote(ctx context.Context, sub storage.Submission) {
	now := time.Now().UTC()
	if err := w.store.UpdateSubmission(ctx, sub.RequestID, storage.SubmissionUpdate{
		Status:      storage.SubmissionConfirmed,
		ConfirmedAt: &now,
	}); err != nil {
		w.log.Error().Err(err).Str("request_id", sub.RequestID).Msg("failed to confirm submission")
		return
	}

	// Direct invocations have no request row; that is fine.
	err := w.store.UpdateRequest(ctx, sub.RequestID, storage.RequestUpdate{
		Status:      storage.RequestConfirmed,
		CompletedAt: &now,
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.log.Error().Err(err).Str("request_id", sub.RequestID).Msg("failed to confirm request")
	}

	w.metrics.RecordSubmission("confirmed")
	w.log.Info().Str("request_id", sub.RequestID).Str("tx_hash", sub.TxHash).
		Msg("submission confirmed")
}

func (w *ConfirmationWorker) fail(ctx context.Context, sub storage.Submission) {
	errMsg := "callback transaction reverted"
	if err := w.store.UpdateSubmission(ctx, sub.RequestID, storage.SubmissionUpdate{
		Status: storage.SubmissionFailed,
		Error:  &errMsg,
	}); err != nil {
		w.log.Error().Err(err).Str("request_id", sub.RequestID).Msg("failed to record reverted submission")
		return
	}

	now := time.Now().UTC()
	err := w.store.UpdateRequest(ctx, sub.RequestID, storage.RequestUpdate{
		Status:      storage.RequestFailed,
		Error:       &errMsg,
		CompletedAt: &now,
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.log.Error().Err(err).Str("request_id", sub.RequestID).Msg("failed to record failed request")
	}

	w.metrics.RecordSubmission("reverted")
	w.log.Warn().Str("request_id", sub.RequestID).Str("tx_hash", sub.TxHash).
		Msg("callback transaction reverted")
}

func (w *ConfirmationWorker) park(ctx context.Context, sub storage.Submission) {
	if err := w.store.UpdateSubmission(ctx, sub.RequestID, storage.SubmissionUpdate{
		Status: storage.SubmissionUnconfirmed,
	}); err != nil {
		w.log.Error().Err(err).Str("request_id", sub.RequestID).Msg("failed to park submission")
		return
	}
	w.metrics.RecordSubmission("unconfirmed")
	w.log.Warn().Str("request_id", sub.RequestID).Str("tx_hash", sub.TxHash).
		Dur("window", w.cfg.Window).
		Msg("confirmation window expired, parked for operator review")
}
