package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventSink receives observed ledger events. A sink error leaves the
// watcher cursor on the failed event so the next poll redelivers it.
type EventSink func(ctx context.Context, ev Event) error

// WatcherConfig controls the event poll loop.
type WatcherConfig struct {
	// PollInterval between ledger queries.
	PollInterval time.Duration
	// StartHeight is the first height to poll from. 0 means start at
	// the current chain tip.
	StartHeight uint64
}

// Watcher polls a ledger client for service events and hands them to a
// sink. Delivery is at-least-once: the cursor only advances past events
// the sink accepted, so downstream deduplication is required.
type Watcher struct {
	client   Client
	sink     EventSink
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	next   uint64
	seeded bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher. The sink must be non-nil.
func NewWatcher(client Client, sink EventSink, cfg WatcherConfig, log zerolog.Logger) *Watcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	w := &Watcher{
		client:   client,
		sink:     sink,
		interval: interval,
		log:      log.With().Str("component", "ledger_watcher").Logger(),
	}
	if cfg.StartHeight > 0 {
		w.next = cfg.StartHeight
		w.seeded = true
	}
	return w
}

// Start begins polling in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx)
	w.log.Info().Dur("interval", w.interval).Msg("ledger watcher started")
}

// Stop halts polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.log.Info().Msg("ledger watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// Cursor returns the next height the watcher will poll from.
func (w *Watcher) Cursor() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

func (w *Watcher) poll(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seeded {
		height, err := w.client.Height(ctx)
		if err != nil {
			w.log.Warn().Err(err).Msg("failed to read chain height")
			return
		}
		w.next = height + 1
		w.seeded = true
		w.log.Info().Uint64("height", height).Msg("watcher cursor seeded at chain tip")
	}

	events, nextHeight, err := w.client.Events(ctx, w.next)
	if err != nil {
		w.log.Warn().Err(err).Uint64("from_height", w.next).Msg("failed to fetch ledger events")
		return
	}

	for _, ev := range events {
		if err := w.sink(ctx, ev); err != nil {
			// Hold the cursor on this event so the next poll retries it.
			w.next = ev.Height
			w.log.Warn().
				Err(err).
				Str("event_key", ev.Key()).
				Uint64("height", ev.Height).
				Msg("sink rejected event, will redeliver")
			return
		}
	}
	w.next = nextHeight
}
