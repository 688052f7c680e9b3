package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"offchain-service-core/internal/ledger"
	"offchain-service-core/internal/monitor"
)

// ErrQueueFull indicates the event queue rejected a dispatch. The
// caller leaves the event where it is and retries on its next poll.
var ErrQueueFull = errors.New("dispatch queue full")

// Handler processes one ledger event.
type Handler func(ctx context.Context, ev *ledger.Event) error

// Filter selects which events a handler receives. Empty lists match
// everything; matching is case-insensitive.
type Filter struct {
	Contracts  []string
	EventNames []string
}

func (f Filter) matches(ev *ledger.Event) bool {
	return matchesAny(f.Contracts, ev.Contract) && matchesAny(f.EventNames, ev.Name)
}

func matchesAny(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

type registration struct {
	id      string
	filter  Filter
	handler Handler
}

// Config holds dispatcher settings.
type Config struct {
	// QueueSize bounds the event queue. Default 512.
	QueueSize int
	// Workers is the number of event-processing goroutines. Default 4.
	Workers int
}

// Stats is a point-in-time dispatcher snapshot.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Workers       int    `json:"workers"`
	Handlers      int    `json:"handlers"`
	Processed     uint64 `json:"processed"`
	Dropped       uint64 `json:"dropped"`
	Errors        uint64 `json:"errors"`
	Panics        uint64 `json:"panics"`
}

// Dispatcher fans ledger events out to registered handlers through a
// bounded queue and a fixed worker pool. Enqueueing never blocks: when
// the queue is full the event is rejected and the watcher's redelivery
// covers it.
type Dispatcher struct {
	cfg     Config
	queue   chan *ledger.Event
	metrics *monitor.Metrics
	log     zerolog.Logger

	mu       sync.RWMutex
	handlers []registration

	processed atomic.Uint64
	dropped   atomic.Uint64
	errs      atomic.Uint64
	panics    atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. Start must be called before events flow.
func New(cfg Config, metrics *monitor.Metrics, log zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   make(chan *ledger.Event, cfg.QueueSize),
		metrics: metrics,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// RegisterHandler adds a handler under an id. Registering the same id
// again replaces the previous handler in place.
func (d *Dispatcher) RegisterHandler(id string, filter Filter, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, reg := range d.handlers {
		if reg.id == id {
			d.handlers[i] = registration{id: id, filter: filter, handler: handler}
			return
		}
	}
	d.handlers = append(d.handlers, registration{id: id, filter: filter, handler: handler})
	d.log.Info().Str("handler", id).Msg("handler registered")
}

// Unregister removes a handler. Unknown ids are a no-op.
func (d *Dispatcher) Unregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, reg := range d.handlers {
		if reg.id == id {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Dispatch enqueues an event without blocking. A full queue returns
// ErrQueueFull and counts the drop.
func (d *Dispatcher) Dispatch(ev *ledger.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	select {
	case d.queue <- ev:
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.dropped.Add(1)
		d.metrics.EventsDropped.Inc()
		d.log.Warn().Str("event_key", ev.Key()).Msg("dispatch queue full, event rejected")
		return fmt.Errorf("%w: %s", ErrQueueFull, ev.Key())
	}
}

// DispatchSync runs all matching handlers inline and returns every
// error, recovered panics included.
func (d *Dispatcher) DispatchSync(ctx context.Context, ev *ledger.Event) []error {
	var errs []error
	for _, reg := range d.matching(ev) {
		if err := d.runHandler(ctx, reg, ev); err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", reg.id, err))
		}
	}
	return errs
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.log.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).
		Msg("dispatcher started")
}

// Stop halts the workers. Events still queued are abandoned; the
// watcher's redelivery picks unprocessed ones up on restart.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.log.Info().Msg("dispatcher stopped")
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	handlers := len(d.handlers)
	d.mu.RUnlock()

	return Stats{
		QueueDepth:    len(d.queue),
		QueueCapacity: d.cfg.QueueSize,
		Workers:       d.cfg.Workers,
		Handlers:      handlers,
		Processed:     d.processed.Load(),
		Dropped:       d.dropped.Load(),
		Errors:        d.errs.Load(),
		Panics:        d.panics.Load(),
	}
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()
	log := d.log.With().Int("worker", n).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.metrics.QueueDepth.Set(float64(len(d.queue)))
			for _, reg := range d.matching(ev) {
				if err := d.runHandler(ctx, reg, ev); err != nil {
					log.Warn().Err(err).
						Str("handler", reg.id).
						Str("event_key", ev.Key()).
						Msg("handler failed")
				}
			}
			d.processed.Add(1)
		}
	}
}

func (d *Dispatcher) matching(ev *ledger.Event) []registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]registration, 0, len(d.handlers))
	for _, reg := range d.handlers {
		if reg.filter.matches(ev) {
			out = append(out, reg)
		}
	}
	return out
}

// runHandler invokes one handler, converting panics into errors so a
// misbehaving handler cannot take a worker down.
func (d *Dispatcher) runHandler(ctx context.Context, reg registration, ev *ledger.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.metrics.RecordHandlerError("panic")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := reg.handler(ctx, ev); err != nil {
		d.errs.Add(1)
		d.metrics.RecordHandlerError("error")
		return err
	}
	return nil
}
