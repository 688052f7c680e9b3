package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter buffers audit events and writes them asynchronously so
// the dispatch and proxy paths never block on the database.
type AuditWriter struct {
	store Store
	ch    chan *AuditEvent
	wg    sync.WaitGroup
	done  chan struct{}
}

func NewAuditWriter(store Store, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store: store,
		ch:    make(chan *AuditEvent, bufferSize),
		done:  make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record queues an audit event. Never blocks; a full buffer drops the
// entry with a warning.
func (w *AuditWriter) Record(ev *AuditEvent) {
	select {
	case w.ch <- ev:
	default:
		log.Warn().Str("request_id", ev.RequestID).Str("action", ev.Action).
			Msg("audit buffer full, dropping entry")
	}
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case ev := <-w.ch:
			w.writeWithRetry(ev)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case ev := <-w.ch:
					w.writeWithRetry(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(ev *AuditEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.AppendAudit(ctx, ev)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("action", ev.Action).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("action", ev.Action).
				Msg("audit write failed permanently after retries")
		}
	}
}
