// ABOUTME: Asynchronous writer that persists bridge diagnostics and metric samples
// ABOUTME: Callers never block on the database; records are dropped when the buffer is full

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/live-gateway/internal/bridge"
)

const (
	defaultLedgerBuffer = 1024
	writeTimeout        = 5 * time.Second
)

// Ledger records diagnostics and metrics into a Store from a single writer goroutine.
// It implements bridge.DiagnosticRecorder and the metrics sink interface.
type Ledger struct {
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	records chan any
	done    chan struct{}
	dropped atomic.Int64
}

// NewLedger starts a ledger writing to store. buffer <= 0 uses a default size.
func NewLedger(store Store, buffer int, logger *slog.Logger) *Ledger {
	if buffer <= 0 {
		buffer = defaultLedgerBuffer
	}
	l := &Ledger{
		store:   store,
		logger:  logger.With("component", "ledger"),
		records: make(chan any, buffer),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// RecordDiagnostic queues a bridge diagnostic.
func (l *Ledger) RecordDiagnostic(d bridge.Diagnostic) {
	l.enqueue(&Diagnostic{
		SessionID: d.SessionID,
		Kind:      d.Kind,
		Route:     d.Route.String(),
		Detail:    d.Detail,
		CreatedAt: d.At,
	})
}

// RecordMetric queues a metric sample.
func (l *Ledger) RecordMetric(_ context.Context, name string, value float64, tags map[string]string) {
	var copied map[string]string
	if len(tags) > 0 {
		copied = make(map[string]string, len(tags))
		for k, v := range tags {
			copied[k] = v
		}
	}
	l.enqueue(&MetricSample{Name: name, Value: value, Tags: copied, CreatedAt: time.Now()})
}

// Diagnostics queries persisted diagnostics.
func (l *Ledger) Diagnostics(ctx context.Context, f DiagnosticFilter) ([]*Diagnostic, error) {
	return l.store.ListDiagnostics(ctx, f)
}

// MetricSamples queries persisted metric samples.
func (l *Ledger) MetricSamples(ctx context.Context, f MetricFilter) ([]*MetricSample, error) {
	return l.store.ListMetricSamples(ctx, f)
}

// Prune removes rows older than retention.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return l.store.Prune(ctx, time.Now().Add(-retention))
}

// Dropped returns how many records were discarded because the buffer was full.
func (l *Ledger) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes queued records and closes the store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.records)
	l.mu.Unlock()

	<-l.done
	return l.store.Close()
}

func (l *Ledger) enqueue(rec any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.records <- rec:
	default:
		if n := l.dropped.Add(1); n == 1 || n%1000 == 0 {
			l.logger.Warn("ledger buffer full, dropping records", "dropped", n)
		}
	}
}

func (l *Ledger) run() {
	defer close(l.done)
	for rec := range l.records {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch r := rec.(type) {
		case *Diagnostic:
			err = l.store.SaveDiagnostic(ctx, r)
		case *MetricSample:
			err = l.store.SaveMetricSample(ctx, r)
		}
		cancel()
		if err != nil {
			l.logger.Warn("ledger write failed", "error", err)
		}
	}
}
