// ABOUTME: Store interface and record types for the diagnostic ledger
// ABOUTME: Defines Diagnostic and MetricSample rows and their query filters

package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when writing to a closed ledger
var ErrClosed = errors.New("store closed")

// Diagnostic is one persisted bridge diagnostic
type Diagnostic struct {
	ID        int64
	SessionID string
	Kind      string
	Route     string
	Detail    map[string]any
	CreatedAt time.Time
}

// MetricSample is one persisted "record metric" call
type MetricSample struct {
	ID        int64
	Name      string
	Value     float64
	Tags      map[string]string
	CreatedAt time.Time
}

// DiagnosticFilter narrows ListDiagnostics. Zero fields match everything.
type DiagnosticFilter struct {
	SessionID string
	Kind      string
	Since     time.Time
	Limit     int
}

// MetricFilter narrows ListMetricSamples. Zero fields match everything.
type MetricFilter struct {
	Name  string
	Since time.Time
	Limit int
}

const defaultListLimit = 100

// Store persists diagnostics and metric samples
type Store interface {
	SaveDiagnostic(ctx context.Context, d *Diagnostic) error
	ListDiagnostics(ctx context.Context, f DiagnosticFilter) ([]*Diagnostic, error)
	SaveMetricSample(ctx context.Context, m *MetricSample) error
	ListMetricSamples(ctx context.Context, f MetricFilter) ([]*MetricSample, error)
	// Prune deletes rows created before cutoff and returns how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
