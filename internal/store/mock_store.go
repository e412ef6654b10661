// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps diagnostics and metric samples in memory so tests run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	nextID      int64
	diagnostics []*Diagnostic
	samples     []*MetricSample
	closed      bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// SaveDiagnostic stores a copy of d.
func (m *MockStore) SaveDiagnostic(_ context.Context, d *Diagnostic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.nextID++
	d.ID = m.nextID
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	c := *d
	m.diagnostics = append(m.diagnostics, &c)
	return nil
}

// ListDiagnostics returns matching diagnostics, newest first.
func (m *MockStore) ListDiagnostics(_ context.Context, f DiagnosticFilter) ([]*Diagnostic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Diagnostic
	for _, d := range m.diagnostics {
		if f.SessionID != "" && d.SessionID != f.SessionID {
			continue
		}
		if f.Kind != "" && d.Kind != f.Kind {
			continue
		}
		if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit := limitOrDefault(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveMetricSample stores a copy of s.
func (m *MockStore) SaveMetricSample(_ context.Context, s *MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.nextID++
	s.ID = m.nextID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	c := *s
	m.samples = append(m.samples, &c)
	return nil
}

// ListMetricSamples returns matching samples, newest first.
func (m *MockStore) ListMetricSamples(_ context.Context, f MetricFilter) ([]*MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MetricSample
	for _, s := range m.samples {
		if f.Name != "" && s.Name != f.Name {
			continue
		}
		if !f.Since.IsZero() && s.CreatedAt.Before(f.Since) {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit := limitOrDefault(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune deletes rows created before cutoff.
func (m *MockStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	keptDiag := m.diagnostics[:0]
	for _, d := range m.diagnostics {
		if d.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		keptDiag = append(keptDiag, d)
	}
	m.diagnostics = keptDiag

	keptSamples := m.samples[:0]
	for _, s := range m.samples {
		if s.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		keptSamples = append(keptSamples, s)
	}
	m.samples = keptSamples
	return removed, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
