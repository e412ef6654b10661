// ABOUTME: Tests for the SQLite store, the mock store and the asynchronous ledger
// ABOUTME: Covers persistence, filtering, pruning and bridge diagnostic conversion

package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/live-gateway/internal/bridge"
	"github.com/2389/live-gateway/internal/routes"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "ledger.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

// storeContract runs the same behavior checks against every Store implementation.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, d := range []*Diagnostic{
		{SessionID: "s1", Kind: "failover", Route: "m0/p0", Detail: map[string]any{"reason": "rate_limit"}, CreatedAt: base},
		{SessionID: "s1", Kind: "setup_sent", Route: "m1/p0", CreatedAt: base.Add(time.Second)},
		{SessionID: "s2", Kind: "failover", Route: "m0/p1", CreatedAt: base.Add(2 * time.Second)},
	} {
		require.NoError(t, s.SaveDiagnostic(ctx, d), "diagnostic %d", i)
		assert.NotZero(t, d.ID)
	}

	got, err := s.ListDiagnostics(ctx, DiagnosticFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "setup_sent", got[0].Kind, "newest first")
	assert.Equal(t, "rate_limit", got[1].Detail["reason"])
	assert.True(t, got[1].CreatedAt.Equal(base))
	assert.Nil(t, got[0].Detail)

	got, err = s.ListDiagnostics(ctx, DiagnosticFilter{Kind: "failover", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)

	got, err = s.ListDiagnostics(ctx, DiagnosticFilter{Since: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.SaveMetricSample(ctx, &MetricSample{Name: "replay_hits_total", Value: 1, CreatedAt: base}))
	require.NoError(t, s.SaveMetricSample(ctx, &MetricSample{
		Name: "orchestrator_dispatch_seconds", Value: 0.5, Tags: map[string]string{"route": "grpc"}, CreatedAt: base.Add(time.Second),
	}))

	samples, err := s.ListMetricSamples(ctx, MetricFilter{Name: "orchestrator_dispatch_seconds"})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 0.5, samples[0].Value, 0.0001)
	assert.Equal(t, "grpc", samples[0].Tags["route"])

	removed, err := s.Prune(ctx, base.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	got, err = s.ListDiagnostics(ctx, DiagnosticFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)
}

func TestSQLiteStore_Contract(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	storeContract(t, s)
}

func TestMockStore_Contract(t *testing.T) {
	storeContract(t, NewMockStore())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLedger_PersistsAsynchronously(t *testing.T) {
	s := newTestStore(t)
	l := NewLedger(s, 16, testLogger())

	l.RecordDiagnostic(bridge.Diagnostic{
		SessionID: "s1",
		Kind:      bridge.DiagFailover,
		Route:     routes.Route{Model: "m0", Profile: "p1"},
		Detail:    map[string]any{"attempt": 1},
		At:        time.Now(),
	})
	tags := map[string]string{"type": "live.text"}
	l.RecordMetric(context.Background(), "session_messages_total", 1, tags)
	tags["type"] = "mutated"

	require.Eventually(t, func() bool {
		got, err := l.Diagnostics(context.Background(), DiagnosticFilter{SessionID: "s1"})
		return err == nil && len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := l.Diagnostics(context.Background(), DiagnosticFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, bridge.DiagFailover, got[0].Kind)
	assert.Equal(t, routes.Route{Model: "m0", Profile: "p1"}.String(), got[0].Route)
	assert.EqualValues(t, 1, got[0].Detail["attempt"])

	require.Eventually(t, func() bool {
		samples, err := l.MetricSamples(context.Background(), MetricFilter{Name: "session_messages_total"})
		return err == nil && len(samples) == 1 && samples[0].Tags["type"] == "live.text"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")
	l.RecordMetric(context.Background(), "after_close", 1, nil)
}

func TestLedger_CloseFlushes(t *testing.T) {
	m := NewMockStore()
	l := NewLedger(m, 64, testLogger())
	for range 20 {
		l.RecordMetric(context.Background(), "replay_hits_total", 1, nil)
	}
	require.NoError(t, l.Close())

	samples, err := m.ListMetricSamples(context.Background(), MetricFilter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, samples, 20)
}

type blockingStore struct {
	*MockStore
	release chan struct{}
}

func (b *blockingStore) SaveMetricSample(ctx context.Context, s *MetricSample) error {
	<-b.release
	return b.MockStore.SaveMetricSample(ctx, s)
}

func TestLedger_DropsWhenFull(t *testing.T) {
	bs := &blockingStore{MockStore: NewMockStore(), release: make(chan struct{})}
	l := NewLedger(bs, 1, testLogger())

	for range 10 {
		l.RecordMetric(context.Background(), "x", 1, nil)
	}
	assert.Positive(t, l.Dropped())

	close(bs.release)
	require.NoError(t, l.Close())
}
