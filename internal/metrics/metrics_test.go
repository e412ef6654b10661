// ABOUTME: Tests for metric recording, snapshots, fan-out and the prometheus handler.
// ABOUTME: Each test builds its own Metrics so registries never collide.

package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/live-gateway/internal/bridge"
)

func TestRecordMetric_Snapshot(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.RecordMetric(ctx, MetricMessages, 1, map[string]string{"type": "live.text"})
	m.RecordMetric(ctx, MetricMessages, 1, map[string]string{"type": "live.text"})
	m.RecordMetric(ctx, MetricReplayHits, 1, nil)
	m.RecordMetric(ctx, MetricDispatchSeconds, 0.25, map[string]string{"route": "http"})
	m.RecordMetric(ctx, "export_rows", 3, nil)
	m.RecordDiagnostic(bridge.Diagnostic{Kind: bridge.DiagFailover})

	snap, err := m.Snapshot()
	require.NoError(t, err)

	msgs := snap["live_gateway_session_messages_total"]
	require.Len(t, msgs, 1)
	assert.Equal(t, "live.text", msgs[0].Labels["type"])
	assert.InDelta(t, 2, msgs[0].Value, 0.001)

	assert.InDelta(t, 1, snap["live_gateway_replay_hits_total"][0].Value, 0.001)

	hist := snap["live_gateway_orchestrator_dispatch_seconds"]
	require.Len(t, hist, 1)
	assert.Equal(t, uint64(1), hist[0].Count)
	assert.InDelta(t, 0.25, hist[0].Sum, 0.001)

	custom := snap["live_gateway_custom_metric_total"]
	require.Len(t, custom, 1)
	assert.Equal(t, "export_rows", custom[0].Labels["name"])

	diag := snap["live_gateway_bridge_diagnostics_total"]
	require.Len(t, diag, 1)
	assert.Equal(t, bridge.DiagFailover, diag[0].Labels["kind"])

	_, hasGo := snap["go_goroutines"]
	assert.False(t, hasGo, "runtime collectors stay out of the snapshot")
}

func TestRegisterGauge(t *testing.T) {
	m := New()
	m.RegisterGauge("connections", "Open client connections.", func() float64 { return 7 })

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.InDelta(t, 7, snap["live_gateway_connections"][0].Value, 0.001)
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordMetric(context.Background(), MetricBridgeFallbacks, 1, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "live_gateway_bridge_fallbacks_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

type captureSink struct {
	mu    sync.Mutex
	names []string
}

func (c *captureSink) RecordMetric(_ context.Context, name string, _ float64, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func TestFanout(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	f := Fanout{a, nil, b}
	f.RecordMetric(context.Background(), MetricErrors, 1, map[string]string{"code": "draining"})

	assert.Equal(t, []string{MetricErrors}, a.names)
	assert.Equal(t, []string{MetricErrors}, b.names)
}
