// ABOUTME: Prometheus collectors for the gateway plus the narrow "record metric" sink interface.
// ABOUTME: Each Metrics owns its own registry so tests and multiple gateways do not collide.

package metrics

import (
	"context"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/live-gateway/internal/bridge"
)

// Metric names accepted by RecordMetric.
const (
	MetricMessages        = "session_messages_total"
	MetricErrors          = "session_errors_total"
	MetricTaskTransitions = "task_transitions_total"
	MetricDispatchSeconds = "orchestrator_dispatch_seconds"
	MetricReplayHits      = "replay_hits_total"
	MetricBridgeEvents    = "bridge_events_total"
	MetricBridgeFallbacks = "bridge_fallbacks_total"
)

const namespace = "live_gateway"

// Sink records one named measurement. Implementations must be safe for concurrent use.
type Sink interface {
	RecordMetric(ctx context.Context, name string, value float64, tags map[string]string)
}

// Nop discards every measurement.
type Nop struct{}

// RecordMetric implements Sink.
func (Nop) RecordMetric(context.Context, string, float64, map[string]string) {}

// Fanout forwards each measurement to every sink in order.
type Fanout []Sink

// RecordMetric implements Sink.
func (f Fanout) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) {
	for _, s := range f {
		if s != nil {
			s.RecordMetric(ctx, name, value, tags)
		}
	}
}

// Metrics holds the gateway's prometheus collectors.
type Metrics struct {
	reg *prometheus.Registry

	messages        *prometheus.CounterVec
	errors          *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec
	replayHits      prometheus.Counter
	bridgeEvents    *prometheus.CounterVec
	bridgeFallbacks prometheus.Counter
	diagnostics     *prometheus.CounterVec
	unknown         *prometheus.CounterVec
}

// New creates a Metrics with a private registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricMessages,
			Help:      "Inbound client envelopes by type.",
		}, []string{"type"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricErrors,
			Help:      "Caller-facing errors by code.",
		}, []string{"code"}),
		taskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricTaskTransitions,
			Help:      "Task lifecycle transitions by resulting status.",
		}, []string{"status"}),
		dispatchSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricDispatchSeconds,
			Help:      "Orchestrator call latency including retries.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"route"}),
		replayHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricReplayHits,
			Help:      "Task requests answered from the replay cache.",
		}),
		bridgeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricBridgeEvents,
			Help:      "Realtime facts delivered to clients by type.",
		}, []string{"type"}),
		bridgeFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricBridgeFallbacks,
			Help:      "Sessions switched to text fallback.",
		}),
		diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_diagnostics_total",
			Help:      "Bridge diagnostics by kind.",
		}, []string{"kind"}),
		unknown: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "custom_metric_total",
			Help:      "Sum of recorded values for metric names without a dedicated collector.",
		}, []string{"name"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RegisterGauge exposes a value read at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// RecordMetric implements Sink. Unknown names are counted under custom_metric_total.
func (m *Metrics) RecordMetric(_ context.Context, name string, value float64, tags map[string]string) {
	switch name {
	case MetricMessages:
		m.messages.WithLabelValues(tags["type"]).Add(value)
	case MetricErrors:
		m.errors.WithLabelValues(tags["code"]).Add(value)
	case MetricTaskTransitions:
		m.taskTransitions.WithLabelValues(tags["status"]).Add(value)
	case MetricDispatchSeconds:
		m.dispatchSeconds.WithLabelValues(tags["route"]).Observe(value)
	case MetricReplayHits:
		m.replayHits.Add(value)
	case MetricBridgeEvents:
		m.bridgeEvents.WithLabelValues(tags["type"]).Add(value)
	case MetricBridgeFallbacks:
		m.bridgeFallbacks.Add(value)
	default:
		if value >= 0 {
			m.unknown.WithLabelValues(name).Add(value)
		}
	}
}

// RecordDiagnostic implements bridge.DiagnosticRecorder.
func (m *Metrics) RecordDiagnostic(d bridge.Diagnostic) {
	m.diagnostics.WithLabelValues(d.Kind).Inc()
}

// Sample is one labeled value in a snapshot. Histograms report their count and sum.
type Sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	Count  uint64            `json:"count,omitempty"`
	Sum    float64           `json:"sum,omitempty"`
}

// Snapshot returns the gateway's own metric families keyed by full name.
func (m *Metrics) Snapshot() (map[string][]Sample, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]Sample)
	prefix := namespace + "_"
	for _, mf := range families {
		name := mf.GetName()
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		samples := make([]Sample, 0, len(mf.GetMetric()))
		for _, metric := range mf.GetMetric() {
			s := Sample{}
			if lps := metric.GetLabel(); len(lps) > 0 {
				s.Labels = make(map[string]string, len(lps))
				for _, lp := range lps {
					s.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			switch {
			case metric.GetCounter() != nil:
				s.Value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				s.Value = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				s.Count = metric.GetHistogram().GetSampleCount()
				s.Sum = metric.GetHistogram().GetSampleSum()
			}
			samples = append(samples, s)
		}
		sort.Slice(samples, func(i, j int) bool { return labelKey(samples[i].Labels) < labelKey(samples[j].Labels) })
		out[name] = samples
	}
	return out, nil
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var s string
	for _, k := range keys {
		s += k + "=" + labels[k] + ","
	}
	return s
}
