// ABOUTME: Process-wide protocol bridge that owns one upstream session per logical session.
// ABOUTME: Holds upstream config, the shared route health model and the diagnostic recorder.

package bridge

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/live-gateway/internal/routes"
)

var (
	// ErrNotConfigured indicates no upstream URL or models are configured.
	ErrNotConfigured = errors.New("upstream bridge not configured")
	// ErrUpstreamUnavailable indicates no route could be established within the attempt budget.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrClosed indicates the bridge session was closed.
	ErrClosed = errors.New("bridge session closed")
)

// Diagnostic kinds. Diagnostics are operational records, separate from client facts.
const (
	DiagReconnectWait   = "reconnect_wait"
	DiagConnectTimeout  = "connect_timeout"
	DiagRouteFailure    = "route_failure"
	DiagFailover        = "failover"
	DiagSetupSent       = "setup_sent"
	DiagHealthDegraded  = "health_degraded"
	DiagReconnectForced = "reconnect_forced"
	DiagHealthRecovered = "health_recovered"
)

// Profile is one upstream credential profile.
type Profile struct {
	Name   string
	APIKey string
}

// Config is the bridge's upstream configuration.
type Config struct {
	URL      string
	Models   []string
	Profiles []Profile
	Setup    SetupOptions

	MaxAttempts    int
	ConnectTimeout time.Duration
	RetryDelay     time.Duration

	CheckInterval    time.Duration
	SilenceThreshold time.Duration
	ProbeGrace       time.Duration
	PingEnabled      bool
}

// Diagnostic is one operational record emitted by a bridge session.
type Diagnostic struct {
	SessionID string         `json:"sessionId"`
	Kind      string         `json:"kind"`
	Route     routes.Route   `json:"route"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// DiagnosticRecorder receives bridge diagnostics.
type DiagnosticRecorder interface {
	RecordDiagnostic(d Diagnostic)
}

// Sink receives facts destined for the client. Emit may be called from several
// goroutines and must not block for long.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Bridge opens bridge sessions against the shared route health model.
type Bridge struct {
	cfg        Config
	health     *routes.Health
	classifier *routes.Classifier
	dialer     Dialer
	recorder   DiagnosticRecorder
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRecorder sets the diagnostic recorder.
func WithRecorder(r DiagnosticRecorder) Option {
	return func(b *Bridge) { b.recorder = r }
}

// New creates a Bridge. A nil health model leaves the bridge unconfigured; sessions
// still handle local-only events but every upstream event fails with ErrNotConfigured.
func New(cfg Config, health *routes.Health, classifier *routes.Classifier, dialer Dialer, logger *slog.Logger, opts ...Option) *Bridge {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if classifier == nil {
		classifier, _ = routes.NewClassifier(nil)
	}
	if dialer == nil {
		dialer = &WebsocketDialer{WriteTimeout: cfg.ConnectTimeout}
	}
	b := &Bridge{
		cfg:        cfg,
		health:     health,
		classifier: classifier,
		dialer:     dialer,
		logger:     logger.With("component", "bridge"),
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configured reports whether upstream connections can be attempted.
func (b *Bridge) Configured() bool {
	return b.cfg.URL != "" && len(b.cfg.Models) > 0 && b.health != nil
}

// Health returns the shared route health model, or nil when unconfigured.
func (b *Bridge) Health() *routes.Health {
	return b.health
}

// Warmup pre-selects the next route without connecting, so operators can see where
// the next session will land.
func (b *Bridge) Warmup() (routes.Selection, error) {
	if !b.Configured() {
		return routes.Selection{}, ErrNotConfigured
	}
	return b.health.Pick(), nil
}

// Open creates the bridge session for sessionID. An existing session with the same
// id is closed first, so there is at most one upstream per logical session.
func (b *Bridge) Open(sessionID string, sink Sink) *Session {
	s := &Session{
		b:      b,
		id:     sessionID,
		sink:   sink,
		health: Healthy,
		logger: b.logger.With("session_id", sessionID),
	}

	b.mu.Lock()
	prev := b.sessions[sessionID]
	b.sessions[sessionID] = s
	b.mu.Unlock()

	if prev != nil {
		b.logger.Info("replacing bridge session", "session_id", sessionID)
		_ = prev.Close()
	}
	return s
}

// ActiveSessions returns the number of open bridge sessions.
func (b *Bridge) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close closes every open session.
func (b *Bridge) Close() {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

func (b *Bridge) release(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
}

func (b *Bridge) apiKey(route routes.Route) string {
	if !route.HasProfile() || route.ProfileIndex >= len(b.cfg.Profiles) {
		return ""
	}
	return b.cfg.Profiles[route.ProfileIndex].APIKey
}
