// ABOUTME: Gateway wires config into the bridge, orchestrator, task registry and replay cache
// ABOUTME: Owns the HTTP server (plain TCP or tailnet), the live websocket endpoint and shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/live-gateway/internal/auth"
	"github.com/2389/live-gateway/internal/bridge"
	"github.com/2389/live-gateway/internal/config"
	"github.com/2389/live-gateway/internal/metrics"
	"github.com/2389/live-gateway/internal/orchestrator"
	"github.com/2389/live-gateway/internal/replay"
	"github.com/2389/live-gateway/internal/routes"
	"github.com/2389/live-gateway/internal/session"
	"github.com/2389/live-gateway/internal/store"
	"github.com/2389/live-gateway/internal/tasks"
)

const (
	replaySweepInterval = time.Minute
	pruneInterval       = time.Hour
)

// Gateway owns every long-lived component of one live-gateway process.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	version   string
	startedAt time.Time

	bridge       *bridge.Bridge
	orchestrator orchestrator.Client
	tasks        *tasks.Registry
	replay       *replay.Cache
	metrics      *metrics.Metrics
	// ledger is nil when database.path is empty.
	ledger   *store.Ledger
	verifier auth.TokenVerifier
	core     *session.Core

	draining atomic.Bool

	warmMu     sync.Mutex
	lastWarmup *warmupResult

	upgrader    websocket.Upgrader
	socketsMu   sync.Mutex
	sockets     map[*websocket.Conn]struct{}
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Gateway.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	version      string
	dialer       bridge.Dialer
	orchestrator orchestrator.Client
}

// WithVersion sets the version reported by /version and /api/status.
func WithVersion(v string) Option {
	return func(o *gatewayOptions) { o.version = v }
}

// WithDialer replaces the upstream websocket dialer.
func WithDialer(d bridge.Dialer) Option {
	return func(o *gatewayOptions) { o.dialer = d }
}

// WithOrchestrator replaces the configured orchestrator client.
func WithOrchestrator(c orchestrator.Client) Option {
	return func(o *gatewayOptions) { o.orchestrator = c }
}

// diagnosticFanout delivers each bridge diagnostic to every recorder.
type diagnosticFanout []bridge.DiagnosticRecorder

func (f diagnosticFanout) RecordDiagnostic(d bridge.Diagnostic) {
	for _, r := range f {
		r.RecordDiagnostic(d)
	}
}

// buildBridge creates the route health model and the bridge. An unconfigured
// upstream still yields a bridge; it answers every upstream event with
// bridge.ErrNotConfigured so sessions fall back to text.
func buildBridge(cfg *config.Config, dialer bridge.Dialer, recorder bridge.DiagnosticRecorder, logger *slog.Logger) (*bridge.Bridge, error) {
	u := cfg.Upstream

	classifier, err := routes.NewClassifier(u.Classification)
	if err != nil {
		return nil, fmt.Errorf("building failure classifier: %w", err)
	}

	patch, err := bridge.LoadPatch(u.PatchFile)
	if err != nil {
		return nil, err
	}

	profiles := make([]bridge.Profile, 0, len(u.AuthProfiles))
	profileNames := make([]string, 0, len(u.AuthProfiles))
	for _, p := range u.AuthProfiles {
		profiles = append(profiles, bridge.Profile{Name: p.Name, APIKey: p.APIKey})
		profileNames = append(profileNames, p.Name)
	}

	var health *routes.Health
	if u.Configured() {
		health, err = routes.New(u.Models, profileNames, routes.NewPolicy(routes.Windows{
			DefaultCooldown:   u.DefaultCooldown,
			RateLimitCooldown: u.RateLimitCooldown,
			BillingDisable:    u.BillingDisable,
			AuthDisable:       u.AuthDisable,
		}), routes.WithLogger(logger.With("component", "routes")))
		if err != nil {
			return nil, fmt.Errorf("building route health: %w", err)
		}
	} else {
		logger.Warn("upstream not configured - realtime sessions will use text fallback")
	}

	bcfg := bridge.Config{
		URL:      u.URL,
		Models:   u.Models,
		Profiles: profiles,
		Setup: bridge.SetupOptions{
			SystemInstruction:  u.SystemInstruction,
			ResponseModalities: u.ResponseModalities,
			Voice:              u.Voice,
			ActivityHandling:   u.ActivityHandling,
			Patch:              patch,
		},
		MaxAttempts:      u.MaxAttempts,
		ConnectTimeout:   u.ConnectTimeout,
		RetryDelay:       u.RetryDelay,
		CheckInterval:    u.CheckInterval,
		SilenceThreshold: u.SilenceThreshold,
		ProbeGrace:       u.ProbeGrace,
		PingEnabled:      u.Ping(),
	}
	return bridge.New(bcfg, health, classifier, dialer, logger, bridge.WithRecorder(recorder)), nil
}

// initReplay creates the replay cache on the configured backend. In-flight
// reservations live as long as the slowest possible dispatch.
func initReplay(ctx context.Context, cfg config.ReplayConfig, dispatchBudget time.Duration, logger *slog.Logger) (*replay.Cache, error) {
	var s replay.Store
	switch cfg.Backend {
	case config.BackendRedis:
		rs, err := replay.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing replay store: %w", err)
		}
		s = rs
	default:
		s = replay.NewMemoryStore(cfg.MaxEntries, replaySweepInterval)
	}
	return replay.NewCache(s, cfg.TTL, logger, replay.WithPendingTTL(dispatchBudget+time.Minute)), nil
}

// initLedger opens the diagnostic ledger, or returns nil when no database path is set.
func initLedger(cfg config.DatabaseConfig, logger *slog.Logger) (*store.Ledger, error) {
	dbPath := cfg.Path
	if envPath := os.Getenv("LIVE_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return store.NewLedger(s, 0, logger), nil
}

// New creates a Gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	o := gatewayOptions{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		version:   o.version,
		startedAt: time.Now(),
		tasks:     tasks.New(cfg.Tasks.MaxEntries, cfg.Tasks.CompletedRetention),
		metrics:   metrics.New(),
		sockets:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate with tokens, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	ledger, err := initLedger(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	g.ledger = ledger

	var sink metrics.Sink = g.metrics
	recorder := diagnosticFanout{g.metrics}
	if ledger != nil {
		sink = metrics.Fanout{g.metrics, ledger}
		recorder = append(recorder, ledger)
	}

	g.bridge, err = buildBridge(cfg, o.dialer, recorder, logger)
	if err != nil {
		g.closeComponents()
		return nil, err
	}

	g.orchestrator = o.orchestrator
	if g.orchestrator == nil {
		g.orchestrator, err = orchestrator.New(cfg.Orchestrator, logger)
		if err != nil {
			g.closeComponents()
			return nil, fmt.Errorf("creating orchestrator client: %w", err)
		}
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g.replay, err = initReplay(initCtx, cfg.Replay, cfg.Orchestrator.CallBudget(), logger)
	if err != nil {
		g.closeComponents()
		return nil, err
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			g.closeComponents()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		g.verifier = verifier
		g.logger.Info("JWT auth enabled for live and operator endpoints")
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured")
	}

	g.core = session.NewCore(session.Options{
		QueueSize:    cfg.Session.QueueSize,
		Bridge:       g.bridge,
		Orchestrator: g.orchestrator,
		Tasks:        g.tasks,
		Replay:       g.replay,
		TaskRoute:    cfg.Orchestrator.Transport,
		Metrics:      sink,
		Draining:     g.draining.Load,
		Logger:       logger,
	})

	g.registerGauges()

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

func (g *Gateway) registerGauges() {
	g.metrics.RegisterGauge("connections", "Open client websocket connections.", func() float64 {
		return float64(g.core.Connections())
	})
	g.metrics.RegisterGauge("bridge_sessions", "Open upstream bridge sessions.", func() float64 {
		return float64(g.bridge.ActiveSessions())
	})
	g.metrics.RegisterGauge("tasks_active", "Tasks not yet completed or failed.", func() float64 {
		return float64(len(g.tasks.Active()))
	})
	g.metrics.RegisterGauge("draining", "1 while the gateway refuses new work.", func() float64 {
		if g.draining.Load() {
			return 1
		}
		return 0
	})
	if g.ledger != nil {
		g.metrics.RegisterGauge("ledger_dropped", "Diagnostic ledger records dropped on a full buffer.", func() float64 {
			return float64(g.ledger.Dropped())
		})
	}
}

// Handler returns the HTTP handler serving the live endpoint and the operator surface.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// SetDraining flips the drain toggle.
func (g *Gateway) SetDraining(on bool) {
	if g.draining.Swap(on) != on {
		g.logger.Info("drain toggled", "draining", on)
	}
}

// Draining reports whether the gateway refuses new work.
func (g *Gateway) Draining() bool {
	return g.draining.Load()
}

// warnIgnoredAddresses logs a warning if the HTTP address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	if g.ledger != nil {
		go g.pruneLoop(pruneCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "live_path", g.config.Server.LivePath)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// pruneLoop trims the diagnostic ledger to the configured retention.
func (g *Gateway) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := g.ledger.Prune(ctx, g.config.Database.Retention)
		switch {
		case err != nil && ctx.Err() == nil:
			g.logger.Warn("pruning diagnostic ledger failed", "error", err)
		case n > 0:
			g.logger.Debug("pruned diagnostic ledger", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "live-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeSockets closes every live client socket. http.Server.Shutdown does not
// track hijacked connections.
func (g *Gateway) closeSockets() {
	g.socketsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(g.sockets))
	for ws := range g.sockets {
		conns = append(conns, ws)
	}
	g.socketsMu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, ws := range conns {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"), deadline)
		_ = ws.Close()
	}
}

// closeComponents releases everything New created. Safe on a partially built Gateway.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.bridge != nil {
		g.bridge.Close()
	}
	if g.orchestrator != nil {
		errs = appendCloseError(errs, "orchestrator close", g.orchestrator.Close())
	}
	if g.replay != nil {
		errs = appendCloseError(errs, "replay close", g.replay.Close())
	}
	if g.ledger != nil {
		errs = appendCloseError(errs, "ledger close", g.ledger.Close())
	}
	return errs
}

// Shutdown stops the HTTP server, closes client sockets and releases resources.
// It is idempotent.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.closeSockets()

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = append(errs, g.closeComponents()...)

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}
