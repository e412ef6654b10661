// ABOUTME: Operator HTTP surface: health, version, status, metrics, drain/warmup and task listing
// ABOUTME: Handlers only read or flip state owned by the session core and its collaborators

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/2389/live-gateway/internal/auth"
	"github.com/2389/live-gateway/internal/bridge"
	"github.com/2389/live-gateway/internal/metrics"
	"github.com/2389/live-gateway/internal/routes"
	"github.com/2389/live-gateway/internal/session"
	"github.com/2389/live-gateway/internal/store"
	"github.com/2389/live-gateway/internal/tasks"
)

// VersionResponse is the JSON response for GET /version.
type VersionResponse struct {
	Version   string    `json:"version"`
	GoVersion string    `json:"goVersion"`
	StartedAt time.Time `json:"startedAt"`
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Version          string            `json:"version"`
	UptimeSeconds    int64             `json:"uptimeSeconds"`
	Draining         bool              `json:"draining"`
	Connections      int               `json:"connections"`
	Bindings         []session.Binding `json:"bindings"`
	BridgeConfigured bool              `json:"bridgeConfigured"`
	BridgeSessions   int               `json:"bridgeSessions"`
	Routes           *routes.Snapshot  `json:"routes,omitempty"`
	LastWarmup       *warmupResult     `json:"lastWarmup,omitempty"`
	ActiveTasks      int               `json:"activeTasks"`
	TrackedTasks     int               `json:"trackedTasks"`
	LedgerEnabled    bool              `json:"ledgerEnabled"`
	LedgerDropped    int64             `json:"ledgerDropped"`
}

// DrainRequest is the optional JSON body for POST /api/drain. An empty body drains.
type DrainRequest struct {
	Draining *bool `json:"draining"`
}

// DrainResponse is the JSON response for POST /api/drain.
type DrainResponse struct {
	Draining    bool `json:"draining"`
	Connections int  `json:"connections"`
}

type warmupResult struct {
	Selection routes.Selection `json:"selection"`
	WaitMs    int64            `json:"waitMs"`
	WarmedAt  time.Time        `json:"warmedAt"`
}

// TasksResponse is the JSON response for GET /api/tasks.
type TasksResponse struct {
	Tasks []tasks.Task `json:"tasks"`
}

// DiagnosticResponse is one row of GET /api/diagnostics.
type DiagnosticResponse struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	Kind      string         `json:"kind"`
	Route     string         `json:"route,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// MetricSampleResponse is one row of GET /api/metrics/samples.
type MetricSampleResponse struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// buildMux registers every endpoint. Health, version and the prometheus endpoint are open;
// /api reads need a valid token and mutations need the operator role when auth
// is enabled.
func (g *Gateway) buildMux() http.Handler {
	mux := http.NewServeMux()

	authed := auth.HTTPAuthMiddleware(g.verifier)
	operator := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireOperatorHTTP(g.verifier)(h))
	}

	mux.Handle(g.config.Server.LivePath, authed(http.HandlerFunc(g.handleLive)))

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /version", g.handleVersion)
	if g.config.Metrics.Exposed() {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	mux.Handle("GET /api/status", authed(http.HandlerFunc(g.handleStatus)))
	mux.Handle("GET /api/metrics", authed(http.HandlerFunc(g.handleMetricsSnapshot)))
	mux.Handle("GET /api/metrics/samples", authed(http.HandlerFunc(g.handleMetricSamples)))
	mux.Handle("GET /api/tasks", authed(http.HandlerFunc(g.handleListTasks)))
	mux.Handle("GET /api/tasks/{id}", authed(http.HandlerFunc(g.handleGetTask)))
	mux.Handle("GET /api/diagnostics", authed(http.HandlerFunc(g.handleDiagnostics)))
	mux.Handle("POST /api/drain", operator(g.handleDrain))
	mux.Handle("POST /api/warmup", operator(g.handleWarmup))

	return mux
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 503 while draining so load balancers stop sending new sockets.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (g *Gateway) handleVersion(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, VersionResponse{
		Version:   g.version,
		GoVersion: runtime.Version(),
		StartedAt: g.startedAt,
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:          g.version,
		UptimeSeconds:    int64(time.Since(g.startedAt).Seconds()),
		Draining:         g.draining.Load(),
		Connections:      g.core.Connections(),
		Bindings:         g.core.Bindings(),
		BridgeConfigured: g.bridge.Configured(),
		BridgeSessions:   g.bridge.ActiveSessions(),
		ActiveTasks:      len(g.tasks.Active()),
		TrackedTasks:     g.tasks.Len(),
		LedgerEnabled:    g.ledger != nil,
	}
	if h := g.bridge.Health(); h != nil {
		snap := h.Snapshot()
		resp.Routes = &snap
	}
	g.warmMu.Lock()
	resp.LastWarmup = g.lastWarmup
	g.warmMu.Unlock()
	if g.ledger != nil {
		resp.LedgerDropped = g.ledger.Dropped()
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := g.metrics.Snapshot()
	if err != nil {
		g.logger.Error("gathering metrics failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to gather metrics")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]map[string][]metrics.Sample{"metrics": snap})
}

func (g *Gateway) handleDrain(w http.ResponseWriter, r *http.Request) {
	var req DrainRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	on := req.Draining == nil || *req.Draining

	g.SetDraining(on)
	if subject := auth.Subject(r.Context()); subject != "" {
		g.logger.Info("drain requested", "by", subject, "draining", on)
	}
	g.sendJSON(w, http.StatusOK, DrainResponse{Draining: on, Connections: g.core.Connections()})
}

// handleWarmup pre-selects the next upstream route without connecting.
func (g *Gateway) handleWarmup(w http.ResponseWriter, r *http.Request) {
	sel, err := g.bridge.Warmup()
	if errors.Is(err, bridge.ErrNotConfigured) {
		g.sendJSONError(w, http.StatusServiceUnavailable, "upstream not configured")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	res := &warmupResult{Selection: sel, WaitMs: sel.Wait.Milliseconds(), WarmedAt: time.Now()}
	g.warmMu.Lock()
	g.lastWarmup = res
	g.warmMu.Unlock()

	g.logger.Info("warmup selected route", "route", sel.Route.String(), "strategy", sel.Strategy, "wait", sel.Wait)
	g.sendJSON(w, http.StatusOK, res)
}

// handleListTasks returns active tasks, or every retained task with ?all=true.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var list []tasks.Task
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		list = g.tasks.All()
	} else {
		list = g.tasks.Active()
	}
	if list == nil {
		list = []tasks.Task{}
	}
	g.sendJSON(w, http.StatusOK, TasksResponse{Tasks: list})
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := g.tasks.Get(r.PathValue("id"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	g.sendJSON(w, http.StatusOK, t)
}

// parseLimit reads ?limit, returning 0 (store default) when absent.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// parseSince reads ?since as RFC3339 or a duration back from now, e.g. 15m.
func parseSince(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Time{}, errors.New("since must be RFC3339 or a duration")
	}
	return time.Now().Add(-d), nil
}

func (g *Gateway) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "diagnostic ledger disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	since, err := parseSince(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	rows, err := g.ledger.Diagnostics(r.Context(), store.DiagnosticFilter{
		SessionID: q.Get("session_id"),
		Kind:      q.Get("kind"),
		Since:     since,
		Limit:     limit,
	})
	if err != nil {
		g.logger.Error("listing diagnostics failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list diagnostics")
		return
	}

	out := make([]DiagnosticResponse, 0, len(rows))
	for _, d := range rows {
		out = append(out, DiagnosticResponse{
			ID:        d.ID,
			SessionID: d.SessionID,
			Kind:      d.Kind,
			Route:     d.Route,
			Detail:    d.Detail,
			CreatedAt: d.CreatedAt,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string][]DiagnosticResponse{"diagnostics": out})
}

func (g *Gateway) handleMetricSamples(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "diagnostic ledger disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	since, err := parseSince(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := g.ledger.MetricSamples(r.Context(), store.MetricFilter{
		Name:  r.URL.Query().Get("name"),
		Since: since,
		Limit: limit,
	})
	if err != nil {
		g.logger.Error("listing metric samples failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list metric samples")
		return
	}

	out := make([]MetricSampleResponse, 0, len(rows))
	for _, m := range rows {
		out = append(out, MetricSampleResponse{
			ID:        m.ID,
			Name:      m.Name,
			Value:     m.Value,
			Tags:      m.Tags,
			CreatedAt: m.CreatedAt,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string][]MetricSampleResponse{"samples": out})
}
