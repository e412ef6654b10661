// ABOUTME: Bridge session: connect loop with failover, client event forwarding and upstream reading.
// ABOUTME: Each upstream connection gets its own reader and watchdog goroutine.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/live-gateway/internal/routes"
)

// Health is the watchdog state of a bridge session.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
)

// Session is the bridge state for one logical session.
type Session struct {
	b      *Bridge
	id     string
	sink   Sink
	logger *slog.Logger

	// connectMu serializes connection attempts between Forward and the watchdog.
	connectMu sync.Mutex

	mu           sync.Mutex
	cur          *upstream
	gen          uint64
	route        routes.Route
	hasRoute     bool
	pending      bool
	lastActivity time.Time
	health       Health
	turn         *turn
	closed       bool

	closeOnce sync.Once
}

// upstream is one live connection. A reconnect replaces it with a new generation.
type upstream struct {
	conn  Conn
	gen   uint64
	route routes.Route
	done  chan struct{}
	once  sync.Once
	// activity receives a token whenever a frame arrives; the ping-less probe waits on it.
	activity chan struct{}
}

func (u *upstream) close() {
	u.once.Do(func() {
		close(u.done)
		_ = u.conn.Close()
	})
}

// ID returns the logical session id.
func (s *Session) ID() string {
	return s.id
}

// Health returns the current watchdog state.
func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Route returns the route of the most recent connection, if any.
func (s *Session) Route() (routes.Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route, s.hasRoute
}

// Connected reports whether an upstream connection is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Forward handles one client event. It returns once the upstream frame is sent or
// the event has been handled locally.
func (s *Session) Forward(ctx context.Context, ev ClientEvent) error {
	if LocalOnly(ev.Type) {
		return s.handleLocal(ev)
	}

	out, err := translate(ev)
	if err != nil {
		return err
	}
	if err := s.send(ctx, out.frame); err != nil {
		return err
	}

	if out.awaitsReply {
		s.mu.Lock()
		s.pending = true
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}
	if out.ack != nil {
		s.sink.Emit(*out.ack)
	}
	return nil
}

// Close releases the upstream connection and stops the watchdog. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		up := s.cur
		s.cur = nil
		s.mu.Unlock()

		if up != nil {
			up.close()
		}
		s.b.release(s)
	})
	return nil
}

func (s *Session) send(ctx context.Context, frame any) error {
	var lastErr error
	// One retry covers a connection that died between frames.
	for attempt := 0; attempt < 2; attempt++ {
		up, err := s.ensureConnected(ctx)
		if err != nil {
			return err
		}
		if err := up.conn.Send(ctx, frame); err != nil {
			s.logger.Warn("upstream send failed", "error", err, "route", up.route.String())
			s.drop(up)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("sending to upstream: %w", lastErr)
}

type localItemPayload struct {
	ItemID       string `json:"itemId"`
	TurnID       string `json:"turnId"`
	AudioEndMs   int64  `json:"audioEndMs"`
	ContentIndex int    `json:"contentIndex"`
	Reason       string `json:"reason"`
}

// handleLocal applies truncate and delete to bridge-held state only; the upstream
// has no partial-turn edit primitive.
func (s *Session) handleLocal(ev ClientEvent) error {
	var p localItemPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev.Type, err)
		}
	}
	if p.Reason == "" {
		p.Reason = "client_request"
	}
	requested := p.ItemID
	if requested == "" {
		requested = p.TurnID
	}

	s.mu.Lock()
	var activeID string
	if s.turn != nil {
		activeID = s.turn.id
	}
	turnID := requested
	if turnID == "" {
		turnID = activeID
	}

	var fact Event
	switch ev.Type {
	case EventItemTruncate:
		fact = Event{Type: EventItemTruncated, Payload: ItemTruncated{
			TurnID:       turnID,
			AudioEndMs:   p.AudioEndMs,
			Reason:       p.Reason,
			ContentIndex: p.ContentIndex,
			Scope:        ScopeSessionLocal,
		}}
	default:
		hadActive := activeID != "" && turnID == activeID
		if hadActive {
			s.turn = nil
		}
		fact = Event{Type: EventItemDeleted, Payload: ItemDeleted{
			TurnID:    turnID,
			Reason:    p.Reason,
			HadActive: hadActive,
			Scope:     ScopeSessionLocal,
		}}
	}
	s.mu.Unlock()

	s.sink.Emit(fact)
	return nil
}

func (s *Session) ensureConnected(ctx context.Context) (*upstream, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	closed, cur := s.closed, s.cur
	s.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if cur != nil {
		return cur, nil
	}
	return s.connect(ctx)
}

// connect runs route selection and failover until a connection is set up or the
// attempt budget of maxAttempts × (connectTimeout + retryDelay) is spent.
func (s *Session) connect(ctx context.Context) (*upstream, error) {
	b := s.b
	if !b.Configured() {
		return nil, ErrNotConfigured
	}
	cfg := b.cfg

	budget := time.Duration(cfg.MaxAttempts) * (cfg.ConnectTimeout + cfg.RetryDelay)
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	deadline, _ := ctx.Deadline()

	sel := b.health.Pick()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if sel.Wait > 0 {
			if time.Now().Add(sel.Wait).After(deadline) {
				lastErr = fmt.Errorf("route %s not ready for %s", sel.Route, sel.Wait)
				break
			}
			s.diagnose(DiagReconnectWait, sel.Route, map[string]any{
				"waitMs":   sel.Wait.Milliseconds(),
				"strategy": sel.Strategy,
				"attempt":  attempt,
			})
			if err := sleepCtx(ctx, sel.Wait); err != nil {
				lastErr = err
				break
			}
		}

		up, err := s.dial(ctx, sel)
		if err == nil {
			return up, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		lastErr = err

		reason := b.classifier.Classify(err)
		rec := b.health.RecordFailure(sel.Route, reason)
		s.diagnose(DiagRouteFailure, sel.Route, map[string]any{
			"reason":        reason,
			"disabledUntil": rec.DisabledUntil,
			"cooldownUntil": rec.CooldownUntil,
			"attempt":       attempt,
			"error":         err.Error(),
		})
		if attempt == cfg.MaxAttempts {
			break
		}

		next := b.health.Pick()
		s.diagnose(DiagFailover, sel.Route, map[string]any{
			"reason":    reason,
			"next":      next.Route,
			"strategy":  next.Strategy,
			"readyAt":   next.ReadyAt,
			"attempt":   attempt,
			"nextRoute": next.Route.String(),
		})
		if err := sleepCtx(ctx, cfg.RetryDelay); err != nil {
			lastErr = err
			break
		}
		sel = next
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

func (s *Session) dial(ctx context.Context, sel routes.Selection) (*upstream, error) {
	cfg := s.b.cfg
	dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.b.dialer.Dial(dctx, Target{
		URL:    cfg.URL,
		Route:  sel.Route,
		APIKey: s.b.apiKey(sel.Route),
	})
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			s.diagnose(DiagConnectTimeout, sel.Route, map[string]any{
				"timeoutMs": cfg.ConnectTimeout.Milliseconds(),
			})
		}
		return nil, err
	}

	setup := BuildSetup(sel.Route.Model, cfg.Setup)
	if err := conn.Send(dctx, setup); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending setup: %w", err)
	}

	s.b.health.RecordSuccess(sel.Route)
	s.diagnose(DiagSetupSent, sel.Route, map[string]any{
		"patchApplied": cfg.Setup.Patch != nil,
		"toolCount":    len(setup.Setup.Tools),
		"strategy":     sel.Strategy,
	})
	return s.attach(conn, sel.Route)
}

func (s *Session) attach(conn Conn, route routes.Route) (*upstream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	s.gen++
	up := &upstream{conn: conn, gen: s.gen, route: route, done: make(chan struct{}), activity: make(chan struct{}, 1)}
	s.cur = up
	s.route = route
	s.hasRoute = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.logger.Info("upstream connected", "route", route.String(), "generation", up.gen)
	go s.readLoop(up)
	go s.watchdog(up)
	return up, nil
}

// drop retires an upstream connection if it is still current.
func (s *Session) drop(up *upstream) {
	s.mu.Lock()
	if s.cur == up {
		s.cur = nil
	}
	s.mu.Unlock()
	up.close()
}

func (s *Session) readLoop(up *upstream) {
	defer s.drop(up)
	for {
		data, err := up.conn.Recv()
		if err != nil {
			select {
			case <-up.done:
			default:
				s.logger.Info("upstream connection lost", "error", err, "route", up.route.String())
			}
			return
		}
		s.handleFrame(up, data)
	}
}

func (s *Session) handleFrame(up *upstream, data []byte) {
	var frame ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("undecodable upstream frame", "error", err, "bytes", len(data))
		return
	}

	var (
		events    []Event
		recovered bool
		route     routes.Route
	)

	s.mu.Lock()
	if s.cur != up {
		s.mu.Unlock()
		return
	}
	route = up.route
	s.lastActivity = time.Now()
	select {
	case up.activity <- struct{}{}:
	default:
	}
	if sc := frame.ServerContent; sc != nil {
		events, recovered = s.serverContentLocked(sc)
	}
	if tc := frame.ToolCall; tc != nil {
		t := s.currentTurnLocked()
		for _, fc := range tc.FunctionCalls {
			if ev, ok := functionCallEvent(t, fc); ok {
				events = append(events, ev)
			}
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.sink.Emit(ev)
	}
	if recovered {
		s.diagnose(DiagHealthRecovered, route, nil)
	}
}

func (s *Session) serverContentLocked(sc *ServerContent) ([]Event, bool) {
	var events []Event
	t := s.currentTurnLocked()

	var texts []string
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			switch v := p.(type) {
			case TextPart:
				texts = append(texts, v.Text)
			case InlineDataPart:
				events = append(events, Event{Type: EventAudioDelta, Payload: AudioDelta{
					TurnID:   t.id,
					MIMEType: v.MIMEType,
					Data:     v.Data,
				}})
			case FunctionCallPart:
				if ev, ok := functionCallEvent(t, v); ok {
					events = append(events, ev)
				}
			case UnknownPart:
				s.logger.Debug("ignoring unknown upstream part", "raw", string(v.Raw))
			}
		}
	}

	snapshot := strings.Join(texts, "")
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		snapshot = sc.OutputTranscription.Text
	}
	if snapshot != "" {
		if delta := t.observe(snapshot); delta != "" {
			events = append(events, Event{Type: EventTextDelta, Payload: TextDelta{TurnID: t.id, Delta: delta}})
		}
	}

	if sc.Interrupted && !sc.TurnComplete {
		s.turn = nil
		s.pending = false
		return events, false
	}
	if !sc.TurnComplete {
		return events, false
	}

	events = append(events, Event{Type: EventTurnCompleted, Payload: completed(t)})
	s.turn = nil
	s.pending = false

	if s.health != Degraded {
		return events, false
	}
	s.health = Healthy
	events = append(events, Event{Type: EventHealthRecovered, Payload: HealthFact{
		State: Healthy,
		Route: s.route,
	}})
	return events, true
}

func (s *Session) currentTurnLocked() *turn {
	if s.turn == nil {
		s.turn = newTurn()
	}
	return s.turn
}

func functionCallEvent(t *turn, fc FunctionCallPart) (Event, bool) {
	if !t.firstCall(fc.Name, fc.ID) {
		return Event{}, false
	}
	return Event{Type: EventFunctionCall, Payload: FunctionCall{
		TurnID: t.id,
		CallID: fc.ID,
		Name:   fc.Name,
		Args:   fc.Args,
	}}, true
}

func (s *Session) diagnose(kind string, route routes.Route, detail map[string]any) {
	s.logger.Info("bridge diagnostic", "kind", kind, "route", route.String(), "detail", detail)
	if s.b.recorder != nil {
		s.b.recorder.RecordDiagnostic(Diagnostic{
			SessionID: s.id,
			Kind:      kind,
			Route:     route,
			Detail:    detail,
			At:        time.Now(),
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
