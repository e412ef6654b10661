// ABOUTME: Health watchdog that detects silent upstream connections during a pending turn.
// ABOUTME: Degrades, probes with a ping, and forces a reconnect through route selection on failure.

package bridge

import (
	"context"
	"time"

	"github.com/2389/live-gateway/internal/routes"
)

// HealthFact is the payload of health degraded and recovered events.
type HealthFact struct {
	State     Health       `json:"state"`
	Route     routes.Route `json:"route"`
	SilenceMs int64        `json:"silenceMs,omitempty"`
}

// ReconnectForced is the payload of live.reconnect.forced.
type ReconnectForced struct {
	Route  routes.Route `json:"route"`
	Reason string       `json:"reason"`
}

// watchdog runs for the life of one upstream connection.
func (s *Session) watchdog(up *upstream) {
	cfg := s.b.cfg
	if cfg.CheckInterval <= 0 || cfg.SilenceThreshold <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-up.done:
			return
		case <-ticker.C:
		}

		silence, ok := s.silence(up)
		if !ok || silence <= cfg.SilenceThreshold {
			continue
		}

		s.degrade(up, silence)
		if s.probe(up) {
			continue
		}
		s.forceReconnect(up)
		return
	}
}

// silence returns how long the current connection has been quiet during a pending turn.
func (s *Session) silence(up *upstream) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != up || !s.pending {
		return 0, false
	}
	return time.Since(s.lastActivity), true
}

func (s *Session) degrade(up *upstream, silence time.Duration) {
	s.mu.Lock()
	transition := s.health == Healthy
	s.health = Degraded
	s.mu.Unlock()

	if !transition {
		return
	}
	s.sink.Emit(Event{Type: EventHealthDegraded, Payload: HealthFact{
		State:     Degraded,
		Route:     up.route,
		SilenceMs: silence.Milliseconds(),
	}})
	s.diagnose(DiagHealthDegraded, up.route, map[string]any{"silenceMs": silence.Milliseconds()})
}

// probe checks liveness within the grace period. With pings disabled it waits for
// any upstream traffic instead.
func (s *Session) probe(up *upstream) bool {
	cfg := s.b.cfg
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeGrace)
	defer cancel()

	// A token left from traffic before the silence was detected does not count.
	select {
	case <-up.activity:
	default:
	}

	start := time.Now()
	if cfg.PingEnabled {
		if err := up.conn.Ping(ctx); err != nil {
			s.logger.Warn("upstream probe failed", "error", err, "route", up.route.String())
			return false
		}
		s.mu.Lock()
		if s.cur == up {
			s.lastActivity = time.Now()
		}
		s.mu.Unlock()
		return true
	}

	select {
	case <-up.activity:
		return true
	case <-up.done:
		// Retired while probing; there is nothing left to keep alive.
		return false
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == up && s.lastActivity.After(start)
}

// forceReconnect closes a silent connection and runs route selection again. The
// silent route is penalized so selection prefers another ready route.
func (s *Session) forceReconnect(up *upstream) {
	s.mu.Lock()
	if s.cur != up || s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.turn = nil
	s.mu.Unlock()

	rec := s.b.health.RecordFailure(up.route, routes.ReasonFailure)
	s.sink.Emit(Event{Type: EventReconnectForced, Payload: ReconnectForced{
		Route:  up.route,
		Reason: "probe_timeout",
	}})
	s.diagnose(DiagReconnectForced, up.route, map[string]any{"cooldownUntil": rec.CooldownUntil})
	s.drop(up)

	if _, err := s.ensureConnected(context.Background()); err != nil {
		s.logger.Warn("forced reconnect failed", "error", err)
	}
}
