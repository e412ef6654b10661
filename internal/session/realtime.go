// ABOUTME: Realtime path: forwards live and conversation item events to the bridge session.
// ABOUTME: Falls back to text-only mode when the upstream is unconfigured or unreachable.

package session

import (
	"context"
	"errors"

	"github.com/2389/live-gateway/internal/bridge"
	"github.com/2389/live-gateway/internal/envelope"
	"github.com/2389/live-gateway/internal/metrics"
)

func (c *Conn) forwardRealtime(ctx context.Context, env envelope.Envelope) {
	local := bridge.LocalOnly(env.Type)
	if c.State() == StateTextFallback && !local {
		c.reject(env, envelope.NewError(envelope.CodeBridgeUnavailable,
			"realtime upstream unavailable for this session, use text requests"))
		return
	}

	live := c.liveSession(env)
	err := live.Forward(ctx, bridge.ClientEvent{Type: env.Type, Payload: env.Payload})
	switch {
	case err == nil:
		if !local {
			c.transition(StateLiveForwarded, StateFact{})
		}
	case errors.Is(err, bridge.ErrNotConfigured), errors.Is(err, bridge.ErrUpstreamUnavailable):
		c.logger.Warn("realtime upstream unavailable, switching to text fallback",
			"session_id", env.SessionID, "error", err)
		c.core.record(metrics.MetricBridgeFallbacks, 1, nil)
		c.transition(StateTextFallback, StateFact{Message: err.Error()})
		c.reject(env, envelope.NewError(envelope.CodeBridgeUnavailable, "%s", err.Error()))
	case errors.Is(err, bridge.ErrUnsupportedEvent):
		c.reject(env, envelope.NewError(envelope.CodeUnsupported, "%s", err.Error()))
	case errors.Is(err, bridge.ErrInvalidPayload):
		c.reject(env, envelope.NewError(envelope.CodeMalformed, "%s", err.Error()))
	default:
		c.reject(env, envelope.NewError(envelope.CodeBridgeError, "%s", err.Error()))
	}
}

// liveSession returns the connection's bridge session, opening it on first use.
func (c *Conn) liveSession(env envelope.Envelope) *bridge.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		c.live = c.core.opts.Bridge.Open(env.SessionID, c.bridgeSink(env.SessionID, env.UserID))
	}
	return c.live
}

// bridgeSink wraps bridge facts into envelopes for the client.
func (c *Conn) bridgeSink(sessionID, userID string) bridge.Sink {
	return bridge.SinkFunc(func(ev bridge.Event) {
		out := envelope.New(ev.Type, sessionID, ev.Payload)
		out.UserID = userID
		c.core.record(metrics.MetricBridgeEvents, 1, map[string]string{"type": ev.Type})
		c.send(out)
	})
}
