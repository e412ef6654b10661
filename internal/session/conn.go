// ABOUTME: One client connection: a bounded inbound queue drained by a single worker.
// ABOUTME: Binds the connection to a session and routes envelopes to the bridge or orchestrator.

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/live-gateway/internal/bridge"
	"github.com/2389/live-gateway/internal/envelope"
	"github.com/2389/live-gateway/internal/metrics"
)

var (
	// ErrQueueFull indicates the connection's inbound queue has no room.
	ErrQueueFull = errors.New("session queue full")
	// ErrClosed indicates the connection no longer accepts messages.
	ErrClosed = errors.New("session connection closed")
)

// Sender delivers envelopes to the client. Implementations must be safe for
// concurrent use: bridge facts arrive from upstream reader goroutines.
type Sender interface {
	Send(env envelope.Envelope) error
}

// Conn is the per-connection message pump.
type Conn struct {
	core    *Core
	out     Sender
	subject string
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger

	mu      sync.Mutex
	binding *Binding
	state   State
	live    *bridge.Session
}

// Enqueue hands a raw inbound message to the worker. When the queue is full the
// client receives a queue_full error and the message is dropped.
func (c *Conn) Enqueue(raw []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.queue <- raw:
		return nil
	default:
		c.core.record(metrics.MetricErrors, 1, map[string]string{"code": string(envelope.CodeQueueFull)})
		c.sendError(c.boundSessionID(), envelope.NewError(envelope.CodeQueueFull,
			"inbound queue is full (%d messages)", cap(c.queue)))
		return ErrQueueFull
	}
}

// Run processes queued messages in arrival order until ctx is done or the
// connection is closed.
func (c *Conn) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case raw := <-c.queue:
			c.handle(ctx, raw)
		}
	}
}

// Close stops accepting messages and closes the bridge session. Dispatches
// already in flight run to completion.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		live := c.live
		c.live = nil
		c.mu.Unlock()
		if live != nil {
			_ = live.Close()
		}
		c.core.forget(c)
	})
}

// Binding returns the identity the connection is bound to, if any.
func (c *Conn) Binding() (Binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding == nil {
		return Binding{}, false
	}
	return *c.binding, true
}

// State returns the current session state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) handle(ctx context.Context, raw []byte) {
	env, err := envelope.Parse(raw)
	if err != nil {
		c.core.record(metrics.MetricErrors, 1, map[string]string{"code": string(envelope.CodeMalformed)})
		c.sendError(c.boundSessionID(), envelope.AsError(err, envelope.CodeMalformed))
		return
	}
	c.core.record(metrics.MetricMessages, 1, map[string]string{"type": env.Type})

	if c.core.draining() {
		c.reject(env, envelope.NewError(envelope.CodeDraining, "gateway is draining, reconnect to another instance"))
		return
	}
	if e := c.bind(&env); e != nil {
		c.reject(env, e)
		return
	}

	switch {
	case envelope.IsRealtime(env.Type):
		c.forwardRealtime(ctx, env)
	case envelope.IsTask(env.Type):
		c.dispatchTask(ctx, env)
	default:
		c.reject(env, envelope.NewError(envelope.CodeUnsupported, "unsupported event type %q", env.Type))
	}
}

// bind fixes the connection identity on the first message and checks every later
// one against it. An authenticated subject fills a missing userId.
func (c *Conn) bind(env *envelope.Envelope) *envelope.Error {
	if c.subject != "" {
		if env.UserID == "" {
			env.UserID = c.subject
		} else if env.UserID != c.subject {
			return envelope.NewError(envelope.CodeUnauthorized, "userId %q does not match the authenticated subject", env.UserID)
		}
	}

	c.mu.Lock()
	if c.binding != nil {
		b := *c.binding
		c.mu.Unlock()
		if !b.matches(*env) {
			return envelope.NewError(envelope.CodeSessionMismatch,
				"connection is bound to session %q user %q", b.SessionID, b.UserID)
		}
		return nil
	}
	c.binding = &Binding{SessionID: env.SessionID, UserID: env.UserID, EstablishedAt: time.Now()}
	c.mu.Unlock()

	c.logger.Info("session bound", "session_id", env.SessionID, "user_id", env.UserID)
	c.transition(StateSessionBound, StateFact{})
	return nil
}

// transition moves to state and emits a state fact when the state changes.
func (c *Conn) transition(state State, fact StateFact) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	if prev == state {
		return
	}
	fact.State = state
	fact.Previous = prev
	c.emitState(fact)
}

// emitState always emits; task transitions report every step even when the
// session state stays the same.
func (c *Conn) emitState(fact StateFact) {
	b, ok := c.Binding()
	if !ok {
		return
	}
	env := envelope.New(envelope.TypeSessionState, b.SessionID, fact)
	env.UserID = b.UserID
	c.send(env)
}

func (c *Conn) boundSessionID() string {
	if b, ok := c.Binding(); ok {
		return b.SessionID
	}
	return ""
}

func (c *Conn) reject(env envelope.Envelope, e *envelope.Error) {
	e.ReplyTo = env.ID
	c.core.record(metrics.MetricErrors, 1, map[string]string{"code": string(e.Code)})
	sid := env.SessionID
	if sid == "" {
		sid = c.boundSessionID()
	}
	c.sendError(sid, e)
}

func (c *Conn) sendError(sessionID string, e *envelope.Error) {
	c.logger.Debug("rejecting message", "code", e.Code, "message", e.Message, "trace_id", e.TraceID)
	c.send(envelope.ErrorEnvelope(sessionID, e))
}

func (c *Conn) send(env envelope.Envelope) {
	if err := c.out.Send(env); err != nil {
		c.logger.Debug("send to client failed", "type", env.Type, "error", err)
	}
}
