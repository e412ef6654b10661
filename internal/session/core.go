// ABOUTME: Core wires connections to the shared bridge, orchestrator, task registry and replay cache.
// ABOUTME: It creates one Conn per client socket and tracks the live set for the operator surface.

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/live-gateway/internal/bridge"
	"github.com/2389/live-gateway/internal/metrics"
	"github.com/2389/live-gateway/internal/orchestrator"
	"github.com/2389/live-gateway/internal/replay"
	"github.com/2389/live-gateway/internal/tasks"
)

const defaultQueueSize = 64

// Options configures a Core.
type Options struct {
	QueueSize    int
	Bridge       *bridge.Bridge
	Orchestrator orchestrator.Client
	Tasks        *tasks.Registry
	Replay       *replay.Cache
	// TaskRoute is recorded on every task, e.g. the orchestrator transport.
	TaskRoute string
	Metrics   metrics.Sink
	// Draining reports whether new messages should be refused.
	Draining func() bool
	Logger   *slog.Logger
}

// Core is shared by all connections of one gateway.
type Core struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewCore creates a Core. Bridge, Orchestrator, Tasks and Replay are required.
func NewCore(opts Options) *Core {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Core{
		opts:   opts,
		logger: opts.Logger.With("component", "session"),
		conns:  make(map[*Conn]struct{}),
	}
}

// Accept registers a new client connection. subject is the authenticated
// principal, empty when auth is disabled. The caller runs Conn.Run and calls
// Conn.Close when the socket goes away.
func (c *Core) Accept(out Sender, subject string) *Conn {
	conn := &Conn{
		core:    c,
		out:     out,
		subject: subject,
		queue:   make(chan []byte, c.opts.QueueSize),
		done:    make(chan struct{}),
		state:   StateSocketConnected,
		logger:  c.logger,
	}

	c.mu.Lock()
	c.conns[conn] = struct{}{}
	n := len(c.conns)
	c.mu.Unlock()

	c.logger.Debug("connection accepted", "subject", subject, "connections", n)
	return conn
}

// Connections returns the number of open connections.
func (c *Core) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Bindings returns the bindings of all bound connections.
func (c *Core) Bindings() []Binding {
	c.mu.Lock()
	conns := make([]*Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	out := make([]Binding, 0, len(conns))
	for _, conn := range conns {
		if b, ok := conn.Binding(); ok {
			out = append(out, b)
		}
	}
	return out
}

func (c *Core) forget(conn *Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

func (c *Core) draining() bool {
	return c.opts.Draining != nil && c.opts.Draining()
}

func (c *Core) record(name string, value float64, tags map[string]string) {
	c.opts.Metrics.RecordMetric(context.Background(), name, value, tags)
}
