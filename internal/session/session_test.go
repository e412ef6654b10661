// ABOUTME: Tests for the per-connection pump: binding, realtime fallback, task lifecycle and replay.
// ABOUTME: Uses a fake orchestrator, a fake upstream dialer and a capturing client sender.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/live-gateway/internal/bridge"
	"github.com/2389/live-gateway/internal/envelope"
	"github.com/2389/live-gateway/internal/orchestrator"
	"github.com/2389/live-gateway/internal/replay"
	"github.com/2389/live-gateway/internal/routes"
	"github.com/2389/live-gateway/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSender records every envelope sent to the client.
type captureSender struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (s *captureSender) Send(env envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *captureSender) ofType(typ string) []envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []envelope.Envelope
	for _, e := range s.envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (s *captureSender) waitFor(t *testing.T, typ string, n int) []envelope.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.ofType(typ)) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d %s envelopes", n, typ)
	return s.ofType(typ)
}

func (s *captureSender) errors(t *testing.T, n int) []envelope.Error {
	t.Helper()
	var out []envelope.Error
	require.Eventually(t, func() bool {
		out = out[:0]
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, e := range s.envs {
			if e.Type != envelope.TypeError && e.Type != envelope.TypeBridgeError {
				continue
			}
			var ee envelope.Error
			if json.Unmarshal(e.Payload, &ee) == nil {
				out = append(out, ee)
			}
		}
		return len(out) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d errors", n)
	return out
}

// fakeOrchestrator answers dispatches through reply, optionally blocking on gate.
type fakeOrchestrator struct {
	reply func(env envelope.Envelope) (orchestrator.Reply, error)
	gate  chan struct{}

	mu       sync.Mutex
	calls    int
	requests []envelope.Envelope
	ctxErrs  []error
}

func (f *fakeOrchestrator) Dispatch(ctx context.Context, env envelope.Envelope) (orchestrator.Reply, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, env)
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	return f.reply(env)
}

func (f *fakeOrchestrator) Close() error { return nil }

func (f *fakeOrchestrator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func replyWith(payload map[string]any) func(envelope.Envelope) (orchestrator.Reply, error) {
	return func(env envelope.Envelope) (orchestrator.Reply, error) {
		out := envelope.New(envelope.TypeOrchestratorResponse, env.SessionID, payload)
		out.Source = "orchestrator"
		return orchestrator.ParseReply(out), nil
	}
}

// upstreamConn is a silent upstream that accepts every frame.
type upstreamConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *upstreamConn) Send(context.Context, any) error { return nil }
func (c *upstreamConn) Ping(context.Context) error      { return nil }

func (c *upstreamConn) Recv() ([]byte, error) {
	<-c.closed
	return nil, io.EOF
}

func (c *upstreamConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type upstreamDialer struct {
	fail  error
	dials atomic.Int32
}

func (d *upstreamDialer) Dial(context.Context, bridge.Target) (bridge.Conn, error) {
	d.dials.Add(1)
	if d.fail != nil {
		return nil, d.fail
	}
	return &upstreamConn{closed: make(chan struct{})}, nil
}

func configuredBridge(t *testing.T, dialer bridge.Dialer) *bridge.Bridge {
	t.Helper()
	cfg := bridge.Config{
		URL:            "wss://upstream.invalid/live",
		Models:         []string{"m0"},
		MaxAttempts:    2,
		ConnectTimeout: 100 * time.Millisecond,
		RetryDelay:     time.Millisecond,
	}
	health, err := routes.New(cfg.Models, nil, routes.NewPolicy(routes.Windows{
		DefaultCooldown:   10 * time.Second,
		RateLimitCooldown: 10 * time.Second,
		BillingDisable:    time.Hour,
		AuthDisable:       time.Hour,
	}))
	require.NoError(t, err)
	b := bridge.New(cfg, health, nil, dialer, testLogger())
	t.Cleanup(b.Close)
	return b
}

type harness struct {
	core     *Core
	orch     *fakeOrchestrator
	tasks    *tasks.Registry
	draining atomic.Bool
}

func newHarness(t *testing.T, orch *fakeOrchestrator, br *bridge.Bridge) *harness {
	t.Helper()
	if orch == nil {
		orch = &fakeOrchestrator{reply: replyWith(map[string]any{"status": "completed", "answer": 42})}
	}
	if br == nil {
		br = bridge.New(bridge.Config{}, nil, nil, nil, testLogger())
		t.Cleanup(br.Close)
	}
	h := &harness{orch: orch, tasks: tasks.New(100, time.Minute)}
	cache := replay.NewCache(replay.NewMemoryStore(100, 0), time.Minute, testLogger())
	t.Cleanup(func() { _ = cache.Close() })

	h.core = NewCore(Options{
		QueueSize:    8,
		Bridge:       br,
		Orchestrator: orch,
		Tasks:        h.tasks,
		Replay:       cache,
		TaskRoute:    "http",
		Draining:     h.draining.Load,
		Logger:       testLogger(),
	})
	return h
}

func (h *harness) connect(t *testing.T, subject string) (*Conn, *captureSender) {
	t.Helper()
	out := &captureSender{}
	conn := h.core.Accept(out, subject)
	ctx, cancel := context.WithCancel(context.Background())
	go conn.Run(ctx)
	t.Cleanup(func() {
		cancel()
		conn.Close()
	})
	return conn, out
}

func message(t *testing.T, typ, sessionID, userID string, payload any, meta map[string]any) []byte {
	t.Helper()
	env := envelope.New(typ, sessionID, payload)
	env.UserID = userID
	env.Source = "client"
	for k, v := range meta {
		env.SetMeta(k, v)
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func decodeTask(t *testing.T, env envelope.Envelope) tasks.Task {
	t.Helper()
	var task tasks.Task
	require.NoError(t, json.Unmarshal(env.Payload, &task))
	return task
}

func decodeState(t *testing.T, env envelope.Envelope) StateFact {
	t.Helper()
	var fact StateFact
	require.NoError(t, json.Unmarshal(env.Payload, &fact))
	return fact
}

func truncate() map[string]any {
	return map[string]any{"audioEndMs": 1200, "contentIndex": 0}
}

func TestConn_SessionMismatchKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn, out := h.connect(t, "")

	require.NoError(t, conn.Enqueue(message(t, bridge.EventItemTruncate, "A", "X", truncate(), nil)))
	require.NoError(t, conn.Enqueue(message(t, bridge.EventItemTruncate, "B", "X", truncate(), nil)))
	require.NoError(t, conn.Enqueue(message(t, bridge.EventItemTruncate, "A", "Y", truncate(), nil)))
	require.NoError(t, conn.Enqueue(message(t, bridge.EventItemTruncate, "A", "X", truncate(), nil)))

	errs := out.errors(t, 2)
	assert.Equal(t, envelope.CodeSessionMismatch, errs[0].Code)
	assert.Equal(t, envelope.CodeSessionMismatch, errs[1].Code)
	assert.NotEmpty(t, errs[0].TraceID)
	assert.NotEmpty(t, errs[0].ReplyTo)

	out.waitFor(t, bridge.EventItemTruncated, 2)
	b, ok := conn.Binding()
	require.True(t, ok)
	assert.Equal(t, "A", b.SessionID)
	assert.Equal(t, "X", b.UserID)

	states := out.waitFor(t, envelope.TypeSessionState, 1)
	fact := decodeState(t, states[0])
	assert.Equal(t, StateSessionBound, fact.State)
	assert.Equal(t, StateSocketConnected, fact.Previous)
}

func TestConn_SubjectFillsAndValidatesUser(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn, out := h.connect(t, "alice")

	require.NoError(t, conn.Enqueue(message(t, bridge.EventItemDelete, "s1", "", map[string]any{}, nil)))
	require.NoError(t, conn.Enqueue(message(t, bridge.EventItemDelete, "s1", "mallory", map[string]any{}, nil)))

	errs := out.errors(t, 1)
	assert.Equal(t, envelope.CodeUnauthorized, errs[0].Code)

	b, ok := conn.Binding()
	require.True(t, ok)
	assert.Equal(t, "alice", b.UserID)

	deleted := out.waitFor(t, bridge.EventItemDeleted, 1)
	assert.Equal(t, "alice", deleted[0].UserID)
}

func TestConn_MalformedAndUnsupported(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn, out := h.connect(t, "")

	require.NoError(t, conn.Enqueue([]byte(`{not json`)))
	require.NoError(t, conn.Enqueue([]byte(`{"type":"live.text"}`)))
	require.NoError(t, conn.Enqueue(message(t, "weather.report", "s1", "u1", map[string]any{}, nil)))

	errs := out.errors(t, 3)
	assert.Equal(t, envelope.CodeMalformed, errs[0].Code)
	assert.Equal(t, envelope.CodeMalformed, errs[1].Code)
	assert.Equal(t, envelope.CodeUnsupported, errs[2].Code)
}

func TestConn_TextFallbackStopsTouchingBridge(t *testing.T) {
	dialer := &upstreamDialer{fail: errors.New("connection refused")}
	h := newHarness(t, nil, configuredBridge(t, dialer))
	conn, out := h.connect(t, "")

	require.NoError(t, conn.Enqueue(message(t, bridge.EventText, "s1", "u1", map[string]any{"text": "hi"}, nil)))
	errs := out.errors(t, 1)
	assert.Equal(t, envelope.CodeBridgeUnavailable, errs[0].Code)
	assert.Len(t, out.waitFor(t, envelope.TypeBridgeError, 1), 1)
	dials := dialer.dials.Load()
	require.Positive(t, dials)

	require.Eventually(t, func() bool { return conn.State() == StateTextFallback }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Enqueue(message(t, bridge.EventAudio, "s1", "u1",
		map[string]any{"data": "AAEC", "mimeType": "audio/pcm"}, nil)))
	errs = out.errors(t, 2)
	assert.Equal(t, envelope.CodeBridgeUnavailable, errs[1].Code)
	assert.Equal(t, dials, dialer.dials.Load(), "fallback sessions do not dial again")

	require.NoError(t, conn.Enqueue(message(t, bridge.EventItemTruncate, "s1", "u1", truncate(), nil)))
	truncated := out.waitFor(t, bridge.EventItemTruncated, 1)
	assert.Contains(t, string(truncated[0].Payload), `"scope":"session_local"`)

	var sawFallback bool
	for _, e := range out.ofType(envelope.TypeSessionState) {
		if decodeState(t, e).State == StateTextFallback {
			sawFallback = true
		}
	}
	assert.True(t, sawFallback)
}

func TestConn_UnconfiguredBridgeFallsBack(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn, out := h.connect(t, "")

	require.NoError(t, conn.Enqueue(message(t, bridge.EventInputCommit, "s1", "u1", nil, nil)))
	errs := out.errors(t, 1)
	assert.Equal(t, envelope.CodeBridgeUnavailable, errs[0].Code)
	require.Eventually(t, func() bool { return conn.State() == StateTextFallback }, time.Second, 5*time.Millisecond)
}

func TestConn_LiveForwarded(t *testing.T) {
	dialer := &upstreamDialer{}
	h := newHarness(t, nil, configuredBridge(t, dialer))
	conn, out := h.connect(t, "")

	require.NoError(t, conn.Enqueue(message(t, bridge.EventInputCommit, "s1", "u1", nil, nil)))
	acks := out.waitFor(t, bridge.EventInputCommitted, 1)
	assert.Equal(t, "s1", acks[0].SessionID)
	assert.Equal(t, "u1", acks[0].UserID)
	require.Eventually(t, func() bool { return conn.State() == StateLiveForwarded }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestConn_TaskLifecycleAndReplay(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn, out := h.connect(t, "")

	req := message(t, envelope.TypeOrchestratorRequest, "s1", "u1",
		map[string]any{"intent": "summarize", "text": "long doc"}, map[string]any{envelope.MetaIdempotencyKey: "k1"})
	require.NoError(t, conn.Enqueue(req))

	resps := out.waitFor(t, envelope.TypeOrchestratorResponse, 1)
	first := resps[0]
	assert.Equal(t, "s1", first.SessionID)
	assert.NotEmpty(t, first.MetaString(envelope.MetaReplyTo))
	assert.NotContains(t, first.Metadata, envelope.MetaReplayed)

	facts := out.ofType(envelope.TypeTaskUpdated)
	require.Len(t, facts, 3)
	var statuses []tasks.Status
	var pcts []int
	for _, f := range facts {
		task := decodeTask(t, f)
		statuses = append(statuses, task.Status)
		pcts = append(pcts, task.ProgressPct)
		assert.Equal(t, "summarize", task.Intent)
		assert.Equal(t, "http", task.Route)
	}
	assert.Equal(t, []tasks.Status{tasks.StatusQueued, tasks.StatusRunning, tasks.StatusCompleted}, statuses)
	assert.Equal(t, []int{35, 60, 100}, pcts)

	var states []State
	for _, e := range out.ofType(envelope.TypeSessionState) {
		states = append(states, decodeState(t, e).State)
	}
	assert.Equal(t, []State{StateSessionBound, StateDispatching, StateDispatching, StateOrchestratorCompleted}, states)

	sent := h.orch.requests[0]
	assert.Contains(t, sent.Metadata, envelope.MetaTask, "the request carries the task snapshot")

	// Same identity and content: replayed verbatim without a second dispatch.
	require.NoError(t, conn.Enqueue(req))
	resps = out.waitFor(t, envelope.TypeOrchestratorResponse, 2)
	replayed := resps[1]
	assert.Equal(t, first.ID, replayed.ID)
	assert.JSONEq(t, string(first.Payload), string(replayed.Payload))
	assert.Equal(t, json.RawMessage("true"), replayed.Metadata[envelope.MetaReplayed])
	assert.Contains(t, replayed.Metadata, envelope.MetaCacheAgeMs)
	assert.Equal(t, 1, h.orch.callCount())
	assert.Len(t, out.ofType(envelope.TypeTaskUpdated), 3, "replays create no task")

	// Same identity, different content: conflict.
	require.NoError(t, conn.Enqueue(message(t, envelope.TypeOrchestratorRequest, "s1", "u1",
		map[string]any{"intent": "summarize", "text": "other doc"}, map[string]any{envelope.MetaIdempotencyKey: "k1"})))
	errs := out.errors(t, 1)
	assert.Equal(t, envelope.CodeIdempotencyConflict, errs[0].Code)
	assert.Equal(t, 1, h.orch.callCount())
}

func TestConn_ApprovalGate(t *testing.T) {
	orch := &fakeOrchestrator{reply: replyWith(map[string]any{"approvalRequired": true})}
	h := newHarness(t, orch, nil)
	conn, out := h.connect(t, "")

	require.NoError(t, conn.Enqueue(message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{"intent": "buy"}, nil)))
	out.waitFor(t, envelope.TypeOrchestratorResponse, 1)

	facts := out.ofType(envelope.TypeTaskUpdated)
	last := decodeTask(t, facts[len(facts)-1])
	assert.Equal(t, tasks.StatusPendingApproval, last.Status)
	assert.Equal(t, 70, last.ProgressPct)

	active := h.tasks.Active()
	require.Len(t, active, 1)
	assert.Equal(t, last.ID, active[0].ID)
	assert.Equal(t, StatePendingApproval, conn.State())
}

func TestConn_PendingApprovalReplyIsReplayedNotRedispatched(t *testing.T) {
	orch := &fakeOrchestrator{reply: replyWith(map[string]any{"approvalRequired": true})}
	h := newHarness(t, orch, nil)
	conn, out := h.connect(t, "")

	req := message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{"intent": "buy"},
		map[string]any{envelope.MetaIdempotencyKey: "order-7"})
	require.NoError(t, conn.Enqueue(req))
	out.waitFor(t, envelope.TypeOrchestratorResponse, 1)

	require.NoError(t, conn.Enqueue(req))
	resps := out.waitFor(t, envelope.TypeOrchestratorResponse, 2)
	assert.Equal(t, json.RawMessage("true"), resps[1].Metadata[envelope.MetaReplayed])
	assert.Equal(t, 1, orch.callCount(), "the approval gate is not triggered twice")
	assert.Equal(t, 1, h.tasks.Len())
}

func TestConn_RunningReplyLeavesTaskRunning(t *testing.T) {
	orch := &fakeOrchestrator{reply: replyWith(map[string]any{"status": "working"})}
	h := newHarness(t, orch, nil)
	conn, out := h.connect(t, "")

	require.NoError(t, conn.Enqueue(message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{}, nil)))
	out.waitFor(t, envelope.TypeOrchestratorResponse, 1)

	facts := out.ofType(envelope.TypeTaskUpdated)
	require.Len(t, facts, 2)
	assert.Equal(t, tasks.StatusRunning, decodeTask(t, facts[1]).Status)
}

func TestConn_DispatchErrorFailsTask(t *testing.T) {
	orch := &fakeOrchestrator{reply: func(envelope.Envelope) (orchestrator.Reply, error) {
		return orchestrator.Reply{}, errors.New("collaborator down")
	}}
	h := newHarness(t, orch, nil)
	conn, out := h.connect(t, "")

	req := message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{"intent": "x"}, nil)
	require.NoError(t, conn.Enqueue(req))

	errs := out.errors(t, 1)
	assert.Equal(t, envelope.CodeOrchestratorFailed, errs[0].Code)
	assert.Contains(t, errs[0].Message, "collaborator down")

	facts := out.ofType(envelope.TypeTaskUpdated)
	last := decodeTask(t, facts[len(facts)-1])
	assert.Equal(t, tasks.StatusFailed, last.Status)
	assert.Equal(t, "collaborator down", last.Error)

	states := out.ofType(envelope.TypeSessionState)
	fact := decodeState(t, states[len(states)-1])
	assert.Equal(t, StateOrchestratorFailed, fact.State)
	assert.Equal(t, "collaborator down", fact.Message)

	// Failures are not cached, so a retry dispatches again.
	require.NoError(t, conn.Enqueue(req))
	out.errors(t, 2)
	assert.Equal(t, 2, orch.callCount())
}

func TestConn_FailedReplyIsNotCached(t *testing.T) {
	orch := &fakeOrchestrator{reply: replyWith(map[string]any{"status": "failed", "error": "no stock"})}
	h := newHarness(t, orch, nil)
	conn, out := h.connect(t, "")

	req := message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{}, nil)
	require.NoError(t, conn.Enqueue(req))
	out.waitFor(t, envelope.TypeOrchestratorResponse, 1)
	require.NoError(t, conn.Enqueue(req))
	out.waitFor(t, envelope.TypeOrchestratorResponse, 2)

	assert.Equal(t, 2, orch.callCount())
	facts := out.ofType(envelope.TypeTaskUpdated)
	assert.Equal(t, "no stock", decodeTask(t, facts[2]).Error)
}

func TestConn_OutOfBand(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn, out := h.connect(t, "")

	env := envelope.New(envelope.TypeOrchestratorRequest, "s1", map[string]any{"intent": "side"})
	env.UserID = "u1"
	env.Conversation = envelope.ConversationNone
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.Enqueue(data))

	resps := out.waitFor(t, envelope.TypeOrchestratorResponse, 1)
	assert.Equal(t, json.RawMessage("true"), resps[0].Metadata[envelope.MetaOutOfBand])
	assert.Equal(t, env.ID, resps[0].MetaString(envelope.MetaReplyTo))
	assert.Equal(t, envelope.ConversationNone, resps[0].Conversation)

	assert.Empty(t, out.ofType(envelope.TypeTaskUpdated))
	for _, e := range out.ofType(envelope.TypeSessionState) {
		assert.Equal(t, StateSessionBound, decodeState(t, e).State, "only the binding emits state")
	}
	assert.Equal(t, 0, h.tasks.Len())
}

func TestConn_Draining(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn, out := h.connect(t, "")
	h.draining.Store(true)

	require.NoError(t, conn.Enqueue(message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{}, nil)))
	errs := out.errors(t, 1)
	assert.Equal(t, envelope.CodeDraining, errs[0].Code)
	assert.Equal(t, 0, h.orch.callCount())
}

func TestConn_QueueFull(t *testing.T) {
	h := newHarness(t, nil, nil)
	out := &captureSender{}
	conn := h.core.Accept(out, "")
	defer conn.Close()

	msg := message(t, bridge.EventItemDelete, "s1", "u1", map[string]any{}, nil)
	for range cap(conn.queue) {
		require.NoError(t, conn.Enqueue(msg))
	}
	assert.ErrorIs(t, conn.Enqueue(msg), ErrQueueFull)
	errs := out.errors(t, 1)
	assert.Equal(t, envelope.CodeQueueFull, errs[0].Code)

	conn.Close()
	assert.ErrorIs(t, conn.Enqueue(msg), ErrClosed)
	assert.Equal(t, 0, h.core.Connections())
}

func TestConn_ConcurrentDuplicatesShareExecution(t *testing.T) {
	orch := &fakeOrchestrator{
		reply: replyWith(map[string]any{"status": "completed"}),
		gate:  make(chan struct{}),
	}
	h := newHarness(t, orch, nil)
	connA, outA := h.connect(t, "")
	connB, outB := h.connect(t, "")

	req := message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{"intent": "once"},
		map[string]any{envelope.MetaIdempotencyKey: "dup"})
	require.NoError(t, connA.Enqueue(req))
	require.Eventually(t, func() bool { return orch.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, connB.Enqueue(req))

	time.Sleep(50 * time.Millisecond)
	close(orch.gate)

	a := outA.waitFor(t, envelope.TypeOrchestratorResponse, 1)
	b := outB.waitFor(t, envelope.TypeOrchestratorResponse, 1)
	assert.Equal(t, a[0].ID, b[0].ID)
	assert.Equal(t, 1, orch.callCount())
	assert.Equal(t, 1, h.tasks.Len())
}

func TestConn_ConcurrentConflictIsRejectedWithoutDispatch(t *testing.T) {
	orch := &fakeOrchestrator{
		reply: replyWith(map[string]any{"status": "completed"}),
		gate:  make(chan struct{}),
	}
	h := newHarness(t, orch, nil)
	connA, outA := h.connect(t, "")
	connB, outB := h.connect(t, "")

	meta := map[string]any{envelope.MetaIdempotencyKey: "shared"}
	require.NoError(t, connA.Enqueue(message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{"text": "A"}, meta)))
	require.Eventually(t, func() bool { return orch.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, connB.Enqueue(message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{"text": "B"}, meta)))

	errs := outB.errors(t, 1)
	assert.Equal(t, envelope.CodeIdempotencyConflict, errs[0].Code)
	assert.Empty(t, outB.ofType(envelope.TypeTaskUpdated), "a conflicting request never becomes a task")

	close(orch.gate)
	outA.waitFor(t, envelope.TypeOrchestratorResponse, 1)
	assert.Equal(t, 1, orch.callCount())
	assert.Equal(t, 1, h.tasks.Len())
	assert.Empty(t, outB.ofType(envelope.TypeOrchestratorResponse))
}

func TestConn_CloseDoesNotCancelDispatch(t *testing.T) {
	orch := &fakeOrchestrator{
		reply: replyWith(map[string]any{"status": "completed"}),
		gate:  make(chan struct{}),
	}
	h := newHarness(t, orch, nil)
	out := &captureSender{}
	conn := h.core.Accept(out, "")
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(finished)
	}()

	require.NoError(t, conn.Enqueue(message(t, envelope.TypeOrchestratorRequest, "s1", "u1", map[string]any{}, nil)))
	require.Eventually(t, func() bool { return orch.callCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	conn.Close()
	close(orch.gate)
	<-finished

	orch.mu.Lock()
	defer orch.mu.Unlock()
	require.Len(t, orch.ctxErrs, 1)
	assert.NoError(t, orch.ctxErrs[0])

	all := h.tasks.All()
	require.Len(t, all, 1)
	assert.Equal(t, tasks.StatusCompleted, all[0].Status)
}

func TestCore_Bindings(t *testing.T) {
	h := newHarness(t, nil, nil)
	conn, out := h.connect(t, "")
	_, _ = h.connect(t, "")

	require.NoError(t, conn.Enqueue(message(t, bridge.EventItemDelete, "s9", "u9", map[string]any{}, nil)))
	out.waitFor(t, bridge.EventItemDeleted, 1)

	assert.Equal(t, 2, h.core.Connections())
	bindings := h.core.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, "s9", bindings[0].SessionID)
}
