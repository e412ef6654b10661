// ABOUTME: Task path: replay lookup, task lifecycle tracking and orchestrator dispatch.
// ABOUTME: Out-of-band requests bypass tasks, replay and session state entirely.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/live-gateway/internal/envelope"
	"github.com/2389/live-gateway/internal/metrics"
	"github.com/2389/live-gateway/internal/orchestrator"
	"github.com/2389/live-gateway/internal/replay"
	"github.com/2389/live-gateway/internal/tasks"
)

const sourceOrchestrator = "orchestrator"

// dispatchTask runs a task request. The dispatch outlives the connection: closing
// the socket does not cancel a call already in flight.
func (c *Conn) dispatchTask(ctx context.Context, env envelope.Envelope) {
	dctx := context.WithoutCancel(ctx)
	if env.OutOfBand() {
		c.dispatchOutOfBand(dctx, env)
		return
	}

	res, err := c.core.opts.Replay.Do(dctx, env.ReplayKey(), env.Fingerprint(),
		func(ctx context.Context) (json.RawMessage, bool, error) {
			return c.execute(ctx, env)
		})
	if errors.Is(err, replay.ErrConflict) {
		c.reject(env, envelope.NewError(envelope.CodeIdempotencyConflict,
			"replay key %q was already used for different content", env.ReplayKey()))
		return
	}
	if err != nil {
		c.reject(env, envelope.NewError(envelope.CodeOrchestratorFailed, "%s", err.Error()))
		return
	}

	var resp envelope.Envelope
	if err := json.Unmarshal(res.Response, &resp); err != nil {
		c.reject(env, envelope.NewError(envelope.CodeOrchestratorFailed, "cached response unreadable: %v", err))
		return
	}
	if res.Replayed {
		resp.SetMeta(envelope.MetaReplayed, true)
		resp.SetMeta(envelope.MetaCacheAgeMs, res.Age.Milliseconds())
		c.core.record(metrics.MetricReplayHits, 1, nil)
		c.logger.Debug("replayed cached response", "session_id", env.SessionID, "age", res.Age)
	}
	c.send(resp)
}

// execute performs one tracked dispatch and returns the encoded response and
// whether it may be cached. Every path leaves the task terminal or explicitly
// waiting, with a fact emitted for each step.
func (c *Conn) execute(ctx context.Context, env envelope.Envelope) (resp json.RawMessage, cacheable bool, err error) {
	task := c.core.opts.Tasks.Create(tasks.NewTask{
		SessionID: env.SessionID,
		RunID:     env.RunID,
		Intent:    env.Intent(),
		Route:     c.core.opts.TaskRoute,
	})
	c.emitTask(env, task, "")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
			c.failTask(env, task, err)
			resp, cacheable = nil, false
		}
	}()

	task = c.advance(env, task, tasks.Update{Status: tasks.StatusRunning, ProgressPct: 60, Stage: "dispatch"}, "")

	req := env.Clone()
	req.SetMeta(envelope.MetaTask, task)

	start := time.Now()
	reply, err := c.core.opts.Orchestrator.Dispatch(ctx, req)
	c.core.record(metrics.MetricDispatchSeconds, time.Since(start).Seconds(), map[string]string{"route": c.core.opts.TaskRoute})
	if err != nil {
		c.failTask(env, task, err)
		return nil, false, err
	}

	switch {
	case reply.Status == orchestrator.StatusCompleted:
		task = c.advance(env, task, tasks.Update{Status: tasks.StatusCompleted, ProgressPct: 100, Stage: "completed"}, "")
	case reply.Status == orchestrator.StatusFailed:
		msg := reply.Error
		if msg == "" {
			msg = "orchestrator reported failure"
		}
		task = c.advance(env, task, tasks.Update{Status: tasks.StatusFailed, ProgressPct: 100, Stage: "failed", Error: msg}, msg)
	case reply.ApprovalRequired:
		task = c.advance(env, task, tasks.Update{Status: tasks.StatusPendingApproval, ProgressPct: 70, Stage: "approval"}, "")
	}

	out := responseEnvelope(env, reply.Envelope)
	out.SetMeta(envelope.MetaTask, task)
	data, err := json.Marshal(out)
	if err != nil {
		return nil, false, fmt.Errorf("encoding response: %w", err)
	}
	// Pending and running replies are cached as well, so a duplicate never starts
	// the work again. Later progress arrives as task facts, not replays.
	return data, task.Status != tasks.StatusFailed, nil
}

func (c *Conn) dispatchOutOfBand(ctx context.Context, env envelope.Envelope) {
	reply, err := c.core.opts.Orchestrator.Dispatch(ctx, env)
	if err != nil {
		c.reject(env, envelope.NewError(envelope.CodeOrchestratorFailed, "%s", err.Error()))
		return
	}
	out := responseEnvelope(env, reply.Envelope)
	out.Conversation = envelope.ConversationNone
	out.SetMeta(envelope.MetaOutOfBand, true)
	c.send(out)
}

// advance applies a task transition and emits its facts. A rejected transition
// leaves the last snapshot in place.
func (c *Conn) advance(env envelope.Envelope, task tasks.Task, u tasks.Update, message string) tasks.Task {
	next, err := c.core.opts.Tasks.Advance(task.ID, u)
	if err != nil {
		c.logger.Warn("task transition rejected", "task_id", task.ID, "status", u.Status, "error", err)
		next = task
		next.Status = u.Status
		next.ProgressPct = u.ProgressPct
		next.Stage = u.Stage
		if u.Error != "" {
			next.Error = u.Error
		}
	}
	c.emitTask(env, next, message)
	return next
}

func (c *Conn) failTask(env envelope.Envelope, task tasks.Task, err error) {
	c.logger.Error("orchestrator dispatch failed", "session_id", env.SessionID, "task_id", task.ID, "error", err)
	c.advance(env, task, tasks.Update{Status: tasks.StatusFailed, ProgressPct: 100, Stage: "error", Error: err.Error()}, err.Error())
}

// emitTask sends the task fact followed by the session-state fact.
func (c *Conn) emitTask(env envelope.Envelope, task tasks.Task, message string) {
	c.core.record(metrics.MetricTaskTransitions, 1, map[string]string{"status": string(task.Status)})

	fact := envelope.New(envelope.TypeTaskUpdated, env.SessionID, task)
	fact.UserID = env.UserID
	fact.RunID = env.RunID
	c.send(fact)

	state := stateForTask(task.Status)
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	c.emitState(StateFact{State: state, Previous: prev, TaskID: task.ID, Message: message})
}

// responseEnvelope normalizes a collaborator reply for delivery to the caller.
func responseEnvelope(req, reply envelope.Envelope) envelope.Envelope {
	out := reply.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Type == "" {
		out.Type = envelope.TypeOrchestratorResponse
	}
	if out.Source == "" {
		out.Source = sourceOrchestrator
	}
	if out.TS == 0 {
		out.TS = time.Now().UnixMilli()
	}
	out.SessionID = req.SessionID
	if out.UserID == "" {
		out.UserID = req.UserID
	}
	if out.RunID == "" {
		out.RunID = req.RunID
	}
	out.SetMeta(envelope.MetaReplyTo, req.ID)
	return out
}
