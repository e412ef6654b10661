// ABOUTME: Client for the external orchestration collaborator that executes task requests.
// ABOUTME: Provides the reply model, transport selection and bounded retry with backoff.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/live-gateway/internal/config"
	"github.com/2389/live-gateway/internal/envelope"
)

// Reply statuses the gateway distinguishes. Anything else leaves the task running.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrRejected indicates the collaborator refused the request and retrying will not help.
var ErrRejected = errors.New("orchestrator rejected request")

// Reply is the collaborator's answer to one request.
type Reply struct {
	Envelope         envelope.Envelope
	Status           string
	ApprovalRequired bool
	Error            string
}

// Terminal reports whether the reply ends the task.
func (r Reply) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

type replyBody struct {
	Status           string `json:"status"`
	ApprovalRequired bool   `json:"approvalRequired"`
	Error            string `json:"error"`
}

// ParseReply reads status and approval flag from a response envelope's payload.
// Payloads that are not objects are treated as having no status.
func ParseReply(env envelope.Envelope) Reply {
	var body replyBody
	if len(env.Payload) > 0 {
		_ = env.DecodePayload(&body)
	}
	return Reply{
		Envelope:         env,
		Status:           body.Status,
		ApprovalRequired: body.ApprovalRequired,
		Error:            body.Error,
	}
}

// Client dispatches task envelopes to the collaborator.
type Client interface {
	Dispatch(ctx context.Context, env envelope.Envelope) (Reply, error)
	Close() error
}

// RetryPolicy bounds each call and retries transient failures with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	Timeout    time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// PolicyFromConfig extracts the retry policy from orchestrator config.
func PolicyFromConfig(cfg config.OrchestratorConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
		Backoff:    cfg.Backoff,
		MaxBackoff: cfg.MaxBackoff,
	}
}

// run calls op with a per-attempt timeout until it succeeds, returns a permanent
// error, or the retry budget is spent.
func (p RetryPolicy) run(ctx context.Context, logger *slog.Logger, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if p.Backoff > 0 {
		b.InitialInterval = p.Backoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0

	retries := max(p.MaxRetries, 0)
	attempt := 0
	operation := func() error {
		attempt++
		actx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		return op(actx)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("orchestrator call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx), notify)
}

// New builds the client for the configured transport.
func New(cfg config.OrchestratorConfig, logger *slog.Logger) (Client, error) {
	logger = logger.With("component", "orchestrator")
	policy := PolicyFromConfig(cfg)
	switch cfg.Transport {
	case config.TransportHTTP, "":
		return NewHTTPClient(cfg.URL, policy, logger), nil
	case config.TransportGRPC:
		return NewGRPCClient(cfg.GRPCAddr, policy, logger)
	default:
		return nil, fmt.Errorf("unknown orchestrator transport %q", cfg.Transport)
	}
}
