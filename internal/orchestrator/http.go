// ABOUTME: HTTP transport for the orchestration collaborator: POST the envelope, read one back.
// ABOUTME: 5xx, 429 and network errors are retried; other 4xx responses are permanent.

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/live-gateway/internal/envelope"
)

const maxReplyBytes = 8 << 20

// HTTPClient posts task envelopes as JSON.
type HTTPClient struct {
	url    string
	http   *http.Client
	policy RetryPolicy
	logger *slog.Logger
}

// NewHTTPClient creates a client posting to url.
func NewHTTPClient(url string, policy RetryPolicy, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		url:    url,
		http:   &http.Client{},
		policy: policy,
		logger: logger,
	}
}

// Dispatch posts env and parses the response envelope.
func (c *HTTPClient) Dispatch(ctx context.Context, env envelope.Envelope) (Reply, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Reply{}, fmt.Errorf("encoding request: %w", err)
	}

	var out envelope.Envelope
	err = c.policy.run(ctx, c.logger, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Session-Id", env.SessionID)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("posting to orchestrator: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			return fmt.Errorf("reading orchestrator reply: %w", err)
		}

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, truncate(data))
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(data)))
		}

		if err := json.Unmarshal(data, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding orchestrator reply: %w", err))
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return ParseReply(out), nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func truncate(data []byte) string {
	const limit = 256
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
