// ABOUTME: Tests for the fake orchestrator using the real orchestrator clients
// ABOUTME: Covers intent-driven replies over HTTP and gRPC

package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/2389/live-gateway/internal/envelope"
	"github.com/2389/live-gateway/internal/orchestrator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func request(intent, text string) envelope.Envelope {
	env := envelope.New(envelope.TypeOrchestratorRequest, "s1", map[string]string{"intent": intent, "text": text})
	env.UserID = "u1"
	return env
}

func TestResponder_HTTP(t *testing.T) {
	r := &responder{logger: testLogger()}
	srv := httptest.NewServer(r.httpHandler())
	t.Cleanup(srv.Close)

	client := orchestrator.NewHTTPClient(srv.URL, orchestrator.RetryPolicy{Timeout: time.Second}, testLogger())
	t.Cleanup(func() { _ = client.Close() })

	tests := []struct {
		intent   string
		status   string
		approval bool
	}{
		{"", orchestrator.StatusCompleted, false},
		{"fail", orchestrator.StatusFailed, false},
		{"approve", "awaiting_approval", true},
		{"pending", "running", false},
	}
	for _, tt := range tests {
		t.Run("intent "+tt.intent, func(t *testing.T) {
			reply, err := client.Dispatch(context.Background(), request(tt.intent, "hello"))
			require.NoError(t, err)
			assert.Equal(t, tt.status, reply.Status)
			assert.Equal(t, tt.approval, reply.ApprovalRequired)
			assert.Equal(t, "s1", reply.Envelope.SessionID)
			assert.Equal(t, "u1", reply.Envelope.UserID)
		})
	}

	_, err := client.Dispatch(context.Background(), request("reject", ""))
	require.ErrorIs(t, err, orchestrator.ErrRejected)
}

func TestResponder_GRPC(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	orchestrator.RegisterServer(s, &responder{logger: testLogger()})
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(s.Stop)

	client, err := orchestrator.NewGRPCClient(ln.Addr().String(), orchestrator.RetryPolicy{Timeout: time.Second}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	reply, err := client.Dispatch(context.Background(), request("", "hi"))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, reply.Status)
	assert.Contains(t, string(reply.Envelope.Payload), "Echo: hi")

	_, err = client.Dispatch(context.Background(), request("reject", ""))
	require.ErrorIs(t, err, orchestrator.ErrRejected)
}

func TestResponder_DelayHonorsContext(t *testing.T) {
	r := &responder{delay: time.Hour, logger: testLogger()}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	req := request("", "")
	_, err := r.Dispatch(ctx, &req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_RequiresAListener(t *testing.T) {
	err := run("", "", &responder{logger: testLogger()}, testLogger())
	require.Error(t, err)
}
