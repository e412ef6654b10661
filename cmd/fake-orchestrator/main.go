// ABOUTME: Minimal fake orchestrator for E2E testing - answers task requests over HTTP and gRPC.
// ABOUTME: Usage: fake-orchestrator [-http :9000] [-grpc :9001] [-delay 50ms]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/2389/live-gateway/internal/envelope"
	"github.com/2389/live-gateway/internal/orchestrator"
)

func main() {
	httpAddr := flag.String("http", "localhost:9000", "HTTP listen address (empty disables)")
	grpcAddr := flag.String("grpc", "localhost:9001", "gRPC listen address (empty disables)")
	delay := flag.Duration("delay", 50*time.Millisecond, "Simulated work per request")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*httpAddr, *grpcAddr, &responder{delay: *delay, logger: logger}, logger); err != nil {
		logger.Error("fake orchestrator failed", "error", err)
		os.Exit(1)
	}
}

func run(httpAddr, grpcAddr string, r *responder, logger *slog.Logger) error {
	if httpAddr == "" && grpcAddr == "" {
		return errors.New("at least one of -http or -grpc is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	errCh := make(chan error, 2)

	var httpServer *http.Server
	if httpAddr != "" {
		httpServer = &http.Server{Addr: httpAddr, Handler: r.httpHandler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("HTTP listening", "addr", httpAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	var grpcServer *grpc.Server
	if grpcAddr != "" {
		ln, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
		grpcServer = grpc.NewServer()
		orchestrator.RegisterServer(grpcServer, r)
		go func() {
			logger.Info("gRPC listening", "addr", ln.Addr().String())
			if err := grpcServer.Serve(ln); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return serveErr
}

// responder produces a reply from the request intent:
//
//	approve -> approvalRequired, status "awaiting_approval"
//	fail    -> status "failed"
//	pending -> status "running" (no terminal status)
//	reject  -> transport-level rejection
//	other   -> status "completed" echoing the request text
type responder struct {
	delay  time.Duration
	logger *slog.Logger
}

var errRejected = errors.New("request rejected by fake orchestrator")

type requestBody struct {
	Intent string `json:"intent"`
	Text   string `json:"text"`
}

// Dispatch implements orchestrator.Handler.
func (r *responder) Dispatch(ctx context.Context, req *envelope.Envelope) (*envelope.Envelope, error) {
	var body requestBody
	if len(req.Payload) > 0 {
		_ = json.Unmarshal(req.Payload, &body)
	}
	r.logger.Info("received request", "id", req.ID, "session_id", req.SessionID, "intent", body.Intent)

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var payload map[string]any
	switch strings.ToLower(body.Intent) {
	case "reject":
		return nil, errRejected
	case "approve":
		payload = map[string]any{"status": "awaiting_approval", "approvalRequired": true, "summary": "needs a human"}
	case "fail":
		payload = map[string]any{"status": "failed", "error": "simulated failure"}
	case "pending":
		payload = map[string]any{"status": "running"}
	default:
		payload = map[string]any{"status": "completed", "text": echoReply(body.Text)}
	}

	resp := envelope.New(envelope.TypeOrchestratorResponse, req.SessionID, payload)
	resp.Source = "fake-orchestrator"
	resp.UserID = req.UserID
	resp.RunID = req.RunID
	return &resp, nil
}

func (r *responder) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, req *http.Request) {
		var env envelope.Envelope
		if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
			http.Error(w, `{"error":"invalid envelope"}`, http.StatusBadRequest)
			return
		}
		resp, err := r.Dispatch(req.Context(), &env)
		if errors.Is(err, errRejected) {
			http.Error(w, `{"error":"rejected"}`, http.StatusUnprocessableEntity)
			return
		}
		if err != nil {
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func echoReply(input string) string {
	if input == "" {
		return "Echo: (empty request)"
	}
	return "Echo: " + input
}
