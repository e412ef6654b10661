// ABOUTME: gRPC transport for the orchestration collaborator using a JSON codec.
// ABOUTME: Declares the Dispatch service by hand so no generated code is needed.

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/2389/live-gateway/internal/envelope"
)

const (
	codecName = "json"
	// DispatchMethod is the full gRPC method name of the dispatch call.
	DispatchMethod = "/orchestrator.v1.Orchestrator/Dispatch"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals gRPC messages as JSON. Peers select it with the
// application/grpc+json content subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

// GRPCClient calls the collaborator over gRPC.
type GRPCClient struct {
	conn   *grpc.ClientConn
	policy RetryPolicy
	logger *slog.Logger
}

// NewGRPCClient creates a client for addr. The connection is established lazily.
func NewGRPCClient(addr string, policy RetryPolicy, logger *slog.Logger) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client: %w", err)
	}
	return &GRPCClient{conn: conn, policy: policy, logger: logger}, nil
}

// Dispatch invokes the Dispatch method.
func (c *GRPCClient) Dispatch(ctx context.Context, env envelope.Envelope) (Reply, error) {
	var out envelope.Envelope
	err := c.policy.run(ctx, c.logger, func(ctx context.Context) error {
		err := c.conn.Invoke(ctx, DispatchMethod, &env, &out)
		if err == nil {
			return nil
		}
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return err
		default:
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
		}
	})
	if err != nil {
		return Reply{}, err
	}
	return ParseReply(out), nil
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// Handler is implemented by orchestration servers.
type Handler interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "orchestrator.v1.Orchestrator",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: dispatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orchestrator/v1",
}

func dispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(envelope.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	h, _ := srv.(Handler)
	if interceptor == nil {
		return h.Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DispatchMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		env, _ := req.(*envelope.Envelope)
		return h.Dispatch(ctx, env)
	})
}

// RegisterServer registers h on s.
func RegisterServer(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}
