package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opentalon/conductor/pkg/agentrpc"
)

// GRPC calls an agent served with agentrpc and checks it through the
// standard grpc.health.v1 service.
type GRPC struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// DialGRPC creates a lazily connecting client for address. Extra options
// replace the default insecure transport credentials.
func DialGRPC(address string, opts ...grpc.DialOption) (*GRPC, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc agent %s: %w", address, err)
	}
	return &GRPC{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

func (g *GRPC) Handle(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	req, err := agentrpc.HandleRequest(action, payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	reply := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, agentrpc.HandleMethod, req, reply); err != nil {
		return nil, grpcError(err)
	}
	return reply.AsMap(), nil
}

func (g *GRPC) CanHandle(ctx context.Context, eventType string) (bool, error) {
	req, err := agentrpc.CanHandleRequest(eventType)
	if err != nil {
		return false, err
	}
	reply := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, agentrpc.CanHandleMethod, req, reply); err != nil {
		return false, grpcError(err)
	}
	handles, _ := reply.AsMap()["handles"].(bool)
	return handles, nil
}

// Ping reports the agent healthy only when its health service says
// SERVING for the agent service.
func (g *GRPC) Ping(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: agentrpc.ServiceName})
	if err != nil {
		return grpcError(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", resp.GetStatus())
	}
	return nil
}

func (g *GRPC) Close() error {
	return g.conn.Close()
}

// grpcError unwraps a status into a plain error carrying the agent's
// message, keeping context errors recognisable.
func grpcError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if s, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", s.Code(), s.Message())
	}
	return err
}
