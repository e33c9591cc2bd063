// Package agentrpc exposes an agent over gRPC. Requests and replies are
// google.protobuf.Struct messages so no generated code is needed on either
// side.
package agentrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName     = "conductor.agent.v1.Agent"
	HandleMethod    = "/" + ServiceName + "/Handle"
	CanHandleMethod = "/" + ServiceName + "/CanHandle"
)

// Handler is implemented by agents served over gRPC.
type Handler interface {
	Handle(ctx context.Context, action string, payload map[string]any) (map[string]any, error)
	CanHandle(ctx context.Context, eventType string) (bool, error)
}

// ServiceDesc describes the Agent service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handle", Handler: handleHandler},
		{MethodName: "CanHandle", Handler: canHandleHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "conductor/agent/v1/agent.proto",
}

// Register adds h to s under ServiceName.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// HandleRequest builds the Handle request message.
func HandleRequest(action string, payload map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"action": action, "payload": normalize(payload)})
}

// CanHandleRequest builds the CanHandle request message.
func CanHandleRequest(eventType string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"event_type": eventType})
}

func handleHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		m := req.(*structpb.Struct).AsMap()
		action, _ := m["action"].(string)
		payload, _ := m["payload"].(map[string]any)
		out, err := srv.(Handler).Handle(ctx, action, payload)
		if err != nil {
			return nil, status.Error(codes.Unknown, err.Error())
		}
		reply, err := structpb.NewStruct(normalize(out))
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode output: %v", err)
		}
		return reply, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: HandleMethod}, call)
}

func canHandleHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		eventType, _ := req.(*structpb.Struct).AsMap()["event_type"].(string)
		ok, err := srv.(Handler).CanHandle(ctx, eventType)
		if err != nil {
			return nil, status.Error(codes.Unknown, err.Error())
		}
		return structpb.NewStruct(map[string]any{"handles": ok})
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: CanHandleMethod}, call)
}

// normalize converts values structpb cannot encode directly (typed slices
// and maps, integers of other widths) into their generic forms.
func normalize(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalize(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	case int8, int16, uint8, uint16:
		return toFloat(t)
	default:
		return v
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	}
	return 0
}
