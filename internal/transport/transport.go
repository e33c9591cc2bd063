// Package transport reaches remote agents. Each transport implements
// agent.Agent, agent.Pinger and agent.Discoverer so the dispatcher, health
// monitor and router treat local and remote agents alike.
package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/pkg/agentwire"
)

const defaultDialTimeout = 5 * time.Second

// Remote is an agent reached over the network.
type Remote interface {
	agent.Agent
	agent.Pinger
	agent.Discoverer
	io.Closer
}

// Describer is implemented by transports whose agents describe their own
// capabilities.
type Describer interface {
	Describe(ctx context.Context) (agentwire.CapabilitiesMsg, error)
}

type Mode string

const (
	ModeGRPC      Mode = "grpc"
	ModeWebSocket Mode = "websocket"
	ModeSocket    Mode = "socket"
)

// ParseEndpoint returns the transport mode and the address to dial:
//
//	grpc://host:port    -> ModeGRPC, host:port
//	ws(s)://host/path   -> ModeWebSocket, full URL
//	unix:///path.sock   -> ModeSocket, network unix
//	tcp://host:port     -> ModeSocket, network tcp
func ParseEndpoint(endpoint string) (mode Mode, network, address string, err error) {
	lower := strings.ToLower(endpoint)
	switch {
	case strings.HasPrefix(lower, "grpc://"):
		return ModeGRPC, "tcp", endpoint[len("grpc://"):], nil
	case strings.HasPrefix(lower, "ws://"), strings.HasPrefix(lower, "wss://"):
		return ModeWebSocket, "", endpoint, nil
	case strings.HasPrefix(lower, "unix://"):
		return ModeSocket, "unix", endpoint[len("unix://"):], nil
	case strings.HasPrefix(lower, "tcp://"):
		return ModeSocket, "tcp", endpoint[len("tcp://"):], nil
	}
	return "", "", "", fmt.Errorf("unsupported agent endpoint %q (want grpc://, ws://, wss://, unix:// or tcp://)", endpoint)
}

// Open connects to the agent at endpoint.
func Open(ctx context.Context, endpoint string) (Remote, error) {
	mode, network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if address == "" {
		return nil, fmt.Errorf("agent endpoint %q has no address", endpoint)
	}
	switch mode {
	case ModeGRPC:
		g, err := DialGRPC(address)
		if err != nil {
			return nil, err
		}
		return g, nil
	case ModeWebSocket:
		return NewWebSocket(address), nil
	default:
		s, err := DialSocket(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// SelfDescribe fills the descriptor's capabilities and priority from the
// agent's own description when the configuration leaves them empty.
func SelfDescribe(ctx context.Context, r Remote, desc agent.Descriptor) (agent.Descriptor, error) {
	d, ok := r.(Describer)
	if !ok || (len(desc.Capabilities) > 0 && desc.Priority != 0) {
		return desc, nil
	}
	caps, err := d.Describe(ctx)
	if err != nil {
		if len(desc.Capabilities) > 0 {
			return desc, nil
		}
		return desc, fmt.Errorf("describe agent %s: %w", desc.ID, err)
	}
	if len(desc.Capabilities) == 0 {
		desc.Capabilities = append([]string(nil), caps.Capabilities...)
	}
	if desc.Priority == 0 {
		desc.Priority = caps.Priority
	}
	return desc, nil
}
