package agent

import (
	"context"
	"time"
)

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
)

// Routable reports whether an agent in this status may receive
// capability-routed work.
func (s Status) Routable() bool {
	return s != StatusUnreachable
}

// Agent is the uniform handler every agent variant implements, whether it
// runs in-process or behind a transport.
type Agent interface {
	Handle(ctx context.Context, action string, payload map[string]any) (map[string]any, error)
}

// Pinger is implemented by agents that support a lightweight liveness check.
// Agents without it are assumed alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Discoverer is implemented by agents that can answer whether they accept an
// event type they never declared a capability for.
type Discoverer interface {
	CanHandle(ctx context.Context, eventType string) (bool, error)
}

// HandlerFunc adapts a plain function to the Agent interface.
type HandlerFunc func(ctx context.Context, action string, payload map[string]any) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	return f(ctx, action, payload)
}

// Descriptor is the registry's view of one agent.
type Descriptor struct {
	ID              string    `yaml:"id" json:"id"`
	Capabilities    []string  `yaml:"capabilities" json:"capabilities"`
	Priority        int       `yaml:"priority" json:"priority"`
	Endpoint        string    `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Status          Status    `yaml:"-" json:"status"`
	LastHealthCheck time.Time `yaml:"-" json:"last_health_check"`
}

func (d Descriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with d.
func (d Descriptor) Clone() Descriptor {
	caps := make([]string, len(d.Capabilities))
	copy(caps, d.Capabilities)
	d.Capabilities = caps
	return d
}
