package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opentalon/conductor/internal/agent"
)

type entry struct {
	desc    agent.Descriptor
	handler agent.Agent
}

// Registry tracks the available agents, their declared capabilities and the
// health status last reported by the health monitor.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
}

func New() *Registry {
	return &Registry{
		agents: make(map[string]*entry),
	}
}

// Register adds or replaces an agent. Re-registering an existing id
// overwrites its capabilities, priority and handler but keeps the health
// status until the next health check.
func (r *Registry) Register(desc agent.Descriptor, handler agent.Agent) error {
	if desc.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if handler == nil {
		return fmt.Errorf("agent %q has no handler", desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	desc = desc.Clone()
	if existing, ok := r.agents[desc.ID]; ok {
		desc.Status = existing.desc.Status
		desc.LastHealthCheck = existing.desc.LastHealthCheck
	} else if desc.Status == "" {
		desc.Status = agent.StatusHealthy
	}
	r.agents[desc.ID] = &entry{desc: desc, handler: handler}
	return nil
}

func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

func (r *Registry) Describe(id string) (agent.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return agent.Descriptor{}, false
	}
	return e.desc.Clone(), true
}

func (r *Registry) Agent(id string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Find returns the ids of agents declaring capability, highest priority
// first, ties broken by ascending id.
func (r *Registry) Find(capability string) []string {
	return r.find(capability, false)
}

// FindAvailable is Find without agents the health monitor has marked
// unreachable.
func (r *Registry) FindAvailable(capability string) []string {
	return r.find(capability, true)
}

func (r *Registry) find(capability string, routableOnly bool) []string {
	r.mu.RLock()
	matches := make([]agent.Descriptor, 0)
	for _, e := range r.agents {
		if !e.desc.HasCapability(capability) {
			continue
		}
		if routableOnly && !e.desc.Status.Routable() {
			continue
		}
		matches = append(matches, e.desc)
	}
	r.mu.RUnlock()

	sortByPriority(matches)
	ids := make([]string, len(matches))
	for i, d := range matches {
		ids[i] = d.ID
	}
	return ids
}

// List returns every descriptor in priority order.
func (r *Registry) List() []agent.Descriptor {
	r.mu.RLock()
	out := make([]agent.Descriptor, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.desc.Clone())
	}
	r.mu.RUnlock()

	sortByPriority(out)
	return out
}

// Capabilities returns the sorted union of all declared capabilities.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	seen := make(map[string]bool)
	for _, e := range r.agents {
		for _, c := range e.desc.Capabilities {
			seen[c] = true
		}
	}
	r.mu.RUnlock()

	caps := make([]string, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// SetStatus records a health check outcome. Only the health monitor calls it.
// Returns false if the agent is not registered.
func (r *Registry) SetStatus(id string, status agent.Status, checkedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return false
	}
	e.desc.Status = status
	e.desc.LastHealthCheck = checkedAt
	return true
}

func sortByPriority(ds []agent.Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority > ds[j].Priority
		}
		return ds[i].ID < ds[j].ID
	})
}
