package workflow

import (
	"context"
	"sort"
	"sync"
)

// Store persists instances so they survive a restart. Save must not
// overwrite an instance that is already in a terminal state.
type Store interface {
	Save(ctx context.Context, inst *Instance) error
	Load(ctx context.Context, id string) (*Instance, error)
	LoadActiveForContext(ctx context.Context, businessContext string) ([]*Instance, error)
	ListActive(ctx context.Context) ([]*Instance, error)
}

// MemoryStore keeps instances in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) Save(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[inst.ID]; ok && existing.Status.Terminal() {
		return nil
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) LoadActiveForContext(_ context.Context, businessContext string) ([]*Instance, error) {
	return s.filter(func(i *Instance) bool {
		return !i.Status.Terminal() && i.BusinessContext == businessContext
	}), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Instance, error) {
	return s.filter(func(i *Instance) bool { return !i.Status.Terminal() }), nil
}

func (s *MemoryStore) filter(keep func(*Instance) bool) []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.instances {
		if keep(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
