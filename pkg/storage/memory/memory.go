// Package memory provides an in-memory implementation of the saga stores,
// intended for tests and single-process deployments.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

// Store implements saga.Store and saga.IdempotencyStore using maps.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*saga.Instance
	idem      map[string]struct{}
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		instances: make(map[string]*saga.Instance),
		idem:      make(map[string]struct{}),
	}
}

// copyInstance deep-copies via JSON so callers cannot mutate stored state.
func copyInstance(in *saga.Instance) (*saga.Instance, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	var out saga.Instance
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return &out, nil
}

// SaveInstance saves an instance.
func (m *Store) SaveInstance(ctx context.Context, in *saga.Instance) error {
	copied, err := copyInstance(in)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[in.ID] = copied
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *Store) GetInstance(ctx context.Context, id string) (*saga.Instance, error) {
	m.mu.RLock()
	in, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "saga instance", ID: id}
	}
	return copyInstance(in)
}

// ListInstances lists instances with optional status filter and pagination.
func (m *Store) ListInstances(ctx context.Context, filter *saga.InstanceFilter) ([]*saga.Instance, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wanted map[saga.Status]struct{}
	if filter != nil && len(filter.Status) > 0 {
		wanted = make(map[saga.Status]struct{}, len(filter.Status))
		for _, s := range filter.Status {
			wanted[s] = struct{}{}
		}
	}

	var instances []*saga.Instance
	for _, in := range m.instances {
		if wanted != nil {
			if _, ok := wanted[in.Status]; !ok {
				continue
			}
		}
		copied, err := copyInstance(in)
		if err != nil {
			return nil, 0, err
		}
		instances = append(instances, copied)
	}

	total := len(instances)
	if filter != nil && filter.Limit > 0 {
		start := min(filter.Offset, len(instances))
		end := min(filter.Offset+filter.Limit, len(instances))
		instances = instances[start:end]
	}
	return instances, total, nil
}

// DeleteInstance deletes an instance.
func (m *Store) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return &storage.NotFoundError{EntityType: "saga instance", ID: id}
	}
	delete(m.instances, id)
	return nil
}

// MarkDone records a completed side-effect key.
func (m *Store) MarkDone(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[key] = struct{}{}
	return nil
}

// Done reports whether a side-effect key has been recorded.
func (m *Store) Done(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.idem[key]
	return ok, nil
}

// Close is a no-op for the in-memory store.
func (m *Store) Close() error { return nil }
