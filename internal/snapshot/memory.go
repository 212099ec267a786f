package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store. Safe for concurrent use; version
// allocation is serialized under the store lock.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string][]*Snapshot // ascending by version
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string][]*Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.tasks[s.TaskID]
	highest := 0
	if n := len(versions); n > 0 {
		highest = versions[n-1].Version
	}
	switch {
	case s.Version == 0:
		s.Version = highest + 1
	case s.Version != highest+1:
		return ErrVersionConflict
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	stored := *s
	m.tasks[s.TaskID] = append(versions, &stored)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, taskID string, version int) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.tasks[taskID]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	if version == Latest {
		out := *versions[len(versions)-1]
		return &out, nil
	}
	for _, s := range versions {
		if s.Version == version {
			out := *s
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListVersions(_ context.Context, taskID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.tasks[taskID]
	out := make([]int, len(versions))
	for i, s := range versions {
		out[i] = s.Version
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, taskID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.tasks[taskID]
	if len(versions) == 0 {
		return ErrNotFound
	}
	if version == Latest {
		delete(m.tasks, taskID)
		return nil
	}
	for i, s := range versions {
		if s.Version == version {
			m.tasks[taskID] = append(versions[:i], versions[i+1:]...)
			if len(m.tasks[taskID]) == 0 {
				delete(m.tasks, taskID)
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Prune(_ context.Context, taskID string, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.tasks[taskID]
	if len(versions) <= keep {
		return 0, nil
	}
	cut := len(versions) - keep
	kept := make([]*Snapshot, 0, len(versions))
	removed := 0
	for i, s := range versions {
		if i >= cut || s.Checkpoint {
			kept = append(kept, s)
		} else {
			removed++
		}
	}
	m.tasks[taskID] = kept
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }
