package task

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adriannoes/asap-protocol/internal/logger"
)

// ErrTaskNotFound is returned when a task id is unknown to the manager.
var ErrTaskNotFound = errors.New("task not found")

// TransitionRecord is one entry in a task's transition journal.
type TransitionRecord struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Manager tracks live tasks and applies validated transitions. It is safe
// for concurrent use; transitions for a task are applied in the order the
// calls acquire the lock, and legality is enforced by the state machine.
type Manager struct {
	mu      sync.RWMutex
	tasks   map[string]Task
	history map[string][]TransitionRecord
	log     *slog.Logger
}

// NewManager returns an empty task manager.
func NewManager() *Manager {
	return &Manager{
		tasks:   make(map[string]Task),
		history: make(map[string][]TransitionRecord),
		log:     logger.WithComponent("task-manager"),
	}
}

// Create registers a new task in the submitted state and returns it.
func (m *Manager) Create(conversationID string) Task {
	t := New(conversationID)
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	m.log.Debug("task created", "task_id", t.ID, "conversation_id", conversationID)
	return t
}

// Adopt registers an externally created task, for callers that mint their
// own task ids. An existing task with the same id is left untouched.
func (m *Manager) Adopt(t Task) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tasks[t.ID]; ok {
		return existing
	}
	m.tasks[t.ID] = t
	return t
}

// Get returns the current value of a task.
func (m *Manager) Get(id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

// Transition moves a task to a new state, journaling the change. The
// check-and-update is a single critical section so concurrent duplicate
// transitions are rejected rather than reordered.
func (m *Manager) Transition(id string, to Status) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	next, err := t.Transition(to)
	if err != nil {
		return t, err
	}
	m.tasks[id] = next
	m.history[id] = append(m.history[id], TransitionRecord{From: t.Status, To: to, At: next.UpdatedAt})
	m.log.Debug("task transitioned", "task_id", id, "from", string(t.Status), "to", string(to))
	return next, nil
}

// History returns the transition journal of a task, oldest first.
func (m *Manager) History(id string) ([]TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[id]; !ok {
		return nil, ErrTaskNotFound
	}
	out := make([]TransitionRecord, len(m.history[id]))
	copy(out, m.history[id])
	return out, nil
}

// Prune removes terminal tasks last updated before cutoff and returns the
// number removed.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		if t.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			delete(m.history, id)
			removed++
		}
	}
	return removed
}
