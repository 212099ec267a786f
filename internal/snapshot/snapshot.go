// Package snapshot persists versioned checkpoints of task-local state.
//
// Versions for a task are strictly increasing, never reused. All backends
// honor the same contract so callers are storage-agnostic.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no snapshot matches the lookup.
	ErrNotFound = errors.New("snapshot not found")
	// ErrVersionConflict is returned when a save would reuse or rewind a
	// task's version sequence.
	ErrVersionConflict = errors.New("snapshot version conflict")
)

// Snapshot is one versioned checkpoint of a task's state.
type Snapshot struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Version    int             `json:"version"`
	Data       json.RawMessage `json:"data"`
	Checkpoint bool            `json:"checkpoint"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Latest selects the highest version in Get and deletes nothing specific
// in Delete.
const Latest = 0

// Store is the snapshot persistence contract.
//
// Save persists atomically and allocates the next version when
// s.Version is zero; an explicit version that is not exactly one past the
// task's current highest fails with ErrVersionConflict. Get with version
// Latest returns the highest version. Delete with version Latest removes
// every version of the task.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, taskID string, version int) (*Snapshot, error)
	ListVersions(ctx context.Context, taskID string) ([]int, error)
	Delete(ctx context.Context, taskID string, version int) error
	// Prune removes old versions of a task, keeping the newest keep
	// versions and every checkpoint. It returns the number removed.
	Prune(ctx context.Context, taskID string, keep int) (int, error)
	Close() error
}
