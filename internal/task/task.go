// Package task implements the ASAP task lifecycle state machine.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input-required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// transitions is the closed legality table. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusSubmitted:     {StatusWorking, StatusCancelled},
	StatusWorking:       {StatusCompleted, StatusFailed, StatusCancelled, StatusInputRequired},
	StatusInputRequired: {StatusWorking, StatusCancelled},
}

// InvalidTransitionError reports an illegal state change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task transition from %q to %q", e.From, e.To)
}

// Task is a unit of delegated work. Values are immutable; Transition
// returns a new Task and never mutates its receiver.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New creates a task in the submitted state.
func New(conversationID string) Task {
	now := time.Now().UTC()
	return Task{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Status:         StatusSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CanTransition reports whether from may legally move to to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition returns a copy of the task in the new state with UpdatedAt
// refreshed, or an InvalidTransitionError when the move is illegal.
func (t Task) Transition(to Status) (Task, error) {
	if !CanTransition(t.Status, to) {
		return t, &InvalidTransitionError{From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return t, nil
}

// IsTerminal reports whether the task has reached a final state.
func (t Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}

// CanBeCancelled reports whether a cancel request may be issued for the
// task. Tasks waiting on input must first be resumed or cancelled through
// an explicit transition.
func (t Task) CanBeCancelled() bool {
	return t.Status == StatusSubmitted || t.Status == StatusWorking
}
