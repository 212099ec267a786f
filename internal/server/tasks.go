package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adriannoes/asap-protocol/internal/envelope"
	"github.com/adriannoes/asap-protocol/internal/snapshot"
	"github.com/adriannoes/asap-protocol/internal/task"
)

// handlePing answers liveness probes.
func (s *Server) handlePing(_ context.Context, _ *envelope.Envelope, payload envelope.Payload) (envelope.Payload, error) {
	p := payload.(*envelope.Ping)
	return &envelope.Ping{Echo: p.Echo}, nil
}

// handleTaskRequest drives the built-in echo skill through the full task
// lifecycle and checkpoints its state. Unknown skills fail the task.
func (s *Server) handleTaskRequest(ctx context.Context, env *envelope.Envelope, payload envelope.Payload) (envelope.Payload, error) {
	req := payload.(*envelope.TaskRequest)

	t := s.tasks.Adopt(task.Task{
		ID:             req.TaskID,
		ConversationID: req.ConversationID,
		Status:         task.StatusSubmitted,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	})
	if s.metrics != nil {
		s.metrics.RecordTask(true)
	}

	if _, err := s.transition(t.ID, task.StatusWorking); err != nil {
		return nil, err
	}

	output, skillErr := s.runSkill(req)
	if skillErr != nil {
		if _, err := s.transition(t.ID, task.StatusFailed); err != nil {
			return nil, err
		}
		return &envelope.TaskResponse{
			TaskID: req.TaskID,
			Status: string(task.StatusFailed),
			Error:  skillErr.Error(),
		}, nil
	}

	if s.snapshots != nil {
		snap := &snapshot.Snapshot{
			TaskID:     t.ID,
			Data:       output,
			Checkpoint: true,
		}
		err := s.snapshots.Save(ctx, snap)
		if s.metrics != nil {
			s.metrics.RecordSnapshotSave(err)
		}
		if err != nil {
			return nil, fmt.Errorf("save snapshot: %w", err)
		}
	}

	if _, err := s.transition(t.ID, task.StatusCompleted); err != nil {
		return nil, err
	}
	return &envelope.TaskResponse{
		TaskID: req.TaskID,
		Status: string(task.StatusCompleted),
		Output: output,
	}, nil
}

// runSkill executes the requested skill. Only the echo skill ships with
// the core; embedders register richer task.request handlers.
func (s *Server) runSkill(req *envelope.TaskRequest) (json.RawMessage, error) {
	switch req.SkillID {
	case "echo":
		if len(req.Input) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return req.Input, nil
	default:
		return nil, fmt.Errorf("unknown skill %q", req.SkillID)
	}
}

// handleTaskCancel applies a cancel transition when legal.
func (s *Server) handleTaskCancel(_ context.Context, _ *envelope.Envelope, payload envelope.Payload) (envelope.Payload, error) {
	req := payload.(*envelope.TaskCancel)

	t, err := s.tasks.Get(req.TaskID)
	if err != nil {
		return &envelope.ErrorPayload{Code: "task_not_found", Message: err.Error(), TaskID: req.TaskID}, nil
	}
	if !t.CanBeCancelled() {
		return nil, &task.InvalidTransitionError{From: t.Status, To: task.StatusCancelled}
	}
	cancelled, err := s.transition(req.TaskID, task.StatusCancelled)
	if err != nil {
		return nil, err
	}
	return &envelope.TaskResponse{TaskID: req.TaskID, Status: string(cancelled.Status)}, nil
}

func (s *Server) transition(id string, to task.Status) (task.Task, error) {
	t, err := s.tasks.Transition(id, to)
	if err == nil && s.metrics != nil {
		s.metrics.RecordTask(false)
	}
	return t, err
}

// handleTaskStatus applies a remotely reported status to the local view
// of the task, rejecting illegal transitions.
func (s *Server) handleTaskStatus(_ context.Context, _ *envelope.Envelope, payload envelope.Payload) (envelope.Payload, error) {
	st := payload.(*envelope.TaskStatus)

	t, err := s.tasks.Get(st.TaskID)
	if err != nil {
		return &envelope.ErrorPayload{Code: "task_not_found", Message: err.Error(), TaskID: st.TaskID}, nil
	}
	updated, err := s.transition(t.ID, task.Status(st.Status))
	if err != nil {
		return nil, err
	}
	return &envelope.TaskStatus{TaskID: st.TaskID, Status: string(updated.Status)}, nil
}
