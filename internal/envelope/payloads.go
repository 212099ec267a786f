package envelope

import (
	"encoding/json"
	"fmt"
)

// PayloadType discriminates the payload variants an envelope can carry.
type PayloadType string

const (
	PayloadTaskRequest  PayloadType = "task.request"
	PayloadTaskResponse PayloadType = "task.response"
	PayloadTaskStatus   PayloadType = "task.status"
	PayloadTaskCancel   PayloadType = "task.cancel"
	PayloadError        PayloadType = "error"
	PayloadPing         PayloadType = "ping"
)

// Payload is implemented by every message body an envelope can carry.
type Payload interface {
	Type() PayloadType
	Validate() error
}

// TaskRequest asks the recipient to execute one of its declared skills.
type TaskRequest struct {
	TaskID         string          `json:"task_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	SkillID        string          `json:"skill_id"`
	Input          json.RawMessage `json:"input,omitempty"`
}

func (TaskRequest) Type() PayloadType { return PayloadTaskRequest }

func (p TaskRequest) Validate() error {
	if p.TaskID == "" {
		return &SchemaViolationError{Field: "payload.task_id", Reason: "required"}
	}
	if p.SkillID == "" {
		return &SchemaViolationError{Field: "payload.skill_id", Reason: "required"}
	}
	return nil
}

// TaskResponse reports the outcome of a task request.
type TaskResponse struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (TaskResponse) Type() PayloadType { return PayloadTaskResponse }

func (p TaskResponse) Validate() error {
	if p.TaskID == "" {
		return &SchemaViolationError{Field: "payload.task_id", Reason: "required"}
	}
	if p.Status == "" {
		return &SchemaViolationError{Field: "payload.status", Reason: "required"}
	}
	return nil
}

// TaskStatus is an unsolicited progress notification for a running task.
type TaskStatus struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (TaskStatus) Type() PayloadType { return PayloadTaskStatus }

func (p TaskStatus) Validate() error {
	if p.TaskID == "" {
		return &SchemaViolationError{Field: "payload.task_id", Reason: "required"}
	}
	if p.Status == "" {
		return &SchemaViolationError{Field: "payload.status", Reason: "required"}
	}
	return nil
}

// TaskCancel requests cancellation of a previously submitted task.
type TaskCancel struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func (TaskCancel) Type() PayloadType { return PayloadTaskCancel }

func (p TaskCancel) Validate() error {
	if p.TaskID == "" {
		return &SchemaViolationError{Field: "payload.task_id", Reason: "required"}
	}
	return nil
}

// ErrorPayload carries a protocol-level failure back to the sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

func (ErrorPayload) Type() PayloadType { return PayloadError }

func (p ErrorPayload) Validate() error {
	if p.Code == "" {
		return &SchemaViolationError{Field: "payload.code", Reason: "required"}
	}
	if p.Message == "" {
		return &SchemaViolationError{Field: "payload.message", Reason: "required"}
	}
	return nil
}

// Ping is a liveness probe with no required fields.
type Ping struct {
	Echo string `json:"echo,omitempty"`
}

func (Ping) Type() PayloadType { return PayloadPing }

func (Ping) Validate() error { return nil }

// decodePayload dispatches raw payload bytes to the concrete type named
// by the discriminator. Unknown discriminators are a schema violation so
// they surface at validation time, never inside a handler.
func decodePayload(t PayloadType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, &SchemaViolationError{Field: "payload", Reason: "required"}
	}
	var p Payload
	switch t {
	case PayloadTaskRequest:
		p = &TaskRequest{}
	case PayloadTaskResponse:
		p = &TaskResponse{}
	case PayloadTaskStatus:
		p = &TaskStatus{}
	case PayloadTaskCancel:
		p = &TaskCancel{}
	case PayloadError:
		p = &ErrorPayload{}
	case PayloadPing:
		p = &Ping{}
	default:
		return nil, &SchemaViolationError{Field: "payload_type", Reason: fmt.Sprintf("unknown type %q", string(t))}
	}
	if err := unmarshalStrict(raw, p); err != nil {
		if sv, ok := err.(*SchemaViolationError); ok && sv.Reason == "unknown field" {
			return nil, &SchemaViolationError{Field: "payload." + sv.Field, Reason: sv.Reason}
		}
		return nil, err
	}
	return p, nil
}
