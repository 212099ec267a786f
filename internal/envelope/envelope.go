// Package envelope defines the ASAP wire message and its typed payloads.
//
// An Envelope is the routing and tracing wrapper exchanged between agents.
// It is created once by a sender and never mutated; a response is a new
// envelope correlated through CorrelationID. Decoding is closed-world:
// unknown fields at the top level or inside a recognized payload are a
// schema violation, not a warning.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on every envelope.
const Version = "1.0"

// MaxAgentIDLength bounds sender and recipient identifiers.
const MaxAgentIDLength = 256

// AgentIDPrefix is the required URN prefix for agent identifiers.
const AgentIDPrefix = "asap:agent:"

// SchemaViolationError reports the first field that failed structural
// validation. It is never retriable.
type SchemaViolationError struct {
	Field  string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation: field %q: %s", e.Field, e.Reason)
}

// Envelope is the wire message. Payload holds the raw JSON body matching
// PayloadType; use DecodePayload to obtain the typed value.
type Envelope struct {
	ID            string            `json:"id"`
	ASAPVersion   string            `json:"asap_version"`
	Sender        string            `json:"sender"`
	Recipient     string            `json:"recipient"`
	PayloadType   PayloadType       `json:"payload_type"`
	Payload       json.RawMessage   `json:"payload"`
	Timestamp     time.Time         `json:"timestamp"`
	TraceID       string            `json:"trace_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Nonce         string            `json:"nonce,omitempty"`
	Extensions    map[string]string `json:"extensions,omitempty"`
}

// New builds a validated envelope around a typed payload, filling ID and
// Timestamp when absent. The payload is validated against its declared type.
func New(sender, recipient string, payload Payload) (*Envelope, error) {
	if err := validateAgentID("sender", sender); err != nil {
		return nil, err
	}
	if err := validateAgentID("recipient", recipient); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, &SchemaViolationError{Field: "payload", Reason: "required"}
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Envelope{
		ID:          uuid.NewString(),
		ASAPVersion: Version,
		Sender:      sender,
		Recipient:   recipient,
		PayloadType: payload.Type(),
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Reply builds a response envelope addressed back to the sender of in,
// carrying its trace id and correlated to its id.
func (e *Envelope) Reply(payload Payload) (*Envelope, error) {
	out, err := New(e.Recipient, e.Sender, payload)
	if err != nil {
		return nil, err
	}
	out.TraceID = e.TraceID
	out.CorrelationID = e.ID
	return out, nil
}

// Decode parses and validates a wire envelope. Unknown top-level fields,
// a missing or unrecognized payload type, and payload bodies that fail
// their own validation are all reported as SchemaViolationError.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := unmarshalStrict(data, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope's own fields and its payload body.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &SchemaViolationError{Field: "id", Reason: "required"}
	}
	if e.ASAPVersion == "" {
		return &SchemaViolationError{Field: "asap_version", Reason: "required"}
	}
	if err := validateAgentID("sender", e.Sender); err != nil {
		return err
	}
	if err := validateAgentID("recipient", e.Recipient); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return &SchemaViolationError{Field: "timestamp", Reason: "required"}
	}
	if _, err := e.DecodePayload(); err != nil {
		return err
	}
	return nil
}

// DecodePayload returns the typed payload declared by PayloadType.
func (e *Envelope) DecodePayload() (Payload, error) {
	p, err := decodePayload(e.PayloadType, e.Payload)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func validateAgentID(field, id string) error {
	if id == "" {
		return &SchemaViolationError{Field: field, Reason: "required"}
	}
	if len(id) > MaxAgentIDLength {
		return &SchemaViolationError{Field: field, Reason: fmt.Sprintf("exceeds %d characters", MaxAgentIDLength)}
	}
	if !strings.HasPrefix(id, AgentIDPrefix) {
		return &SchemaViolationError{Field: field, Reason: fmt.Sprintf("must start with %q", AgentIDPrefix)}
	}
	return nil
}

// unmarshalStrict decodes JSON rejecting unknown fields, translating the
// decoder's unknown-field error into a SchemaViolationError naming it.
func unmarshalStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if field, ok := unknownField(err); ok {
			return &SchemaViolationError{Field: field, Reason: "unknown field"}
		}
		return &SchemaViolationError{Field: "(document)", Reason: err.Error()}
	}
	return nil
}

func unknownField(err error) (string, bool) {
	const marker = `unknown field "`
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	rest := msg[i+len(marker):]
	if j := strings.Index(rest, `"`); j >= 0 {
		return rest[:j], true
	}
	return "", false
}
