// Package protocol defines the front-end ↔ executor message protocol.
// Messages travel as JSON envelopes framed one per line over any ordered,
// reliable byte stream (unix socket, TCP, pipe).
//
// # Framing
//
// Each frame is a single JSON object terminated by '\n'. The newline makes
// frames self-delimiting, so a decoder can resume after receiving a partial
// frame and can resynchronize at the next frame boundary after a corrupt one.
//
// # Correlation
//
// Command traffic (command_request, command_output_chunk, command_result)
// carries the command id in the envelope Corr field. Every command_request
// eventually yields exactly one command_result, with zero or more
// command_output_chunk frames in between, all with the same Corr, delivered
// in send order.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message.
type MessageType string

const (
	// Front-end → executor
	MsgUserInput      MessageType = "user_input"
	MsgCommandRequest MessageType = "command_request"

	// Executor → front-end
	MsgAssistantOutput    MessageType = "assistant_output"
	MsgCommandOutputChunk MessageType = "command_output_chunk"
	MsgCommandResult      MessageType = "command_result"
	MsgSessionEvent       MessageType = "session_event"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope wraps all protocol messages.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`             // Message ID, unique per frame
	Corr      string          `json:"corr,omitempty"` // Correlation ID (command id for command traffic)
	Timestamp string          `json:"ts"`             // RFC3339 UTC
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope with a fresh ID and timestamp.
// Marshal failures are reported through the encoder, never silently dropped,
// so payload types must be JSON-marshalable.
func NewEnvelope(msgType MessageType, corr string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		ID:        uuid.NewString(),
		Corr:      corr,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Payload types: front-end → executor

// UserInputPayload carries user text into a session.
//
// SessionID empty means "start a new session"; the executor answers with a
// session_event announcing the assigned id. Ack true acknowledges the most
// recently presented plan (Text may be empty). Cancel true requests
// cancellation of the whole session.
type UserInputPayload struct {
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Ack       bool   `json:"ack,omitempty"`
	Cancel    bool   `json:"cancel,omitempty"`
}

// CommandRequestPayload asks the executor to run, or cancel, a command in
// the session's sandbox. Cancel true with a CommandID cancels that command.
type CommandRequestPayload struct {
	SessionID string   `json:"session_id"`
	CommandID string   `json:"command_id"`
	Argv      []string `json:"argv,omitempty"`
	Dir       string   `json:"dir,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
	Cancel    bool     `json:"cancel,omitempty"`
}

// Payload types: executor → front-end

// OutputKind classifies assistant output.
type OutputKind string

const (
	OutputAnswer   OutputKind = "answer"
	OutputQuestion OutputKind = "question"
	OutputPlan     OutputKind = "plan"
	OutputSummary  OutputKind = "summary"
)

// PlanStep is one abstract step of a presented plan.
type PlanStep struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// AssistantOutputPayload carries assistant text toward the user.
type AssistantOutputPayload struct {
	SessionID string     `json:"session_id"`
	Kind      OutputKind `json:"kind"`
	Text      string     `json:"text"`
	Steps     []PlanStep `json:"steps,omitempty"` // set when Kind == plan
}

// CommandOutputChunkPayload streams incremental command output.
type CommandOutputChunkPayload struct {
	SessionID string `json:"session_id"`
	CommandID string `json:"command_id"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Data      string `json:"data"`
}

// ResultStatus is the terminal status of a command.
type ResultStatus string

const (
	StatusSucceeded ResultStatus = "succeeded"
	StatusFailed    ResultStatus = "failed"
	StatusTimedOut  ResultStatus = "timed_out"
	StatusCancelled ResultStatus = "cancelled"
)

// CommandResultPayload reports the single terminal result of a command.
type CommandResultPayload struct {
	SessionID  string       `json:"session_id"`
	CommandID  string       `json:"command_id"`
	Status     ResultStatus `json:"status"`
	ExitCode   int          `json:"exit_code,omitempty"`
	Error      string       `json:"error,omitempty"`
	DurationMs int64        `json:"duration_ms"`
}

// SessionEventPayload records a session lifecycle event. Seq is a per-session
// monotonic counter: exactly one event is emitted per causal trigger.
type SessionEventPayload struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Event     string `json:"event"` // e.g. "session_started", "phase_changed", "session_parked"
	Phase     string `json:"phase,omitempty"`
	From      string `json:"from,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorPayload reports a protocol- or session-level error.
type ErrorPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal,omitempty"`
}

// Payload extraction

// GetPayload unmarshals the payload into target.
func (e *Envelope) GetPayload(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, target)
}

// AsUserInput extracts UserInputPayload.
func (e *Envelope) AsUserInput() (*UserInputPayload, error) {
	var p UserInputPayload
	if err := e.GetPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AsCommandRequest extracts CommandRequestPayload.
func (e *Envelope) AsCommandRequest() (*CommandRequestPayload, error) {
	var p CommandRequestPayload
	if err := e.GetPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AsAssistantOutput extracts AssistantOutputPayload.
func (e *Envelope) AsAssistantOutput() (*AssistantOutputPayload, error) {
	var p AssistantOutputPayload
	if err := e.GetPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AsCommandOutputChunk extracts CommandOutputChunkPayload.
func (e *Envelope) AsCommandOutputChunk() (*CommandOutputChunkPayload, error) {
	var p CommandOutputChunkPayload
	if err := e.GetPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AsCommandResult extracts CommandResultPayload.
func (e *Envelope) AsCommandResult() (*CommandResultPayload, error) {
	var p CommandResultPayload
	if err := e.GetPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AsSessionEvent extracts SessionEventPayload.
func (e *Envelope) AsSessionEvent() (*SessionEventPayload, error) {
	var p SessionEventPayload
	if err := e.GetPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AsError extracts ErrorPayload.
func (e *Envelope) AsError() (*ErrorPayload, error) {
	var p ErrorPayload
	if err := e.GetPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
