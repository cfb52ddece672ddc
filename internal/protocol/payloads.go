package protocol

import (
	"encoding/json"
	"time"
)

// ConnectedPayload is the payload of session.connected.
type ConnectedPayload struct {
	ProtocolVersion     int          `json:"protocol_version"`
	ClientID            string       `json:"client_id"`
	Resync              bool         `json:"resync"`
	State               SessionState `json:"state"`
	HistoryLength       int          `json:"history_length"`
	Codec               string       `json:"codec"`
	HeartbeatIntervalMS int64        `json:"heartbeat_interval_ms"`
	QueuePolicy         string       `json:"queue_policy"`
}

// ResumedPayload is the payload of session.resumed.
type ResumedPayload struct {
	ClientID     string       `json:"client_id"`
	Replayed     int          `json:"replayed"`
	LastSequence int64        `json:"last_sequence"`
	State        SessionState `json:"state"`
}

// StatePayload is the payload of session.state.
type StatePayload struct {
	State    SessionState `json:"state"`
	Previous SessionState `json:"previous,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// HeartbeatAckPayload is the payload of session.heartbeat_ack.
type HeartbeatAckPayload struct {
	ServerTime   time.Time `json:"server_time"`
	LastSequence int64     `json:"last_sequence"`
}

// ErrorPayload is the payload of session.error. At most one of QuestionID and
// TempID is set, naming the card or placeholder the error belongs to.
type ErrorPayload struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	RefType    Type      `json:"ref_type,omitempty"`
	QuestionID string    `json:"question_id,omitempty"`
	TempID     string    `json:"temp_id,omitempty"`
}

// SystemEventPayload is the payload of session.system_event.
type SystemEventPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// MessageAckPayload is the payload of user.message.ack.
type MessageAckPayload struct {
	TempID        string         `json:"temp_id,omitempty"`
	ClientID      string         `json:"client_id,omitempty"`
	Queued        bool           `json:"queued"`
	QueuePosition int            `json:"queue_position,omitempty"`
	Content       string         `json:"content,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// InputResponseAckPayload is the payload of user.input_response.ack.
type InputResponseAckPayload struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
	ResumeTask bool   `json:"resume_task,omitempty"`
}

// InterruptAckPayload is the payload of user.interrupt.ack.
type InterruptAckPayload struct {
	State SessionState `json:"state"`
}

// ChunkPayload is the payload of assistant.chunk.
type ChunkPayload struct {
	Content string `json:"content"`
}

// ThinkingPayload is the payload of assistant.thinking.
type ThinkingPayload struct {
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
}

// ToolCallPayload is the payload of assistant.tool_call.
type ToolCallPayload struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    ToolStatus      `json:"status,omitempty"`
}

// ToolResultPayload is the payload of assistant.tool_result.
type ToolResultPayload struct {
	ToolID  string          `json:"tool_id"`
	IsError bool            `json:"is_error"`
	Result  json.RawMessage `json:"result,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// RequestInputPayload is the payload of assistant.request_input.
type RequestInputPayload struct {
	QuestionID string     `json:"question_id"`
	Question   string     `json:"question"`
	Options    []string   `json:"options,omitempty"`
	Required   bool       `json:"required"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// CompletePayload is the payload of assistant.complete.
type CompletePayload struct {
	StopReason string `json:"stop_reason"`
}

// ReplayPayload is the payload of message.replay: the original envelope minus
// the fields the replay envelope already carries.
type ReplayPayload struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TraceID   string          `json:"trace_id"`
	Payload   json.RawMessage `json:"payload"`
}

// UserMessagePayload is the payload of user.message.
type UserMessagePayload struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TempID   string         `json:"temp_id,omitempty"`
}

// InputResponsePayload is the payload of user.input_response.
type InputResponsePayload struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
	ResumeTask bool   `json:"resume_task,omitempty"`
}

// Empty is the payload of user.interrupt and session.heartbeat.
type Empty struct{}
