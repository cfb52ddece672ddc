// Package protocol defines the conversation streaming envelope and its codecs.
//
// Every message exchanged over a conversation connection is an Envelope. Codecs
// validate the required fields on both encode and decode; a malformed envelope is
// rejected as a whole with a *DecodeError and never partially applied.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the envelope format version negotiated through the
// websocket subprotocol.
const ProtocolVersion = 1

// Envelope is the unit of wire transport.
type Envelope struct {
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id"`
	TurnID         *int64          `json:"turn_id"`
	Sequence       int64           `json:"sequence"`
	Timestamp      time.Time       `json:"timestamp"`
	TraceID        string          `json:"trace_id"`
	Payload        json.RawMessage `json:"payload"`
}

// ErrMalformedEnvelope is wrapped by every validation failure.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// DecodeError describes why an envelope was rejected.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed envelope: %s", e.Reason)
	}
	return fmt.Sprintf("malformed envelope: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedEnvelope and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedEnvelope, e.Err}
	}
	return []error{ErrMalformedEnvelope}
}

func fieldError(field, reason string) error {
	return &DecodeError{Field: field, Reason: reason}
}

// New builds an envelope with the given payload. Sequence and trace id are left
// for the sequencer and the caller.
func New(t Type, conversationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	if bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	return Envelope{
		Type:           t,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Payload:        raw,
	}, nil
}

// WithTurn returns a copy of e bound to turn id.
func (e Envelope) WithTurn(id int64) Envelope {
	e.TurnID = &id
	return e
}

// Turn returns the turn id and whether it is set.
func (e Envelope) Turn() (int64, bool) {
	if e.TurnID == nil {
		return 0, false
	}
	return *e.TurnID, true
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &DecodeError{Field: "payload", Reason: fmt.Sprintf("invalid %s payload", e.Type), Err: err}
	}
	return nil
}

// Validate checks every required field.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return fieldError("type", "missing")
	}
	if !e.Type.Known() {
		return fieldError("type", fmt.Sprintf("unknown type %q", e.Type))
	}
	if e.ConversationID == "" {
		return fieldError("conversation_id", "missing")
	}
	if e.Sequence <= 0 {
		return fieldError("sequence", "must be positive")
	}
	if e.Timestamp.IsZero() {
		return fieldError("timestamp", "missing")
	}
	if e.TraceID == "" {
		return fieldError("trace_id", "missing")
	}
	if !isObject(e.Payload) {
		return fieldError("payload", "must be an object")
	}
	return nil
}

// Wrap re-delivers e as message.replay, keeping its sequence and turn.
func Wrap(e Envelope) (Envelope, error) {
	if e.Type == TypeMessageReplay {
		return e, nil
	}
	raw, err := json.Marshal(ReplayPayload{
		Type:      e.Type,
		Timestamp: e.Timestamp,
		TraceID:   e.TraceID,
		Payload:   e.Payload,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal replay payload: %w", err)
	}
	return Envelope{
		Type:           TypeMessageReplay,
		ConversationID: e.ConversationID,
		TurnID:         e.TurnID,
		Sequence:       e.Sequence,
		Timestamp:      time.Now().UTC(),
		TraceID:        e.TraceID,
		Payload:        raw,
	}, nil
}

// Unwrap returns the original envelope carried by a message.replay. Other
// envelopes are returned unchanged.
func Unwrap(e Envelope) (Envelope, error) {
	if e.Type != TypeMessageReplay {
		return e, nil
	}
	var p ReplayPayload
	if err := e.DecodePayload(&p); err != nil {
		return Envelope{}, err
	}
	if p.Type == TypeMessageReplay || !p.Type.FromServer() {
		return Envelope{}, fieldError("payload.type", fmt.Sprintf("cannot replay %q", p.Type))
	}
	inner := Envelope{
		Type:           p.Type,
		ConversationID: e.ConversationID,
		TurnID:         e.TurnID,
		Sequence:       e.Sequence,
		Timestamp:      p.Timestamp,
		TraceID:        p.TraceID,
		Payload:        p.Payload,
	}
	if inner.TraceID == "" {
		inner.TraceID = e.TraceID
	}
	if inner.Timestamp.IsZero() {
		inner.Timestamp = e.Timestamp
	}
	if err := inner.Validate(); err != nil {
		return Envelope{}, err
	}
	return inner, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
