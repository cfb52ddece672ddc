package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Websocket subprotocols. The subprotocol selects both the protocol version and
// the codec; a server that selects none of them does not speak this protocol.
const (
	SubprotocolJSON = "parley.v1.json"
	SubprotocolCBOR = "parley.v1.cbor"
)

// Subprotocols lists the supported subprotocols in order of preference.
var Subprotocols = []string{SubprotocolJSON, SubprotocolCBOR}

// Codec converts envelopes to and from wire bytes. Both directions validate.
type Codec interface {
	// Name is the subprotocol the codec is negotiated with.
	Name() string
	// Binary reports whether frames are binary rather than text.
	Binary() bool
	Encode(Envelope) ([]byte, error)
	Decode([]byte) (Envelope, error)
}

// CodecFor returns the codec negotiated by subprotocol. An empty subprotocol
// selects JSON.
func CodecFor(subprotocol string) (Codec, bool) {
	switch subprotocol {
	case SubprotocolJSON, "":
		return JSON, true
	case SubprotocolCBOR:
		return CBOR, true
	}
	return nil, false
}

// JSON is the default text codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// wireEnvelope distinguishes absent fields from zero values.
type wireEnvelope struct {
	Type           *string         `json:"type"`
	ConversationID *string         `json:"conversation_id"`
	TurnID         *int64          `json:"turn_id"`
	Sequence       *int64          `json:"sequence"`
	Timestamp      *string         `json:"timestamp"`
	TraceID        *string         `json:"trace_id"`
	Payload        json.RawMessage `json:"payload"`
}

func (jsonCodec) Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Envelope{}, &DecodeError{Reason: "trailing data after envelope"}
	}
	return w.envelope()
}

func (w wireEnvelope) envelope() (Envelope, error) {
	switch {
	case w.Type == nil:
		return Envelope{}, fieldError("type", "missing")
	case w.ConversationID == nil:
		return Envelope{}, fieldError("conversation_id", "missing")
	case w.Sequence == nil:
		return Envelope{}, fieldError("sequence", "missing")
	case w.Timestamp == nil:
		return Envelope{}, fieldError("timestamp", "missing")
	case w.TraceID == nil:
		return Envelope{}, fieldError("trace_id", "missing")
	case len(w.Payload) == 0:
		return Envelope{}, fieldError("payload", "missing")
	}
	ts, err := time.Parse(time.RFC3339Nano, *w.Timestamp)
	if err != nil {
		return Envelope{}, &DecodeError{Field: "timestamp", Reason: fmt.Sprintf("invalid %q", *w.Timestamp), Err: err}
	}
	e := Envelope{
		Type:           Type(*w.Type),
		ConversationID: *w.ConversationID,
		TurnID:         w.TurnID,
		Sequence:       *w.Sequence,
		Timestamp:      ts,
		TraceID:        *w.TraceID,
		Payload:        w.Payload,
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
