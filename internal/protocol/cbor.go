package protocol

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		// Payloads are JSON objects on the other side of the codec, so any-typed
		// maps must decode with string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR is the binary codec. The payload travels as a native CBOR map and is
// converted to canonical JSON on decode, so the rest of the system only ever
// sees one payload representation.
var CBOR Codec = cborCodec{}

type cborCodec struct{}

type cborEnvelope struct {
	Type           *string `cbor:"type"`
	ConversationID *string `cbor:"conversation_id"`
	TurnID         *int64  `cbor:"turn_id"`
	Sequence       *int64  `cbor:"sequence"`
	Timestamp      *string `cbor:"timestamp"`
	TraceID        *string `cbor:"trace_id"`
	Payload        any     `cbor:"payload"`
}

func (cborCodec) Name() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool { return true }

func (cborCodec) Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	payload, err := jsonToNative(e.Payload)
	if err != nil {
		return nil, err
	}
	typ := string(e.Type)
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	return cborEnc.Marshal(cborEnvelope{
		Type:           &typ,
		ConversationID: &e.ConversationID,
		TurnID:         e.TurnID,
		Sequence:       &e.Sequence,
		Timestamp:      &ts,
		TraceID:        &e.TraceID,
		Payload:        payload,
	})
}

func (cborCodec) Decode(data []byte) (Envelope, error) {
	var c cborEnvelope
	if err := cborDec.Unmarshal(data, &c); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid cbor", Err: err}
	}
	w := wireEnvelope{
		Type:           c.Type,
		ConversationID: c.ConversationID,
		TurnID:         c.TurnID,
		Sequence:       c.Sequence,
		Timestamp:      c.Timestamp,
		TraceID:        c.TraceID,
	}
	if c.Payload != nil {
		if _, ok := c.Payload.(map[string]any); !ok {
			return Envelope{}, fieldError("payload", "must be an object")
		}
		raw, err := json.Marshal(c.Payload)
		if err != nil {
			return Envelope{}, &DecodeError{Field: "payload", Reason: "not representable as json", Err: err}
		}
		w.Payload = raw
	}
	return w.envelope()
}

// jsonToNative decodes a JSON document into plain Go values, keeping integers
// as int64 instead of float64.
func jsonToNative(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &DecodeError{Field: "payload", Reason: "invalid json", Err: err}
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	default:
		return v
	}
}
