package client

import (
	"testing"

	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/transcript"
)

func envelope(t *testing.T, seq int64, typ protocol.Type, turn int64, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, "conv-1", payload)
	if err != nil {
		t.Fatal(err)
	}
	env.Sequence = seq
	env.TraceID = protocol.NewTraceID()
	if turn > 0 {
		env = env.WithTurn(turn)
	}
	return env
}

func TestReconciler_DropsDuplicates(t *testing.T) {
	r := NewReconciler("conv-1", nil)
	stream := []protocol.Envelope{
		envelope(t, 1, protocol.TypeSessionConnected, 0, protocol.ConnectedPayload{State: protocol.StateActive}),
		envelope(t, 2, protocol.TypeUserMessageAck, 1, protocol.MessageAckPayload{Content: "hi"}),
		envelope(t, 3, protocol.TypeAssistantChunk, 2, protocol.ChunkPayload{Content: "Hel"}),
		envelope(t, 4, protocol.TypeAssistantChunk, 2, protocol.ChunkPayload{Content: "lo"}),
	}
	for _, env := range stream {
		if _, ok := r.Apply(env); !ok {
			t.Fatalf("Apply(%s #%d) was not applied", env.Type, env.Sequence)
		}
	}

	// the same envelopes again, live and replayed
	for _, env := range stream[1:] {
		if _, ok := r.Apply(env); ok {
			t.Errorf("duplicate %s #%d applied", env.Type, env.Sequence)
		}
		replay, err := protocol.Wrap(env)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := r.Apply(replay); ok {
			t.Errorf("duplicate replay #%d applied", env.Sequence)
		}
	}

	st := r.State()
	turn, ok := st.Turn(2)
	if !ok || turn.Text() != "Hello" {
		t.Errorf("assistant turn = %+v", turn)
	}
	if got := r.Checkpoint(); got != 4 {
		t.Errorf("Checkpoint() = %d, want 4", got)
	}
}

func TestReconciler_ResumeReplay(t *testing.T) {
	r := NewReconciler("conv-1", nil)
	r.Apply(envelope(t, 1, protocol.TypeSessionConnected, 0, protocol.ConnectedPayload{State: protocol.StateActive}))
	r.Apply(envelope(t, 2, protocol.TypeUserMessageAck, 1, protocol.MessageAckPayload{Content: "hi"}))
	r.Apply(envelope(t, 3, protocol.TypeAssistantChunk, 2, protocol.ChunkPayload{Content: "a"}))

	// missed 4 and 5 while away
	missed := []protocol.Envelope{
		envelope(t, 4, protocol.TypeAssistantChunk, 2, protocol.ChunkPayload{Content: "b"}),
		envelope(t, 5, protocol.TypeAssistantComplete, 2, protocol.CompletePayload{StopReason: protocol.StopEndTurn}),
	}
	for _, env := range missed {
		replay, err := protocol.Wrap(env)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := r.Apply(replay); !ok {
			t.Fatalf("replay #%d not applied", env.Sequence)
		}
	}
	st, ok := r.Apply(envelope(t, 6, protocol.TypeSessionResumed, 0, protocol.ResumedPayload{Replayed: 2, LastSequence: 5, State: protocol.StateActive}))
	if !ok {
		t.Fatal("session.resumed not applied")
	}
	turn, _ := st.Turn(2)
	if turn.Text() != "ab" || turn.Open {
		t.Errorf("turn = %+v", turn)
	}
}

func TestReconciler_ResyncResets(t *testing.T) {
	r := NewReconciler("conv-1", nil)
	r.Apply(envelope(t, 1, protocol.TypeSessionConnected, 0, protocol.ConnectedPayload{State: protocol.StateActive}))
	r.Apply(envelope(t, 2, protocol.TypeUserMessageAck, 1, protocol.MessageAckPayload{Content: "old"}))
	r.Update(func(st transcript.State) (transcript.State, error) {
		return transcript.AddPlaceholder(st, "tmp-1", "unsent", nil), nil
	})

	// the server lost the stream: a new one starts after the checkpoint
	r.Apply(envelope(t, 3, protocol.TypeSessionConnected, 0, protocol.ConnectedPayload{Resync: true, State: protocol.StateActive}))
	st := r.State()
	if len(st.Turns) != 0 {
		t.Errorf("turns survived the resync: %+v", st.Turns)
	}
	if _, ok := st.Placeholder("tmp-1"); !ok {
		t.Error("unsent placeholder was dropped by the resync")
	}

	ack, _ := protocol.Wrap(envelope(t, 4, protocol.TypeUserMessageAck, 1, protocol.MessageAckPayload{Content: "old"}))
	st, _ = r.Apply(ack)
	if turn, ok := st.Turn(1); !ok || turn.Text() != "old" {
		t.Errorf("history not rebuilt: %+v", st.Turns)
	}
}

func TestReconciler_BadEnvelopeAdvancesCheckpoint(t *testing.T) {
	r := NewReconciler("conv-1", nil)
	r.Apply(envelope(t, 1, protocol.TypeSessionConnected, 0, protocol.ConnectedPayload{State: protocol.StateActive}))

	// a chunk without a turn cannot be applied
	if _, ok := r.Apply(envelope(t, 2, protocol.TypeAssistantChunk, 0, protocol.ChunkPayload{Content: "x"})); ok {
		t.Error("chunk without turn applied")
	}
	if got := r.Checkpoint(); got != 2 {
		t.Errorf("Checkpoint() = %d, want 2", got)
	}
	if len(r.State().Turns) != 0 {
		t.Error("state changed by a rejected envelope")
	}
}

func TestPreferred(t *testing.T) {
	got := preferred(protocol.SubprotocolCBOR)
	if len(got) != 2 || got[0] != protocol.SubprotocolCBOR || got[1] != protocol.SubprotocolJSON {
		t.Errorf("preferred(cbor) = %v", got)
	}
	if got := preferred(""); len(got) != len(protocol.Subprotocols) {
		t.Errorf("preferred(\"\") = %v", got)
	}
}
