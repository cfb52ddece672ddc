package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inercia/parley/internal/agent"
	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/sequencer"
	"github.com/inercia/parley/internal/session"
)

const waitTimeout = 5 * time.Second

// observer collects delivered envelopes.
type observer struct {
	ch chan protocol.Envelope
}

func newObserver() *observer {
	return &observer{ch: make(chan protocol.Envelope, 512)}
}

func (o *observer) Deliver(env protocol.Envelope) bool {
	select {
	case o.ch <- env:
		return true
	default:
		return false
	}
}

func (o *observer) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-o.ch:
		return env
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an envelope")
		return protocol.Envelope{}
	}
}

// waitFor skips envelopes until one of type typ arrives.
func (o *observer) waitFor(t *testing.T, typ protocol.Type) protocol.Envelope {
	t.Helper()
	for {
		env := o.next(t)
		if env.Type == typ {
			return env
		}
	}
}

func (o *observer) waitState(t *testing.T, state protocol.SessionState) {
	t.Helper()
	for {
		env := o.waitFor(t, protocol.TypeSessionState)
		var p protocol.StatePayload
		mustDecode(t, env, &p)
		if p.State == state {
			return
		}
	}
}

func (o *observer) drain() []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env := <-o.ch:
			out = append(out, env)
		default:
			return out
		}
	}
}

func mustDecode(t *testing.T, env protocol.Envelope, v any) {
	t.Helper()
	if err := env.DecodePayload(v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
}

// gate is an engine that streams one chunk and then waits for a release.
type gate struct {
	release chan struct{}
}

func (g *gate) Run(ctx context.Context, turn agent.Turn, emit agent.Emitter) error {
	emit.Chunk("working on " + turn.Content)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) Close() error { return nil }

type harness struct {
	m     *Manager
	store session.Store
}

func newHarness(t *testing.T, engine agent.Engine, opts Options) *harness {
	t.Helper()
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return newHarnessWithStore(t, store, engine, opts)
}

func newHarnessWithStore(t *testing.T, store session.Store, engine agent.Engine, opts Options) *harness {
	t.Helper()
	reg := sequencer.NewRegistry(sequencer.Config{}, nil)
	m := NewManager(store, reg, func(string) (agent.Engine, error) { return engine, nil }, opts)
	t.Cleanup(func() {
		_ = m.Close()
		_ = store.Close()
	})
	return &harness{m: m, store: store}
}

func (h *harness) open(t *testing.T, id string) *Conversation {
	t.Helper()
	c, err := h.m.Open(context.Background(), id, "")
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", id, err)
	}
	return c
}

func attach(t *testing.T, c *Conversation, clientID string, lastSeq int64) *observer {
	t.Helper()
	o := newObserver()
	if err := c.Attach(context.Background(), AttachOptions{
		ClientID:     clientID,
		LastSequence: lastSeq,
		Codec:        protocol.SubprotocolJSON,
		Observer:     o,
	}); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return o
}

func send(t *testing.T, c *Conversation, clientID string, typ protocol.Type, payload any) error {
	t.Helper()
	env, err := protocol.New(typ, c.ID(), payload)
	if err != nil {
		t.Fatalf("New(%s) failed: %v", typ, err)
	}
	env.TraceID = "trace-" + clientID
	return c.HandleCommand(context.Background(), clientID, env)
}

func sendMessage(t *testing.T, c *Conversation, clientID, content, tempID string) error {
	t.Helper()
	return send(t, c, clientID, protocol.TypeUserMessage, protocol.UserMessagePayload{Content: content, TempID: tempID})
}

func errorCode(t *testing.T, env protocol.Envelope) protocol.ErrorPayload {
	t.Helper()
	if env.Type != protocol.TypeSessionError {
		t.Fatalf("got %s, want session.error", env.Type)
	}
	var p protocol.ErrorPayload
	mustDecode(t, env, &p)
	return p
}

func TestConversation_TurnLifecycle(t *testing.T) {
	h := newHarness(t, &agent.Script{Steps: []agent.Step{{Chunk: "hello"}, {Chunk: " world"}}}, Options{})
	c := h.open(t, "conv-1")
	o := attach(t, c, "client-a", 0)

	if err := sendMessage(t, c, "client-a", "hi", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	o.waitFor(t, protocol.TypeAssistantComplete)
	o.waitState(t, protocol.StateActive)

	records, err := h.store.ReadRecords(context.Background(), "conv-1", 0)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	want := []protocol.Type{
		protocol.TypeUserMessageAck,
		protocol.TypeAssistantChunk,
		protocol.TypeAssistantChunk,
		protocol.TypeAssistantComplete,
	}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, rec := range records {
		if rec.Type != want[i] {
			t.Errorf("record %d type = %s, want %s", i, rec.Type, want[i])
		}
	}
	if id := *records[0].TurnID; id != 1 {
		t.Errorf("user turn = %d, want 1", id)
	}
	if id := *records[1].TurnID; id != 2 {
		t.Errorf("assistant turn = %d, want 2", id)
	}

	meta, err := h.store.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if meta.State != protocol.StateActive || meta.LastTurnID != 2 {
		t.Errorf("stored state = %s turn %d, want active turn 2", meta.State, meta.LastTurnID)
	}
}

func TestConversation_SequencesAreContiguous(t *testing.T) {
	h := newHarness(t, &agent.Script{Steps: []agent.Step{{Chunk: "a"}, {Chunk: "b"}}}, Options{})
	c := h.open(t, "conv-seq")
	o := attach(t, c, "client-a", 0)

	if err := sendMessage(t, c, "client-a", "hi", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	var seqs []int64
	for {
		env := o.next(t)
		seqs = append(seqs, env.Sequence)
		if env.Type == protocol.TypeAssistantComplete {
			break
		}
	}
	o.waitState(t, protocol.StateActive)
	for i, seq := range seqs {
		if seq != int64(i)+1 {
			t.Fatalf("sequences = %v, want 1..%d without gaps", seqs, len(seqs))
		}
	}

	if err := send(t, c, "client-a", protocol.TypeHeartbeat, protocol.Empty{}); err != nil {
		t.Fatalf("heartbeat rejected: %v", err)
	}
	ack := o.waitFor(t, protocol.TypeSessionHeartbeatAck)
	var hb protocol.HeartbeatAckPayload
	mustDecode(t, ack, &hb)
	if hb.LastSequence != ack.Sequence-1 {
		t.Errorf("heartbeat last_sequence = %d, want %d", hb.LastSequence, ack.Sequence-1)
	}
}

func TestConversation_AttachFresh(t *testing.T) {
	h := newHarness(t, agent.Echo{}, Options{HeartbeatInterval: 15 * time.Second})
	c := h.open(t, "conv-fresh")
	o := attach(t, c, "client-a", 0)

	env := o.next(t)
	if env.Type != protocol.TypeSessionConnected || env.Sequence != 1 {
		t.Fatalf("first envelope = %s #%d, want session.connected #1", env.Type, env.Sequence)
	}
	var p protocol.ConnectedPayload
	mustDecode(t, env, &p)
	if p.Resync || p.HistoryLength != 0 || p.State != protocol.StateActive {
		t.Errorf("connected = %+v", p)
	}
	if p.HeartbeatIntervalMS != 15000 || p.QueuePolicy != protocol.QueuePolicy || p.Codec != protocol.SubprotocolJSON {
		t.Errorf("connected = %+v", p)
	}
	if env := o.next(t); env.Type != protocol.TypeSessionState {
		t.Errorf("second envelope = %s, want session.state", env.Type)
	}

	// nothing is persisted before the first message
	if _, err := h.store.GetConversation(context.Background(), "conv-fresh"); !errors.Is(err, session.ErrConversationNotFound) {
		t.Errorf("GetConversation error = %v, want ErrConversationNotFound", err)
	}
}

func TestConversation_QueueWhileStreaming(t *testing.T) {
	g := &gate{release: make(chan struct{}, 4)}
	h := newHarness(t, g, Options{QueueLimit: 2})
	c := h.open(t, "conv-queue")
	o := attach(t, c, "client-a", 0)

	if err := sendMessage(t, c, "client-a", "first", "tmp-1"); err != nil {
		t.Fatalf("first message rejected: %v", err)
	}
	o.waitFor(t, protocol.TypeAssistantChunk)

	tests := []struct {
		tempID   string
		wantPos  int
		wantCode protocol.ErrorCode
	}{
		{tempID: "tmp-2", wantPos: 1},
		{tempID: "tmp-2", wantPos: 1}, // duplicate, ack re-sent
		{tempID: "tmp-3", wantPos: 2},
		{tempID: "tmp-4", wantCode: protocol.CodeQueueFull},
	}
	for _, tt := range tests {
		err := sendMessage(t, c, "client-a", "more", tt.tempID)
		env := o.next(t)
		if tt.wantCode != "" {
			if err == nil {
				t.Errorf("%s: expected rejection", tt.tempID)
			}
			p := errorCode(t, env)
			if p.Code != tt.wantCode || p.TempID != tt.tempID || p.RefType != protocol.TypeUserMessage {
				t.Errorf("%s: error = %+v", tt.tempID, p)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: rejected: %v", tt.tempID, err)
		}
		if env.Type != protocol.TypeUserMessageAck {
			t.Fatalf("%s: got %s, want user.message.ack", tt.tempID, env.Type)
		}
		if _, ok := env.Turn(); ok {
			t.Errorf("%s: queued ack carries a turn id", tt.tempID)
		}
		var p protocol.MessageAckPayload
		mustDecode(t, env, &p)
		if !p.Queued || p.QueuePosition != tt.wantPos || p.TempID != tt.tempID {
			t.Errorf("%s: ack = %+v", tt.tempID, p)
		}
	}

	g.release <- struct{}{}
	o.waitFor(t, protocol.TypeAssistantComplete)

	ack := o.waitFor(t, protocol.TypeUserMessageAck)
	var p protocol.MessageAckPayload
	mustDecode(t, ack, &p)
	if p.Queued || p.TempID != "tmp-2" || p.Content != "more" {
		t.Errorf("dequeued ack = %+v", p)
	}
	if id, _ := ack.Turn(); id != 3 {
		t.Errorf("dequeued user turn = %d, want 3", id)
	}
	o.waitState(t, protocol.StateStreaming)

	g.release <- struct{}{}
	g.release <- struct{}{}
	o.waitFor(t, protocol.TypeAssistantComplete)
	ack = o.waitFor(t, protocol.TypeUserMessageAck)
	mustDecode(t, ack, &p)
	if p.TempID != "tmp-3" {
		t.Errorf("second dequeued temp_id = %q, want tmp-3", p.TempID)
	}
}

func TestConversation_Interrupt(t *testing.T) {
	script := &agent.Script{Steps: []agent.Step{
		{Tool: &agent.ToolStep{ID: "t1", Name: "search"}},
		{Tool: &agent.ToolStep{ID: "t2", Name: "read"}},
		{Result: &agent.ResultStep{ID: "t2", Text: "done"}},
		{Block: true},
	}}
	h := newHarness(t, script, Options{})
	c := h.open(t, "conv-int")
	o := attach(t, c, "client-a", 0)

	err := send(t, c, "client-a", protocol.TypeInterrupt, protocol.Empty{})
	if err == nil {
		t.Fatal("interrupt while active was accepted")
	}
	if p := errorCode(t, o.waitFor(t, protocol.TypeSessionError)); p.Code != protocol.CodeInvalidState || p.RefType != protocol.TypeInterrupt {
		t.Errorf("error = %+v", p)
	}

	if err := sendMessage(t, c, "client-a", "go", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	o.waitFor(t, protocol.TypeAssistantToolResult)

	if err := send(t, c, "client-a", protocol.TypeInterrupt, protocol.Empty{}); err != nil {
		t.Fatalf("interrupt rejected: %v", err)
	}

	want := []protocol.Type{
		protocol.TypeInterruptAck,
		protocol.TypeSessionState,
		protocol.TypeAssistantToolResult,
		protocol.TypeAssistantComplete,
		protocol.TypeSessionState,
	}
	for i, typ := range want {
		env := o.next(t)
		if env.Type != typ {
			t.Fatalf("envelope %d = %s, want %s", i, env.Type, typ)
		}
		switch typ {
		case protocol.TypeAssistantToolResult:
			var p protocol.ToolResultPayload
			mustDecode(t, env, &p)
			if p.ToolID != "t1" || !p.IsError || p.Reason != protocol.StopCancelled {
				t.Errorf("tool result = %+v", p)
			}
		case protocol.TypeAssistantComplete:
			var p protocol.CompletePayload
			mustDecode(t, env, &p)
			if p.StopReason != protocol.StopCancelled {
				t.Errorf("stop reason = %q, want cancelled", p.StopReason)
			}
		}
	}
	if got := c.State(); got != protocol.StateActive {
		t.Errorf("state = %s, want active", got)
	}
}

func TestConversation_InputResponseValidation(t *testing.T) {
	script := &agent.Script{Steps: []agent.Step{
		{Tool: &agent.ToolStep{ID: "call-1", Name: "confirm"}},
		{Ask: &agent.AskStep{Question: "Proceed?", Options: []string{"yes", "no"}, Required: true, ToolID: "call-1"}},
		{Chunk: "got {answer}"},
	}}
	h := newHarness(t, script, Options{})
	c := h.open(t, "conv-input")
	o := attach(t, c, "client-a", 0)

	if err := sendMessage(t, c, "client-a", "go", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	req := o.waitFor(t, protocol.TypeAssistantRequestInput)
	var q protocol.RequestInputPayload
	mustDecode(t, req, &q)
	if q.QuestionID != "call-1" {
		t.Errorf("question id = %q, want the tool call id", q.QuestionID)
	}
	o.waitState(t, protocol.StateWaitingInput)

	tests := []struct {
		name       string
		questionID string
		answer     string
		wantCode   protocol.ErrorCode
	}{
		{name: "unknown question", questionID: "nope", answer: "yes", wantCode: protocol.CodeUnknownQuestion},
		{name: "blank required answer", questionID: "call-1", answer: "  ", wantCode: protocol.CodeAnswerRequired},
		{name: "not an option", questionID: "call-1", answer: "maybe", wantCode: protocol.CodeInvalidOption},
		{name: "option case differs", questionID: "call-1", answer: "Yes", wantCode: protocol.CodeInvalidOption},
		{name: "accepted", questionID: "call-1", answer: "yes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := send(t, c, "client-a", protocol.TypeInputResponse, protocol.InputResponsePayload{
				QuestionID: tt.questionID,
				Answer:     tt.answer,
			})
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("answer rejected: %v", err)
				}
				env := o.waitFor(t, protocol.TypeInputResponseAck)
				var p protocol.InputResponseAckPayload
				mustDecode(t, env, &p)
				if p.QuestionID != tt.questionID || p.Answer != tt.answer {
					t.Errorf("ack = %+v", p)
				}
				return
			}
			var se *StateError
			if !errors.As(err, &se) || se.Code != tt.wantCode {
				t.Errorf("error = %v, want %s", err, tt.wantCode)
			}
			p := errorCode(t, o.waitFor(t, protocol.TypeSessionError))
			if p.Code != tt.wantCode || p.QuestionID != tt.questionID || p.RefType != protocol.TypeInputResponse {
				t.Errorf("session.error = %+v", p)
			}
		})
	}

	chunk := o.waitFor(t, protocol.TypeAssistantChunk)
	var p protocol.ChunkPayload
	mustDecode(t, chunk, &p)
	if p.Content != "got yes" {
		t.Errorf("chunk = %q, want %q", p.Content, "got yes")
	}
	o.waitFor(t, protocol.TypeAssistantComplete)
	o.waitState(t, protocol.StateActive)

	// A client that lost the ack resends the same answer and is acknowledged
	// again without a second answer reaching the engine.
	if err := send(t, c, "client-a", protocol.TypeInputResponse, protocol.InputResponsePayload{
		QuestionID: "call-1",
		Answer:     "yes",
	}); err != nil {
		t.Fatalf("resent answer rejected: %v", err)
	}
	ack := o.next(t)
	if ack.Type != protocol.TypeInputResponseAck {
		t.Fatalf("got %s, want %s", ack.Type, protocol.TypeInputResponseAck)
	}
	var resent protocol.InputResponseAckPayload
	mustDecode(t, ack, &resent)
	if resent.QuestionID != "call-1" || resent.Answer != "yes" {
		t.Errorf("resent ack = %+v", resent)
	}

	// A different answer to a closed question is still an error.
	err := send(t, c, "client-a", protocol.TypeInputResponse, protocol.InputResponsePayload{
		QuestionID: "call-1",
		Answer:     "no",
	})
	var se *StateError
	if !errors.As(err, &se) || se.Code != protocol.CodeQuestionNotAwaiting {
		t.Errorf("second answer error = %v, want %s", err, protocol.CodeQuestionNotAwaiting)
	}
	if p := errorCode(t, o.next(t)); p.Code != protocol.CodeQuestionNotAwaiting || p.QuestionID != "call-1" {
		t.Errorf("session.error = %+v", p)
	}
	if extra := o.drain(); len(extra) != 0 {
		t.Errorf("unexpected envelopes after the turn: %v", extra)
	}
}

func TestConversation_QuestionExpires(t *testing.T) {
	script := &agent.Script{Steps: []agent.Step{
		{Ask: &agent.AskStep{ID: "q1", Question: "Quick?", Timeout: 50 * time.Millisecond}},
		{Chunk: "answer=[{answer}]"},
	}}
	h := newHarness(t, script, Options{})
	c := h.open(t, "conv-expire")
	o := attach(t, c, "client-a", 0)

	if err := sendMessage(t, c, "client-a", "go", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	req := o.waitFor(t, protocol.TypeAssistantRequestInput)
	var q protocol.RequestInputPayload
	mustDecode(t, req, &q)
	if q.Deadline == nil {
		t.Fatal("request carries no deadline")
	}

	p := errorCode(t, o.waitFor(t, protocol.TypeSessionError))
	if p.Code != protocol.CodeQuestionExpired || p.QuestionID != "q1" {
		t.Errorf("error = %+v", p)
	}
	chunk := o.waitFor(t, protocol.TypeAssistantChunk)
	var cp protocol.ChunkPayload
	mustDecode(t, chunk, &cp)
	if cp.Content != "answer=[]" {
		t.Errorf("chunk = %q", cp.Content)
	}
	o.waitFor(t, protocol.TypeAssistantComplete)

	err := send(t, c, "client-a", protocol.TypeInputResponse, protocol.InputResponsePayload{QuestionID: "q1", Answer: "late"})
	var se *StateError
	if !errors.As(err, &se) || se.Code != protocol.CodeQuestionNotAwaiting {
		t.Errorf("late answer error = %v, want question_not_awaiting", err)
	}

	records, err := h.store.ReadRecords(context.Background(), "conv-expire", 0)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.Type == protocol.TypeSessionError {
			found = true
		}
	}
	if !found {
		t.Error("question expiry was not persisted")
	}
}

func TestConversation_TurnFailed(t *testing.T) {
	h := newHarness(t, &agent.Script{Steps: []agent.Step{{Chunk: "partial"}, {Fail: "boom"}}}, Options{})
	c := h.open(t, "conv-fail")
	o := attach(t, c, "client-a", 0)

	if err := sendMessage(t, c, "client-a", "go", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	env := o.waitFor(t, protocol.TypeSessionError)
	p := errorCode(t, env)
	if p.Code != protocol.CodeTurnFailed || p.Message != "boom" {
		t.Errorf("error = %+v", p)
	}
	if id, _ := env.Turn(); id != 2 {
		t.Errorf("error turn = %d, want 2", id)
	}
	o.waitState(t, protocol.StateError)

	// a new message recovers from error
	if err := sendMessage(t, c, "client-a", "again", "tmp-2"); err != nil {
		t.Fatalf("user.message after failure rejected: %v", err)
	}
	o.waitState(t, protocol.StateStreaming)
}

func TestConversation_CommandRejections(t *testing.T) {
	h := newHarness(t, agent.Echo{}, Options{})
	c := h.open(t, "conv-rej")
	o := attach(t, c, "client-a", 0)
	o.drain()

	t.Run("conversation mismatch", func(t *testing.T) {
		env, _ := protocol.New(protocol.TypeUserMessage, "other", protocol.UserMessagePayload{Content: "hi"})
		env.TraceID = "tr"
		if err := c.HandleCommand(context.Background(), "client-a", env); err == nil {
			t.Fatal("expected rejection")
		}
		if p := errorCode(t, o.next(t)); p.Code != protocol.CodeConversationMismatch {
			t.Errorf("code = %s", p.Code)
		}
	})
	t.Run("empty message", func(t *testing.T) {
		if err := sendMessage(t, c, "client-a", "   ", "tmp-e"); err == nil {
			t.Fatal("expected rejection")
		}
		if p := errorCode(t, o.next(t)); p.Code != protocol.CodeEmptyMessage || p.TempID != "tmp-e" {
			t.Errorf("error = %+v", p)
		}
	})
	t.Run("server type", func(t *testing.T) {
		if err := send(t, c, "client-a", protocol.TypeAssistantChunk, protocol.ChunkPayload{Content: "x"}); err == nil {
			t.Fatal("expected rejection")
		}
		if p := errorCode(t, o.next(t)); p.Code != protocol.CodeMalformedEnvelope {
			t.Errorf("code = %s", p.Code)
		}
	})
	t.Run("answer while active", func(t *testing.T) {
		err := send(t, c, "client-a", protocol.TypeInputResponse, protocol.InputResponsePayload{QuestionID: "q", Answer: "a"})
		if err == nil {
			t.Fatal("expected rejection")
		}
		if p := errorCode(t, o.next(t)); p.Code != protocol.CodeUnknownQuestion {
			t.Errorf("code = %s", p.Code)
		}
	})
}

func TestConversation_ResumeAndResync(t *testing.T) {
	h := newHarness(t, &agent.Script{Steps: []agent.Step{{Chunk: "one"}, {Chunk: "two"}}}, Options{})
	c := h.open(t, "conv-resume")
	a := attach(t, c, "client-a", 0)
	b := attach(t, c, "client-b", 0)

	if err := sendMessage(t, c, "client-a", "first", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	a.waitFor(t, protocol.TypeAssistantComplete)
	a.waitState(t, protocol.StateActive)
	b.waitState(t, protocol.StateActive)
	s, ok := h.m.registry.Lookup("conv-resume", "client-a")
	if !ok {
		t.Fatal("client-a has no stream")
	}
	checkpoint := s.Last()
	c.Detach("client-a", a)

	// a second turn while client-a is away
	if err := sendMessage(t, c, "client-b", "second", "tmp-2"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	b.waitFor(t, protocol.TypeAssistantComplete)
	b.waitState(t, protocol.StateActive)

	t.Run("resume", func(t *testing.T) {
		a2 := attach(t, c, "client-a", checkpoint)
		var replayed []protocol.Envelope
		for {
			env := a2.next(t)
			if env.Type != protocol.TypeMessageReplay {
				if env.Type != protocol.TypeSessionResumed {
					t.Fatalf("got %s, want session.resumed", env.Type)
				}
				var p protocol.ResumedPayload
				mustDecode(t, env, &p)
				if p.Replayed != len(replayed) {
					t.Errorf("resumed.replayed = %d, want %d", p.Replayed, len(replayed))
				}
				if env.Sequence != checkpoint+int64(len(replayed))+1 {
					t.Errorf("resumed sequence = %d, want %d", env.Sequence, checkpoint+int64(len(replayed))+1)
				}
				break
			}
			replayed = append(replayed, env)
		}
		if len(replayed) == 0 {
			t.Fatal("nothing replayed")
		}
		for i, env := range replayed {
			if env.Sequence != checkpoint+int64(i)+1 {
				t.Errorf("replay %d sequence = %d, want %d", i, env.Sequence, checkpoint+int64(i)+1)
			}
			inner, err := protocol.Unwrap(env)
			if err != nil {
				t.Fatalf("Unwrap failed: %v", err)
			}
			if i == 0 && inner.Type != protocol.TypeUserMessageAck {
				t.Errorf("first replayed = %s, want user.message.ack", inner.Type)
			}
		}
		if env := a2.next(t); env.Type != protocol.TypeSessionState {
			t.Errorf("after resumed got %s, want session.state", env.Type)
		}
	})

	t.Run("resync", func(t *testing.T) {
		d := attach(t, c, "client-d", 999)
		env := d.next(t)
		var p protocol.ConnectedPayload
		mustDecode(t, env, &p)
		if env.Type != protocol.TypeSessionConnected || !p.Resync {
			t.Fatalf("got %s %+v, want a resync session.connected", env.Type, p)
		}
		records, err := h.store.ReadRecords(context.Background(), "conv-resume", 0)
		if err != nil {
			t.Fatalf("ReadRecords failed: %v", err)
		}
		if p.HistoryLength != len(records) {
			t.Errorf("history_length = %d, want %d", p.HistoryLength, len(records))
		}
		for i := range records {
			env := d.next(t)
			if env.Type != protocol.TypeMessageReplay || env.Sequence != 1000+int64(i)+1 {
				t.Fatalf("history %d = %s #%d", i, env.Type, env.Sequence)
			}
			inner, err := protocol.Unwrap(env)
			if err != nil {
				t.Fatalf("Unwrap failed: %v", err)
			}
			if inner.Type != records[i].Type {
				t.Errorf("history %d type = %s, want %s", i, inner.Type, records[i].Type)
			}
		}
		if env := d.next(t); env.Type != protocol.TypeSessionState {
			t.Errorf("after history got %s, want session.state", env.Type)
		}
	})
}

func TestConversation_ConcurrentClients(t *testing.T) {
	h := newHarness(t, agent.Echo{}, Options{QueueLimit: -1})
	c := h.open(t, "conv-many")
	observers := make([]*observer, 3)
	for i := range observers {
		observers[i] = attach(t, c, string(rune('a'+i)), 0)
	}

	var wg sync.WaitGroup
	for i := range observers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				id := string(rune('a' + i))
				_ = sendMessage(t, c, id, "hello there", id+"-"+string(rune('0'+j)))
			}
		}(i)
	}
	wg.Wait()

	// 15 turns, each completing once
	for n := 0; n < 15; n++ {
		observers[0].waitFor(t, protocol.TypeAssistantComplete)
	}
	records, err := h.store.ReadRecords(context.Background(), "conv-many", 0)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	turns := map[int64]bool{}
	for _, rec := range records {
		if rec.Type == protocol.TypeUserMessageAck {
			turns[*rec.TurnID] = true
		}
	}
	if len(turns) != 15 {
		t.Errorf("got %d user turns, want 15", len(turns))
	}
}

func TestManager_RecoversInFlightTurn(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.CreateConversation(ctx, session.Conversation{
		ID:         "conv-crash",
		State:      protocol.StateStreaming,
		LastTurnID: 2,
	}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	h := newHarnessWithStore(t, store, agent.Echo{}, Options{})
	c := h.open(t, "conv-crash")
	if got := c.State(); got != protocol.StateError {
		t.Errorf("state = %s, want error", got)
	}
	records, err := store.ReadRecords(ctx, "conv-crash", 0)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].Type != protocol.TypeSessionError || *records[0].TurnID != 2 {
		t.Fatalf("records = %+v, want one turn_failed on turn 2", records)
	}
	meta, _ := store.GetConversation(ctx, "conv-crash")
	if meta.State != protocol.StateError {
		t.Errorf("stored state = %s, want error", meta.State)
	}

	o := attach(t, c, "client-a", 0)
	if err := sendMessage(t, c, "client-a", "retry", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	ack := o.waitFor(t, protocol.TypeUserMessageAck)
	if id, _ := ack.Turn(); id != 3 {
		t.Errorf("next user turn = %d, want 3", id)
	}
}

func TestManager_Archive(t *testing.T) {
	h := newHarness(t, agent.Echo{}, Options{})
	c := h.open(t, "conv-arch")
	o := attach(t, c, "client-a", 0)

	if err := h.m.Archive(context.Background(), "conv-arch"); !errors.Is(err, session.ErrConversationNotFound) {
		t.Errorf("archive before creation error = %v, want ErrConversationNotFound", err)
	}
	if err := sendMessage(t, c, "client-a", "hi", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	o.waitFor(t, protocol.TypeAssistantComplete)
	o.waitState(t, protocol.StateActive)

	if err := h.m.Archive(context.Background(), "conv-arch"); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	o.waitFor(t, protocol.TypeSessionSystemEvent)
	if err := sendMessage(t, c, "client-a", "again", "tmp-2"); err == nil {
		t.Fatal("message to an archived conversation was accepted")
	}
	if p := errorCode(t, o.waitFor(t, protocol.TypeSessionError)); p.Code != protocol.CodeInvalidState {
		t.Errorf("code = %s, want invalid_state", p.Code)
	}
	meta, _ := h.store.GetConversation(context.Background(), "conv-arch")
	if !meta.Archived {
		t.Error("archive flag not persisted")
	}
}

func TestManager_ProcessPendingQueues(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.CreateConversation(ctx, session.Conversation{ID: "conv-pending", State: protocol.StateActive}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, _, err := store.Enqueue(ctx, "conv-pending", session.QueuedMessage{Content: "left over", TempID: "tmp-9"}, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	h := newHarnessWithStore(t, store, agent.Echo{}, Options{})
	n, err := h.m.ProcessPendingQueues(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ProcessPendingQueues = %d, %v; want 1", n, err)
	}

	deadline := time.Now().Add(waitTimeout)
	for {
		records, err := store.ReadRecords(ctx, "conv-pending", 0)
		if err != nil {
			t.Fatalf("ReadRecords failed: %v", err)
		}
		if len(records) > 0 && records[len(records)-1].Type == protocol.TypeAssistantComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued message never completed, records = %d", len(records))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := store.QueueLen(ctx, "conv-pending"); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestManager_CloseCancelsTurns(t *testing.T) {
	h := newHarness(t, &agent.Script{Steps: []agent.Step{{Block: true}}}, Options{})
	c := h.open(t, "conv-close")
	o := attach(t, c, "client-a", 0)
	if err := sendMessage(t, c, "client-a", "wait", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	o.waitState(t, protocol.StateStreaming)

	done := make(chan error, 1)
	go func() { done <- h.m.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Close did not return")
	}
	if _, err := h.m.Open(context.Background(), "conv-close", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close error = %v, want ErrClosed", err)
	}
}

// countingGate is a gate that counts Close calls.
type countingGate struct {
	gate
	closes atomic.Int32
}

func (g *countingGate) Close() error {
	g.closes.Add(1)
	return nil
}

func TestManager_EvictsIdleConversations(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	engine := &countingGate{gate: gate{release: make(chan struct{})}}
	h := newHarness(t, engine, Options{IdleTimeout: time.Minute, Now: clock})

	const unused = 50
	for i := 0; i < unused; i++ {
		h.open(t, fmt.Sprintf("conv-unused-%d", i))
	}

	watched := h.open(t, "conv-watched")
	attach(t, watched, "client-a", 0)

	running := h.open(t, "conv-running")
	o := attach(t, running, "client-b", 0)
	if err := sendMessage(t, running, "client-b", "work", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	o.waitState(t, protocol.StateStreaming)
	running.Detach("client-b", o)

	finished := h.open(t, "conv-finished")
	o = attach(t, finished, "client-c", 0)
	if err := sendMessage(t, finished, "client-c", "stop me", "tmp-1"); err != nil {
		t.Fatalf("user.message rejected: %v", err)
	}
	o.waitState(t, protocol.StateStreaming)
	if err := send(t, finished, "client-c", protocol.TypeInterrupt, protocol.Empty{}); err != nil {
		t.Fatalf("interrupt rejected: %v", err)
	}
	o.waitFor(t, protocol.TypeAssistantComplete)
	o.waitState(t, protocol.StateActive)
	finished.Detach("client-c", o)

	if n := h.m.Evict(); n != 0 {
		t.Fatalf("Evict() before the timeout = %d, want 0", n)
	}

	advance(2 * time.Minute)
	if n := h.m.Evict(); n != unused+1 {
		t.Fatalf("Evict() = %d, want %d", n, unused+1)
	}
	if got := h.m.Len(); got != 2 {
		t.Errorf("live conversations = %d, want 2", got)
	}
	for _, id := range []string{"conv-watched", "conv-running"} {
		if _, ok := h.m.Get(id); !ok {
			t.Errorf("%s was unloaded", id)
		}
	}
	if got := engine.closes.Load(); got != 1 {
		t.Errorf("engine closed %d times, want 1", got)
	}
	if err := sendMessage(t, finished, "client-c", "late", "tmp-2"); !errors.Is(err, ErrClosed) {
		t.Errorf("command to an unloaded conversation error = %v, want ErrClosed", err)
	}

	// An unloaded conversation comes back from the store with its history.
	again := h.open(t, "conv-finished")
	if again == finished {
		t.Fatal("Open returned the unloaded conversation")
	}
	o = attach(t, again, "client-d", 0)
	var connected protocol.ConnectedPayload
	mustDecode(t, o.next(t), &connected)
	if connected.HistoryLength == 0 {
		t.Error("reloaded conversation has no history")
	}
	if err := sendMessage(t, again, "client-d", "hello again", "tmp-3"); err != nil {
		t.Fatalf("user.message after reload rejected: %v", err)
	}
	o.waitState(t, protocol.StateStreaming)
}

func TestManager_OpenRejectsUnsafeIDs(t *testing.T) {
	h := newHarness(t, agent.Echo{}, Options{})
	for _, id := range []string{"", "..", "../escaped", "a/b"} {
		if _, err := h.m.Open(context.Background(), id, ""); !errors.Is(err, session.ErrInvalidConversationID) {
			t.Errorf("Open(%q) error = %v, want ErrInvalidConversationID", id, err)
		}
	}
	if n := h.m.Len(); n != 0 {
		t.Errorf("live conversations = %d, want 0", n)
	}
}
