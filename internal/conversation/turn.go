package conversation

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/inercia/parley/internal/agent"
	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/telemetry"
)

// turnRun is the in-flight assistant turn.
type turnRun struct {
	id          int64
	traceID     string
	cancel      context.CancelFunc
	span        trace.Span
	started     time.Time
	interrupted bool

	tools     map[string]protocol.ToolStatus
	toolOrder []string
}

func (r *turnRun) setTool(id string, status protocol.ToolStatus) {
	if _, ok := r.tools[id]; !ok {
		r.toolOrder = append(r.toolOrder, id)
	}
	r.tools[id] = status
}

type cardOutcome struct {
	answer agent.Answer
	err    error
}

// inputCard is an open assistant.request_input waiting for its answer.
type inputCard struct {
	id       string
	toolID   string
	options  []string
	required bool
	deadline time.Time
	run      *turnRun
	timer    *time.Timer
	result   chan cardOutcome
}

// emitter turns engine events into envelopes. Calls made after the turn was
// interrupted or replaced are dropped.
type emitter struct {
	c   *Conversation
	run *turnRun
}

var _ agent.Emitter = (*emitter)(nil)

// live must be called with c.mu held.
func (e *emitter) live() bool {
	return e.c.run == e.run && !e.run.interrupted && !e.c.closing
}

func (e *emitter) emit(t protocol.Type, payload any) {
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !e.live() {
		return
	}
	c.broadcast(c.envelope(t, e.run.traceID, payload).WithTurn(e.run.id))
}

func (e *emitter) Chunk(text string) {
	if text == "" {
		return
	}
	e.emit(protocol.TypeAssistantChunk, protocol.ChunkPayload{Content: text})
}

func (e *emitter) Thinking(text, signature string) {
	e.emit(protocol.TypeAssistantThinking, protocol.ThinkingPayload{Content: text, Signature: signature})
}

func (e *emitter) SystemEvent(kind, message string) {
	e.emit(protocol.TypeSessionSystemEvent, protocol.SystemEventPayload{Kind: kind, Message: message})
}

func (e *emitter) ToolCall(call agent.ToolCall) {
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !e.live() {
		return
	}
	status := call.Status
	if status == "" {
		status = protocol.ToolRunning
	}
	if cur, ok := e.run.tools[call.ID]; ok && cur.Terminal() {
		return
	}
	e.run.setTool(call.ID, status)
	c.broadcast(c.envelope(protocol.TypeAssistantToolCall, e.run.traceID, protocol.ToolCallPayload{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Status:    call.Status,
	}).WithTurn(e.run.id))
}

func (e *emitter) ToolResult(result agent.ToolResult) {
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !e.live() {
		return
	}
	status := protocol.ToolCompleted
	if result.IsError {
		status = protocol.ToolFailed
	}
	e.run.setTool(result.ToolID, status)
	c.broadcast(c.envelope(protocol.TypeAssistantToolResult, e.run.traceID, protocol.ToolResultPayload{
		ToolID:  result.ToolID,
		IsError: result.IsError,
		Result:  result.Result,
		Reason:  result.Reason,
	}).WithTurn(e.run.id))
}

func (e *emitter) RequestInput(ctx context.Context, req agent.InputRequest) (agent.Answer, error) {
	c := e.c
	c.mu.Lock()
	if !e.live() {
		c.mu.Unlock()
		return agent.Answer{}, agent.ErrTurnClosed
	}
	card := c.openCard(e.run, req)
	c.mu.Unlock()

	select {
	case out := <-card.result:
		return out.answer, out.err
	case <-ctx.Done():
		c.mu.Lock()
		c.closeCard(card, cardOutcome{err: ctx.Err()})
		c.mu.Unlock()
		return agent.Answer{}, ctx.Err()
	}
}

// openCard publishes a question and moves the session to waiting_input.
func (c *Conversation) openCard(run *turnRun, req agent.InputRequest) *inputCard {
	id := req.QuestionID
	if id == "" {
		id = req.ToolCallID
	}
	if id == "" {
		id = "q-" + protocol.NewID()
	}
	if old, ok := c.cards[id]; ok {
		c.closeCard(old, cardOutcome{err: agent.ErrTurnClosed})
	}

	card := &inputCard{
		id:       id,
		toolID:   req.ToolCallID,
		options:  req.Options,
		required: req.Required,
		deadline: req.Deadline,
		run:      run,
		result:   make(chan cardOutcome, 1),
	}
	if card.toolID == "" {
		card.toolID = id
	}
	if status, ok := run.tools[card.toolID]; ok && !status.Terminal() {
		run.tools[card.toolID] = protocol.ToolRequiresAction
	}
	c.cards[id] = card
	delete(c.answered, id)

	payload := protocol.RequestInputPayload{
		QuestionID: id,
		Question:   req.Question,
		Options:    req.Options,
		Required:   req.Required,
		ToolCallID: req.ToolCallID,
	}
	if !req.Deadline.IsZero() {
		d := req.Deadline.UTC()
		payload.Deadline = &d
		card.timer = time.AfterFunc(max(req.Deadline.Sub(c.m.now()), 0), func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.expire(card)
		})
	}
	c.broadcast(c.envelope(protocol.TypeAssistantRequestInput, run.traceID, payload).WithTurn(run.id))
	if err := c.transition(EventRequestInput, "", run.traceID); err != nil {
		c.logger.Error("request input transition failed", "error", err)
	}
	c.logger.Debug("question opened", "question_id", id, "turn_id", run.id)
	return card
}

// closeCard removes card and hands out to the waiting engine. It is a no-op
// for a card that was already closed.
func (c *Conversation) closeCard(card *inputCard, out cardOutcome) bool {
	if c.cards[card.id] != card {
		return false
	}
	delete(c.cards, card.id)
	c.answered[card.id] = true
	if card.timer != nil {
		card.timer.Stop()
	}
	card.result <- out
	return true
}

// dropCards closes every open card of run without an answer.
func (c *Conversation) dropCards(run *turnRun) {
	for _, card := range c.cards {
		if card.run == run {
			c.closeCard(card, cardOutcome{err: agent.ErrTurnClosed})
		}
	}
}

// expire closes card once its deadline passed and tells every client.
func (c *Conversation) expire(card *inputCard) {
	if !c.closeCard(card, cardOutcome{err: agent.ErrInputExpired}) {
		return
	}
	c.broadcast(c.envelope(protocol.TypeSessionError, card.run.traceID, protocol.ErrorPayload{
		Code:       protocol.CodeQuestionExpired,
		Message:    "question expired before it was answered",
		RefType:    protocol.TypeAssistantRequestInput,
		QuestionID: card.id,
	}).WithTurn(card.run.id))
	if len(c.cards) == 0 && c.sm.Current() == protocol.StateWaitingInput {
		_ = c.transition(EventAnswer, "question expired", card.run.traceID)
	}
	c.logger.Debug("question expired", "question_id", card.id)
}

func (c *Conversation) inputResponse(ctx context.Context, clientID string, env protocol.Envelope) error {
	var p protocol.InputResponsePayload
	if err := env.DecodePayload(&p); err != nil {
		return c.reject(ctx, clientID, env, c.malformed(err), "", "")
	}
	card, ok := c.cards[p.QuestionID]
	if !ok {
		if ack, dup := c.answers.get(p.QuestionID); dup && sameAnswer(ack, p) {
			// a client resending after a reconnect lost the first ack
			c.logger.Debug("duplicate answer, re-sending ack", "question_id", p.QuestionID)
			c.unicast(clientID, ack)
			return nil
		}
		if c.answered[p.QuestionID] {
			return c.reject(ctx, clientID, env, &StateError{
				Code:    protocol.CodeQuestionNotAwaiting,
				State:   c.sm.Current(),
				Message: "question is no longer awaiting an answer",
			}, p.QuestionID, "")
		}
		return c.reject(ctx, clientID, env, &StateError{
			Code:    protocol.CodeUnknownQuestion,
			State:   c.sm.Current(),
			Message: "unknown question",
		}, p.QuestionID, "")
	}

	if !card.deadline.IsZero() && c.m.now().After(card.deadline) {
		// every client, the sender included, learns about it from the broadcast
		c.expire(card)
		c.m.inst.CommandsRejected.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvelopeType.String(string(env.Type)),
			telemetry.AttrErrorCode.String(string(protocol.CodeQuestionExpired)),
		))
		return &StateError{Code: protocol.CodeQuestionExpired, State: c.sm.Current(), Message: "question expired"}
	}
	if card.required && strings.TrimSpace(p.Answer) == "" {
		return c.reject(ctx, clientID, env, &StateError{
			Code:    protocol.CodeAnswerRequired,
			State:   c.sm.Current(),
			Message: "an answer is required",
		}, p.QuestionID, "")
	}
	if len(card.options) > 0 && p.Answer != "" && !slices.Contains(card.options, p.Answer) {
		return c.reject(ctx, clientID, env, &StateError{
			Code:    protocol.CodeInvalidOption,
			State:   c.sm.Current(),
			Message: "answer is not one of the offered options",
		}, p.QuestionID, "")
	}

	run := card.run
	c.closeCard(card, cardOutcome{answer: agent.Answer{
		QuestionID: card.id,
		Text:       p.Answer,
		ResumeTask: p.ResumeTask,
	}})
	if run.tools[card.toolID] == protocol.ToolRequiresAction {
		run.tools[card.toolID] = protocol.ToolRunning
	}
	ack := c.envelope(protocol.TypeInputResponseAck, env.TraceID, protocol.InputResponseAckPayload{
		QuestionID: card.id,
		Answer:     p.Answer,
		ResumeTask: p.ResumeTask,
	}).WithTurn(run.id)
	c.answers.put(card.id, ack)
	c.broadcast(ack)
	if len(c.cards) == 0 {
		if err := c.transition(EventAnswer, "", env.TraceID); err != nil {
			c.logger.Error("answer transition failed", "error", err)
		}
	}
	c.logger.Debug("question answered", "question_id", card.id, "client_id", clientID)
	return nil
}

func sameAnswer(ack protocol.Envelope, p protocol.InputResponsePayload) bool {
	var prev protocol.InputResponseAckPayload
	if err := ack.DecodePayload(&prev); err != nil {
		return false
	}
	return prev.Answer == p.Answer && prev.ResumeTask == p.ResumeTask
}
