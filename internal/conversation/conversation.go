// Package conversation runs conversations on the server side.
//
// A Conversation owns the authoritative session state, the durable history and
// the delivery of envelopes to every attached client. It keeps running when no
// client is connected: envelopes are still stamped on each client's stream so
// a reconnecting client can resume. All state changes happen under one mutex
// per conversation; the engine runs in its own goroutine and re-enters through
// the emitter.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/inercia/parley/internal/agent"
	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/sequencer"
	"github.com/inercia/parley/internal/session"
	"github.com/inercia/parley/internal/telemetry"
)

// Observer receives the envelopes delivered to one client connection. Deliver
// must not block; it returns false when the envelope could not be queued.
type Observer interface {
	Deliver(env protocol.Envelope) bool
}

// BatchObserver is an Observer that takes a replay of any length as one unit
// and writes it out at its own pace. Replays to plain observers are delivered
// one envelope at a time.
type BatchObserver interface {
	Observer
	DeliverBatch(envs []protocol.Envelope) bool
}

func deliverBatch(o Observer, envs []protocol.Envelope) bool {
	if b, ok := o.(BatchObserver); ok {
		return b.DeliverBatch(envs)
	}
	for _, env := range envs {
		if !o.Deliver(env) {
			return false
		}
	}
	return true
}

// AttachOptions describes a connecting client.
type AttachOptions struct {
	ClientID string
	// LastSequence is the highest sequence the client has applied, 0 if none.
	LastSequence int64
	// Codec is the negotiated subprotocol, echoed in session.connected.
	Codec    string
	Observer Observer
}

// Conversation is one live conversation.
type Conversation struct {
	id     string
	m      *Manager
	logger *slog.Logger

	mu        sync.Mutex
	meta      session.Conversation
	created   bool
	sm        *StateMachine
	engine    agent.Engine
	run       *turnRun
	cards     map[string]*inputCard
	answered  map[string]bool
	observers map[string]Observer
	acks      ackCache
	answers   ackCache
	closing   bool
	// lastActive is the last attach, detach, command or turn end.
	lastActive time.Time
}

func newConversation(m *Manager, meta session.Conversation, created bool) *Conversation {
	return &Conversation{
		id:        meta.ID,
		m:         m,
		logger:    logging.WithConversation(m.logger, meta.ID, ""),
		meta:      meta,
		created:   created,
		sm:        NewStateMachine(meta.State),
		cards:     make(map[string]*inputCard),
		answered:  make(map[string]bool),
		observers: make(map[string]Observer),
		acks:      ackCache{limit: ackCacheSize},
		answers:   ackCache{limit: ackCacheSize},

		lastActive: m.now(),
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// State returns the current session state.
func (c *Conversation) State() protocol.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Current()
}

// Info returns a copy of the conversation metadata.
func (c *Conversation) Info() session.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.meta
	info.State = c.sm.Current()
	return info
}

// bg is the context for store writes, which outlive the request or turn that
// triggered them.
func (c *Conversation) bg() context.Context {
	return context.WithoutCancel(c.m.ctx)
}

// Attach connects a client. A client whose checkpoint is still covered by its
// stream receives the missed envelopes as message.replay followed by
// session.resumed; any other client receives session.connected and the full
// history.
func (c *Conversation) Attach(ctx context.Context, opts AttachOptions) error {
	if opts.ClientID == "" || opts.Observer == nil {
		return errors.New("attach requires a client id and an observer")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}

	att := c.m.registry.Attach(c.id, opts.ClientID, opts.LastSequence)
	c.observers[opts.ClientID] = opts.Observer
	c.lastActive = c.m.now()
	logger := logging.WithConversation(c.m.logger, c.id, opts.ClientID)
	traceID := telemetry.TraceID(ctx)
	state := c.sm.Current()

	if att.Resumed {
		replay := make([]protocol.Envelope, 0, len(att.Replay))
		for _, env := range att.Replay {
			wrapped, err := protocol.Wrap(env)
			if err != nil {
				logger.Error("failed to wrap replay envelope", "sequence", env.Sequence, "error", err)
				continue
			}
			replay = append(replay, wrapped)
		}
		deliverBatch(opts.Observer, replay)
		c.m.inst.Replayed.Add(ctx, int64(len(att.Replay)), metric.WithAttributes(telemetry.AttrResync.Bool(false)))
		c.m.inst.Attachments.Add(ctx, 1, metric.WithAttributes(telemetry.AttrResync.Bool(false)))

		c.deliver(att.Stream, c.envelope(protocol.TypeSessionResumed, traceID, protocol.ResumedPayload{
			ClientID:     opts.ClientID,
			Replayed:     len(att.Replay),
			LastSequence: att.Stream.Last(),
			State:        state,
		}))
		c.deliver(att.Stream, c.envelope(protocol.TypeSessionState, traceID, protocol.StatePayload{State: state}))
		logger.Info("client resumed", "last_sequence", opts.LastSequence, "replayed", len(att.Replay))
		return nil
	}

	records, err := c.history()
	if err != nil {
		logger.Error("failed to read history for resync", "error", err)
	}
	c.deliver(att.Stream, c.envelope(protocol.TypeSessionConnected, traceID, protocol.ConnectedPayload{
		ProtocolVersion:     protocol.ProtocolVersion,
		ClientID:            opts.ClientID,
		Resync:              opts.LastSequence > 0,
		State:               state,
		HistoryLength:       len(records),
		Codec:               opts.Codec,
		HeartbeatIntervalMS: c.m.opts.HeartbeatInterval.Milliseconds(),
		QueuePolicy:         protocol.QueuePolicy,
	}))
	att.Stream.Reserve(len(records))
	replay := make([]protocol.Envelope, 0, len(records))
	for _, rec := range records {
		stamped := att.Stream.Stamp(rec.Envelope())
		wrapped, err := protocol.Wrap(stamped)
		if err != nil {
			logger.Error("failed to wrap history record", "offset", rec.Offset, "error", err)
			continue
		}
		replay = append(replay, wrapped)
	}
	deliverBatch(opts.Observer, replay)
	c.m.inst.Replayed.Add(ctx, int64(len(records)), metric.WithAttributes(telemetry.AttrResync.Bool(true)))
	c.m.inst.Attachments.Add(ctx, 1, metric.WithAttributes(telemetry.AttrResync.Bool(true)))
	c.deliver(att.Stream, c.envelope(protocol.TypeSessionState, traceID, protocol.StatePayload{State: state}))

	logger.Info("client connected",
		"resync", opts.LastSequence > 0,
		"last_sequence", opts.LastSequence,
		"history_length", len(records))
	return nil
}

// Detach disconnects a client. Its stream keeps collecting envelopes until it
// expires. Detaching an observer that was already replaced is a no-op.
func (c *Conversation) Detach(clientID string, o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.observers[clientID]; !ok || cur != o {
		return
	}
	delete(c.observers, clientID)
	c.lastActive = c.m.now()
	if s, ok := c.m.registry.Lookup(c.id, clientID); ok {
		c.m.registry.Detach(s)
	}
	c.logger.Debug("client detached", "client_id", clientID)
}

// HandleCommand processes one client envelope. A rejected command is answered
// with session.error to the sender and the rejection is returned.
func (c *Conversation) HandleCommand(ctx context.Context, clientID string, env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}

	c.m.inst.EnvelopesRecv.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvelopeType.String(string(env.Type))))
	if env.ConversationID != c.id {
		return c.reject(ctx, clientID, env, &StateError{
			Code:    protocol.CodeConversationMismatch,
			State:   c.sm.Current(),
			Message: fmt.Sprintf("envelope addressed to conversation %q", env.ConversationID),
		}, "", "")
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		c.heartbeat(clientID, env)
		return nil
	case protocol.TypeUserMessage:
		return c.userMessage(ctx, clientID, env)
	case protocol.TypeInputResponse:
		return c.inputResponse(ctx, clientID, env)
	case protocol.TypeInterrupt:
		return c.interrupt(ctx, clientID, env)
	}
	return c.reject(ctx, clientID, env, c.sm.CanAccept(env.Type), "", "")
}

// ReportError answers a frame that never reached HandleCommand, such as one
// that failed to decode or exceeded the rate limit.
func (c *Conversation) ReportError(ctx context.Context, clientID string, code protocol.ErrorCode, message string, refType protocol.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	env := protocol.Envelope{Type: refType, ConversationID: c.id}
	_ = c.reject(ctx, clientID, env, &StateError{Code: code, State: c.sm.Current(), Message: message}, "", "")
}

func (c *Conversation) heartbeat(clientID string, env protocol.Envelope) {
	s, ok := c.m.registry.Lookup(c.id, clientID)
	if !ok {
		return
	}
	c.deliver(s, c.envelope(protocol.TypeSessionHeartbeatAck, env.TraceID, protocol.HeartbeatAckPayload{
		ServerTime:   c.m.now().UTC(),
		LastSequence: s.Last(),
	}))
}

func (c *Conversation) userMessage(ctx context.Context, clientID string, env protocol.Envelope) error {
	var p protocol.UserMessagePayload
	if err := env.DecodePayload(&p); err != nil {
		return c.reject(ctx, clientID, env, c.malformed(err), "", "")
	}
	if c.meta.Archived {
		return c.reject(ctx, clientID, env, &StateError{
			Code:    protocol.CodeInvalidState,
			State:   c.sm.Current(),
			Message: "conversation is archived",
		}, "", p.TempID)
	}
	if strings.TrimSpace(p.Content) == "" {
		return c.reject(ctx, clientID, env, &StateError{
			Code:    protocol.CodeEmptyMessage,
			State:   c.sm.Current(),
			Message: "message content is empty",
		}, "", p.TempID)
	}
	if ack, ok := c.acks.get(p.TempID); ok {
		c.logger.Debug("duplicate message, re-sending ack", "temp_id", p.TempID)
		c.unicast(clientID, ack)
		return nil
	}
	if err := c.ensureCreated(); err != nil {
		c.logger.Error("failed to create conversation", "error", err)
		return c.reject(ctx, clientID, env, c.internal(err), "", p.TempID)
	}

	msg := session.QueuedMessage{
		Content:  p.Content,
		Metadata: p.Metadata,
		TempID:   p.TempID,
		ClientID: clientID,
		TraceID:  env.TraceID,
		QueuedAt: c.m.now().UTC(),
	}
	if !c.sm.Current().InFlight() {
		c.startTurn(msg)
		return nil
	}

	queued, pos, err := c.m.store.Enqueue(c.bg(), c.id, msg, c.m.opts.QueueLimit)
	if errors.Is(err, session.ErrQueueFull) {
		return c.reject(ctx, clientID, env, &StateError{
			Code:    protocol.CodeQueueFull,
			State:   c.sm.Current(),
			Message: fmt.Sprintf("queue is full (%d messages)", c.m.opts.QueueLimit),
		}, "", p.TempID)
	}
	if err != nil {
		c.logger.Error("failed to queue message", "error", err)
		return c.reject(ctx, clientID, env, c.internal(err), "", p.TempID)
	}

	ack := c.envelope(protocol.TypeUserMessageAck, env.TraceID, protocol.MessageAckPayload{
		TempID:        p.TempID,
		ClientID:      clientID,
		Queued:        true,
		QueuePosition: pos,
	})
	c.acks.put(p.TempID, ack)
	c.unicast(clientID, ack)
	c.logger.Debug("message queued", "queue_id", queued.ID, "position", pos, "temp_id", p.TempID)
	return nil
}

func (c *Conversation) interrupt(ctx context.Context, clientID string, env protocol.Envelope) error {
	if err := c.sm.CanAccept(protocol.TypeInterrupt); err != nil {
		return c.reject(ctx, clientID, env, err, "", "")
	}
	run := c.run
	if run == nil {
		return c.reject(ctx, clientID, env, &StateError{
			Code:    protocol.CodeInvalidState,
			State:   c.sm.Current(),
			Message: "no turn in flight",
		}, "", "")
	}

	run.interrupted = true
	run.cancel()

	c.unicast(clientID, c.envelope(protocol.TypeInterruptAck, env.TraceID,
		protocol.InterruptAckPayload{State: protocol.StateInterrupted}).WithTurn(run.id))
	if err := c.transition(EventInterrupt, "interrupted by user", run.traceID); err != nil {
		c.logger.Error("interrupt transition failed", "error", err)
	}
	for _, id := range run.toolOrder {
		if run.tools[id].Terminal() {
			continue
		}
		run.tools[id] = protocol.ToolFailed
		c.broadcast(c.envelope(protocol.TypeAssistantToolResult, run.traceID, protocol.ToolResultPayload{
			ToolID:  id,
			IsError: true,
			Reason:  protocol.StopCancelled,
		}).WithTurn(run.id))
	}
	c.dropCards(run)

	c.logger.Info("turn interrupted", "turn_id", run.id, "client_id", clientID)
	return nil
}

// startTurn assigns the turn ids, acknowledges the message to everyone and
// starts the engine. The user turn is odd and the assistant turn follows it.
func (c *Conversation) startTurn(msg session.QueuedMessage) {
	userTurn := c.meta.LastTurnID + 1
	run := &turnRun{
		id:      userTurn + 1,
		traceID: msg.TraceID,
		tools:   make(map[string]protocol.ToolStatus),
		started: c.m.now(),
	}
	c.meta.LastTurnID = run.id

	ack := c.envelope(protocol.TypeUserMessageAck, msg.TraceID, protocol.MessageAckPayload{
		TempID:   msg.TempID,
		ClientID: msg.ClientID,
		Content:  msg.Content,
		Metadata: msg.Metadata,
	}).WithTurn(userTurn)
	c.acks.put(msg.TempID, ack)
	c.broadcast(ack)
	if err := c.transition(EventUserMessage, "", msg.TraceID); err != nil {
		c.logger.Error("turn start transition failed", "error", err)
	}

	ctx, span := c.m.inst.Tracer.Start(c.m.ctx, "conversation.turn", trace.WithAttributes(
		telemetry.AttrConversationID.String(c.id),
		telemetry.AttrTurnID.Int64(run.id),
	))
	if run.traceID == "" {
		run.traceID = telemetry.TraceID(ctx)
	}
	ctx, run.cancel = context.WithCancel(ctx)
	run.span = span
	c.run = run

	engine, err := c.engineLocked()
	if err != nil {
		c.logger.Error("failed to create engine", "error", err)
		c.endTurn(run, err)
		return
	}

	turn := agent.Turn{
		ConversationID: c.id,
		TurnID:         run.id,
		Content:        msg.Content,
		Metadata:       msg.Metadata,
	}
	if t := c.meta.Task; t != nil {
		turn.Task = &agent.Task{ID: t.ID, Title: t.Title, Description: t.Description}
	}

	c.logger.Info("turn started", "turn_id", run.id, "client_id", msg.ClientID)
	c.m.wg.Add(1)
	go func() {
		defer c.m.wg.Done()
		err := engine.Run(ctx, turn, &emitter{c: c, run: run})
		c.mu.Lock()
		defer c.mu.Unlock()
		c.endTurn(run, err)
	}()
}

// endTurn closes run according to how the engine returned, then starts the
// next queued message. Must be called with c.mu held.
func (c *Conversation) endTurn(run *turnRun, err error) {
	if c.run != run {
		return
	}
	c.run = nil
	run.cancel()
	c.lastActive = c.m.now()
	elapsed := c.lastActive.Sub(run.started)
	c.m.inst.TurnDuration.Record(c.m.ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(telemetry.AttrConversationID.String(c.id)))
	defer run.span.End()

	if c.closing {
		return
	}
	if c.sm.Current() == protocol.StateWaitingInput {
		c.dropCards(run)
		_ = c.transition(EventAnswer, "input request abandoned", run.traceID)
	}

	switch {
	case run.interrupted:
		c.broadcast(c.envelope(protocol.TypeAssistantComplete, run.traceID,
			protocol.CompletePayload{StopReason: protocol.StopCancelled}).WithTurn(run.id))
		if err := c.transition(EventCancelled, "cancelled", run.traceID); err != nil {
			c.logger.Error("cancel transition failed", "error", err)
		}
		c.logger.Info("turn cancelled", "turn_id", run.id, "duration", elapsed)

	case err != nil:
		run.span.RecordError(err)
		c.broadcast(c.envelope(protocol.TypeSessionError, run.traceID, protocol.ErrorPayload{
			Code:    protocol.CodeTurnFailed,
			Message: err.Error(),
		}).WithTurn(run.id))
		_ = c.transition(EventFault, err.Error(), run.traceID)
		c.logger.Warn("turn failed", "turn_id", run.id, "error", err)

	default:
		c.broadcast(c.envelope(protocol.TypeAssistantComplete, run.traceID,
			protocol.CompletePayload{StopReason: protocol.StopEndTurn}).WithTurn(run.id))
		if err := c.transition(EventComplete, "", run.traceID); err != nil {
			c.logger.Error("complete transition failed", "error", err)
		}
		c.logger.Info("turn completed", "turn_id", run.id, "duration", elapsed)
	}

	c.startNext()
}

// startNext starts the oldest queued message when no turn is in flight.
func (c *Conversation) startNext() {
	if c.closing || c.sm.Current().InFlight() || !c.created {
		return
	}
	msg, err := c.m.store.Dequeue(c.bg(), c.id)
	if errors.Is(err, session.ErrQueueEmpty) {
		return
	}
	if err != nil {
		c.logger.Error("failed to dequeue message", "error", err)
		return
	}
	c.logger.Debug("dequeued message", "queue_id", msg.ID, "temp_id", msg.TempID)
	c.startTurn(msg)
}

// drain starts the next queued message if the conversation is idle.
func (c *Conversation) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startNext()
}

func (c *Conversation) engineLocked() (agent.Engine, error) {
	if c.engine != nil {
		return c.engine, nil
	}
	e, err := c.m.engines(c.id)
	if err != nil {
		return nil, err
	}
	c.engine = e
	return e, nil
}

func (c *Conversation) archive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.created {
		return session.ErrConversationNotFound
	}
	if c.meta.Archived {
		return nil
	}
	if err := c.m.store.UpdateConversation(c.bg(), c.id, func(m *session.Conversation) { m.Archived = true }); err != nil {
		return err
	}
	c.meta.Archived = true
	c.broadcast(c.envelope(protocol.TypeSessionSystemEvent, "", protocol.SystemEventPayload{
		Kind:    "archived",
		Message: "conversation archived",
	}))
	c.logger.Info("conversation archived")
	return nil
}

// close cancels the running turn and stops accepting clients. Nothing is
// emitted for the cancelled turn.
func (c *Conversation) close() agent.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
	if c.run != nil {
		c.run.cancel()
		c.dropCards(c.run)
	}
	return c.engine
}

func (c *Conversation) touch() {
	c.mu.Lock()
	c.lastActive = c.m.now()
	c.mu.Unlock()
}

// evictIfIdle closes the conversation when no client is attached, no turn is
// running and nothing happened for timeout. It returns the engine to close.
func (c *Conversation) evictIfIdle(now time.Time, timeout time.Duration) (agent.Engine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.run != nil || len(c.observers) > 0 || now.Sub(c.lastActive) < timeout {
		return nil, false
	}
	c.closing = true
	e := c.engine
	c.engine = nil
	c.logger.Debug("conversation unloaded", "idle", now.Sub(c.lastActive))
	return e, true
}

func (c *Conversation) ensureCreated() error {
	if c.created {
		return nil
	}
	now := c.m.now().UTC()
	c.meta.CreatedAt = now
	c.meta.UpdatedAt = now
	if err := c.m.store.CreateConversation(c.bg(), c.meta); err != nil && !errors.Is(err, session.ErrConversationExists) {
		return err
	}
	c.created = true
	c.logger.Info("conversation created", "agent", c.meta.Agent)
	return nil
}

func (c *Conversation) history() ([]session.Record, error) {
	if !c.created {
		return nil, nil
	}
	return c.m.store.ReadRecords(c.bg(), c.id, 0)
}

// transition applies ev and broadcasts the new state when it changed.
func (c *Conversation) transition(ev Event, reason, traceID string) error {
	prev := c.sm.Current()
	next, err := c.sm.Transition(ev)
	if err != nil {
		return err
	}
	if next == prev {
		return nil
	}
	c.meta.State = next
	if c.created {
		if err := c.m.store.UpdateConversation(c.bg(), c.id, func(m *session.Conversation) { m.State = next }); err != nil {
			c.logger.Error("failed to persist state", "state", next, "error", err)
		}
	}
	c.broadcast(c.envelope(protocol.TypeSessionState, traceID, protocol.StatePayload{
		State:    next,
		Previous: prev,
		Reason:   reason,
	}))
	c.logger.Debug("state changed", "from", prev, "to", next, "event", ev)
	return nil
}

// envelope builds an unsequenced envelope. Payloads are plain structs, so a
// marshal failure is a programming error and yields an empty payload.
func (c *Conversation) envelope(t protocol.Type, traceID string, payload any) protocol.Envelope {
	env, err := protocol.New(t, c.id, payload)
	if err != nil {
		c.logger.Error("failed to build envelope", "type", t, "error", err)
		env = protocol.Envelope{Type: t, ConversationID: c.id, Timestamp: time.Now().UTC(), Payload: []byte("{}")}
	}
	env.Timestamp = c.m.now().UTC()
	env.TraceID = traceID
	if env.TraceID == "" {
		env.TraceID = protocol.NewTraceID()
	}
	return env
}

// broadcast persists env, unless it is a state echo, and stamps it on every
// stream of the conversation, attached or not.
func (c *Conversation) broadcast(env protocol.Envelope) {
	if env.Type != protocol.TypeSessionState && c.created {
		if _, err := c.m.store.AppendRecord(c.bg(), session.RecordOf(env)); err != nil {
			c.logger.Error("failed to persist envelope", "type", env.Type, "error", err)
		}
	}
	for _, s := range c.m.registry.Streams(c.id) {
		c.deliver(s, env)
	}
}

func (c *Conversation) unicast(clientID string, env protocol.Envelope) {
	if s, ok := c.m.registry.Lookup(c.id, clientID); ok {
		c.deliver(s, env)
	}
}

func (c *Conversation) deliver(s *sequencer.Stream, env protocol.Envelope) {
	stamped := s.Stamp(env)
	c.m.inst.EnvelopesSent.Add(c.m.ctx, 1, metric.WithAttributes(telemetry.AttrEnvelopeType.String(string(env.Type))))
	o, ok := c.observers[s.ClientID()]
	if !ok || !s.Attached() {
		return
	}
	if !o.Deliver(stamped) {
		c.logger.Debug("envelope dropped", "client_id", s.ClientID(), "type", env.Type, "sequence", stamped.Sequence)
	}
}

// reject answers a command with session.error and returns err.
func (c *Conversation) reject(ctx context.Context, clientID string, env protocol.Envelope, err error, questionID, tempID string) error {
	code := protocol.CodeInternal
	var se *StateError
	if errors.As(err, &se) {
		code = se.Code
	}
	payload := protocol.ErrorPayload{
		Code:       code,
		Message:    err.Error(),
		RefType:    env.Type,
		QuestionID: questionID,
		TempID:     tempID,
	}
	if se != nil {
		payload.Message = se.Message
	}
	c.unicast(clientID, c.envelope(protocol.TypeSessionError, env.TraceID, payload))
	c.m.inst.CommandsRejected.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvelopeType.String(string(env.Type)),
		telemetry.AttrErrorCode.String(string(code)),
	))
	c.logger.Debug("command rejected", "client_id", clientID, "type", env.Type, "code", code, "reason", payload.Message)
	return err
}

func (c *Conversation) malformed(err error) error {
	return &StateError{Code: protocol.CodeMalformedEnvelope, State: c.sm.Current(), Message: err.Error()}
}

func (c *Conversation) internal(err error) error {
	return &StateError{Code: protocol.CodeInternal, State: c.sm.Current(), Message: err.Error()}
}

const ackCacheSize = 256

// ackCache remembers the last ack sent per temp id or question id, so a
// retried command is acknowledged again instead of being applied twice.
type ackCache struct {
	limit   int
	entries map[string]protocol.Envelope
	order   []string
}

func (a *ackCache) get(key string) (protocol.Envelope, bool) {
	if key == "" {
		return protocol.Envelope{}, false
	}
	env, ok := a.entries[key]
	return env, ok
}

func (a *ackCache) put(key string, env protocol.Envelope) {
	if key == "" {
		return
	}
	if a.entries == nil {
		a.entries = make(map[string]protocol.Envelope)
	}
	if _, ok := a.entries[key]; !ok {
		a.order = append(a.order, key)
		if len(a.order) > a.limit {
			delete(a.entries, a.order[0])
			a.order = a.order[1:]
		}
	}
	a.entries[key] = env
}
