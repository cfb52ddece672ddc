package protocol

// Type is the envelope discriminator.
type Type string

// Server → client envelope types.
const (
	// TypeSessionConnected opens a fresh delivery stream. The client resets its
	// reconstruction; the full conversation history follows as message.replay.
	// Payload: ConnectedPayload
	TypeSessionConnected Type = "session.connected"

	// TypeSessionResumed is sent after the replay of a resumed stream.
	// Payload: ResumedPayload
	TypeSessionResumed Type = "session.resumed"

	// TypeSessionState echoes the authoritative run state.
	// Payload: StatePayload
	TypeSessionState Type = "session.state"

	// TypeSessionHeartbeatAck answers session.heartbeat.
	// Payload: HeartbeatAckPayload
	TypeSessionHeartbeatAck Type = "session.heartbeat_ack"

	// TypeSessionError reports a rejected command or a failed turn.
	// Payload: ErrorPayload
	TypeSessionError Type = "session.error"

	// TypeSessionSystemEvent carries informational notices (agent notes, queue drained...).
	// Payload: SystemEventPayload
	TypeSessionSystemEvent Type = "session.system_event"

	// TypeUserMessageAck confirms a user message. With queued=true it only reports
	// the queue position; the authoritative ack with turn_id follows when the turn starts.
	// Payload: MessageAckPayload
	TypeUserMessageAck Type = "user.message.ack"

	// TypeInputResponseAck confirms an answer to an input request.
	// Payload: InputResponseAckPayload
	TypeInputResponseAck Type = "user.input_response.ack"

	// TypeInterruptAck confirms an accepted interrupt.
	// Payload: InterruptAckPayload
	TypeInterruptAck Type = "user.interrupt.ack"

	// TypeAssistantChunk is a streamed text fragment.
	// Payload: ChunkPayload
	TypeAssistantChunk Type = "assistant.chunk"

	// TypeAssistantThinking is a streamed reasoning fragment.
	// Payload: ThinkingPayload
	TypeAssistantThinking Type = "assistant.thinking"

	// TypeAssistantToolCall announces or refreshes a tool invocation.
	// Payload: ToolCallPayload
	TypeAssistantToolCall Type = "assistant.tool_call"

	// TypeAssistantToolResult finishes a tool invocation.
	// Payload: ToolResultPayload
	TypeAssistantToolResult Type = "assistant.tool_result"

	// TypeAssistantRequestInput asks the human a question and blocks the turn.
	// Payload: RequestInputPayload
	TypeAssistantRequestInput Type = "assistant.request_input"

	// TypeAssistantComplete closes an assistant turn.
	// Payload: CompletePayload
	TypeAssistantComplete Type = "assistant.complete"

	// TypeMessageReplay re-delivers a previously sequenced envelope.
	// Payload: ReplayPayload
	TypeMessageReplay Type = "message.replay"
)

// Client → server envelope types.
const (
	// TypeUserMessage starts (or queues) a turn.
	// Payload: UserMessagePayload
	TypeUserMessage Type = "user.message"

	// TypeInputResponse answers an input request.
	// Payload: InputResponsePayload
	TypeInputResponse Type = "user.input_response"

	// TypeInterrupt cancels the in-flight turn.
	// Payload: {}
	TypeInterrupt Type = "user.interrupt"

	// TypeHeartbeat keeps the connection alive.
	// Payload: {}
	TypeHeartbeat Type = "session.heartbeat"
)

var serverTypes = map[Type]bool{
	TypeSessionConnected:      true,
	TypeSessionResumed:        true,
	TypeSessionState:          true,
	TypeSessionHeartbeatAck:   true,
	TypeSessionError:          true,
	TypeSessionSystemEvent:    true,
	TypeUserMessageAck:        true,
	TypeInputResponseAck:      true,
	TypeInterruptAck:          true,
	TypeAssistantChunk:        true,
	TypeAssistantThinking:     true,
	TypeAssistantToolCall:     true,
	TypeAssistantToolResult:   true,
	TypeAssistantRequestInput: true,
	TypeAssistantComplete:     true,
	TypeMessageReplay:         true,
}

var clientTypes = map[Type]bool{
	TypeUserMessage:   true,
	TypeInputResponse: true,
	TypeInterrupt:     true,
	TypeHeartbeat:     true,
}

// FromServer reports whether t is sent by the server.
func (t Type) FromServer() bool { return serverTypes[t] }

// FromClient reports whether t is sent by the client.
func (t Type) FromClient() bool { return clientTypes[t] }

// Known reports whether t is part of the protocol in either direction.
func (t Type) Known() bool { return serverTypes[t] || clientTypes[t] }

// SessionState is the server-authoritative phase of a conversation.
type SessionState string

const (
	StateActive       SessionState = "active"
	StateStreaming    SessionState = "streaming"
	StateWaitingInput SessionState = "waiting_input"
	StateInterrupted  SessionState = "interrupted"
	StateError        SessionState = "error"
)

// Valid reports whether s is one of the defined states.
func (s SessionState) Valid() bool {
	switch s {
	case StateActive, StateStreaming, StateWaitingInput, StateInterrupted, StateError:
		return true
	}
	return false
}

// InFlight reports whether a turn is running in state s.
func (s SessionState) InFlight() bool {
	return s == StateStreaming || s == StateWaitingInput || s == StateInterrupted
}

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolRunning        ToolStatus = "running"
	ToolCompleted      ToolStatus = "completed"
	ToolFailed         ToolStatus = "failed"
	ToolRequiresAction ToolStatus = "requires_action"
)

// Terminal reports whether no further transition is expected.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolFailed
}

// ErrorCode is the stable identifier carried by session.error.
type ErrorCode string

const (
	CodeInvalidState         ErrorCode = "invalid_state"
	CodeQueueFull            ErrorCode = "queue_full"
	CodeUnknownQuestion      ErrorCode = "unknown_question"
	CodeQuestionNotAwaiting  ErrorCode = "question_not_awaiting"
	CodeQuestionExpired      ErrorCode = "question_expired"
	CodeAnswerRequired       ErrorCode = "answer_required"
	CodeInvalidOption        ErrorCode = "invalid_option"
	CodeEmptyMessage         ErrorCode = "empty_message"
	CodeRateLimited          ErrorCode = "rate_limited"
	CodeMalformedEnvelope    ErrorCode = "malformed_envelope"
	CodeConversationMismatch ErrorCode = "conversation_mismatch"
	CodeTurnFailed           ErrorCode = "turn_failed"
	CodeInternal             ErrorCode = "internal"
)

// Stop reasons carried by assistant.complete.
const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
)

// QueuePolicy is advertised in session.connected so clients know that a message
// sent during an in-flight turn is queued rather than rejected.
const QueuePolicy = "queue"
