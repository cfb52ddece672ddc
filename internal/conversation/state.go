package conversation

import (
	"fmt"

	"github.com/inercia/parley/internal/protocol"
)

// Event drives the session state machine.
type Event string

const (
	EventUserMessage  Event = "user_message"
	EventRequestInput Event = "request_input"
	EventAnswer       Event = "answer"
	EventInterrupt    Event = "interrupt"
	EventCancelled    Event = "cancelled"
	EventComplete     Event = "complete"
	EventFault        Event = "fault"
)

// StateError rejects a command or an event that is not valid in the current
// state. Code is sent to the client in session.error.
type StateError struct {
	Code    protocol.ErrorCode
	State   protocol.SessionState
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s (state %s): %s", e.Code, e.State, e.Message)
}

var transitions = map[Event]map[protocol.SessionState]protocol.SessionState{
	EventUserMessage: {
		protocol.StateActive: protocol.StateStreaming,
		protocol.StateError:  protocol.StateStreaming,
	},
	EventRequestInput: {
		protocol.StateStreaming:    protocol.StateWaitingInput,
		protocol.StateWaitingInput: protocol.StateWaitingInput,
	},
	EventAnswer: {
		protocol.StateWaitingInput: protocol.StateStreaming,
	},
	EventInterrupt: {
		protocol.StateStreaming:    protocol.StateInterrupted,
		protocol.StateWaitingInput: protocol.StateInterrupted,
	},
	EventCancelled: {
		protocol.StateInterrupted: protocol.StateActive,
	},
	EventComplete: {
		protocol.StateStreaming: protocol.StateActive,
	},
}

// StateMachine holds the authoritative run state of a conversation. It is not
// safe for concurrent use; the owning conversation serializes access.
type StateMachine struct {
	state protocol.SessionState
}

// NewStateMachine starts in initial, or active when initial is not a valid state.
func NewStateMachine(initial protocol.SessionState) *StateMachine {
	if !initial.Valid() {
		initial = protocol.StateActive
	}
	return &StateMachine{state: initial}
}

// Current returns the current state.
func (m *StateMachine) Current() protocol.SessionState {
	return m.state
}

// Transition applies ev and returns the new state. A fault is valid from any
// state.
func (m *StateMachine) Transition(ev Event) (protocol.SessionState, error) {
	if ev == EventFault {
		m.state = protocol.StateError
		return m.state, nil
	}
	next, ok := transitions[ev][m.state]
	if !ok {
		return m.state, &StateError{
			Code:    protocol.CodeInvalidState,
			State:   m.state,
			Message: fmt.Sprintf("%s is not valid while %s", ev, m.state),
		}
	}
	m.state = next
	return next, nil
}

// CanAccept reports whether a client command may be processed now. A user
// message is always accepted: while a turn is in flight it is queued.
func (m *StateMachine) CanAccept(t protocol.Type) error {
	switch t {
	case protocol.TypeUserMessage, protocol.TypeHeartbeat:
		return nil
	case protocol.TypeInterrupt:
		if m.state == protocol.StateStreaming || m.state == protocol.StateWaitingInput {
			return nil
		}
		return &StateError{
			Code:    protocol.CodeInvalidState,
			State:   m.state,
			Message: "nothing to interrupt",
		}
	case protocol.TypeInputResponse:
		if m.state == protocol.StateWaitingInput {
			return nil
		}
		return &StateError{
			Code:    protocol.CodeQuestionNotAwaiting,
			State:   m.state,
			Message: "no question is awaiting an answer",
		}
	}
	return &StateError{
		Code:    protocol.CodeMalformedEnvelope,
		State:   m.state,
		Message: fmt.Sprintf("%q is not a client command", t),
	}
}
