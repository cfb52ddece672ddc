// Package agent defines the engine contract that produces assistant turns.
//
// An Engine is a black box: it receives the user's message and reports what
// happens through an Emitter. The conversation layer turns every emitter call
// into a sequenced envelope. RequestInput blocks the engine until the user
// answers, the deadline passes or the turn is cancelled.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/inercia/parley/internal/protocol"
)

var (
	// ErrInputExpired is returned by RequestInput when the deadline passes
	// without an answer.
	ErrInputExpired = errors.New("input request expired")

	// ErrTurnClosed is returned by emitter calls made after the turn ended.
	ErrTurnClosed = errors.New("turn already finished")
)

// Task is the context of the task a conversation is linked to.
type Task struct {
	ID          string
	Title       string
	Description string
}

// Turn is one unit of work for an engine.
type Turn struct {
	ConversationID string
	// TurnID is the id of the assistant turn being produced.
	TurnID   int64
	Content  string
	Metadata map[string]any
	Task     *Task
}

// ToolCall announces or refreshes a tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	Status    protocol.ToolStatus
}

// ToolResult finishes a tool invocation.
type ToolResult struct {
	ToolID  string
	IsError bool
	Result  json.RawMessage
	Reason  string
}

// InputRequest asks the user a question. A zero Deadline means no deadline.
// An empty QuestionID defaults to ToolCallID, or to a generated id.
type InputRequest struct {
	QuestionID string
	Question   string
	Options    []string
	Required   bool
	Deadline   time.Time
	ToolCallID string
}

// Answer is the user's reply to an InputRequest.
type Answer struct {
	QuestionID string
	Text       string
	// ResumeTask asks the engine to continue the linked task after answering.
	ResumeTask bool
}

// Emitter receives the events of a running turn. Implementations must be safe
// for use from the engine goroutine while the conversation processes commands.
type Emitter interface {
	Chunk(text string)
	Thinking(text, signature string)
	ToolCall(call ToolCall)
	ToolResult(result ToolResult)
	// RequestInput blocks until the question is answered. It returns
	// ErrInputExpired when the deadline passes and ctx.Err() when the turn is
	// cancelled.
	RequestInput(ctx context.Context, req InputRequest) (Answer, error)
	SystemEvent(kind, message string)
}

// Engine produces assistant turns. Run returns nil when the turn completes,
// ctx.Err() when cancelled, or any other error when the turn failed.
type Engine interface {
	Run(ctx context.Context, turn Turn, emit Emitter) error
	Close() error
}

// Factory creates the engine of a conversation.
type Factory func(conversationID string) (Engine, error)
