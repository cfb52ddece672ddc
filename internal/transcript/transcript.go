// Package transcript reconstructs a conversation from protocol envelopes.
//
// State is an immutable value: Apply and the local actions in this package
// return a new State and never modify the one they were given, so any previous
// snapshot handed to a subscriber stays valid. The reconstruction is a cache;
// it can always be rebuilt by replaying the conversation from the server.
package transcript

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/inercia/parley/internal/protocol"
)

// Role owns a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartKind discriminates turn parts.
type PartKind string

const (
	PartText         PartKind = "text"
	PartThinking     PartKind = "thinking"
	PartTool         PartKind = "tool"
	PartInputRequest PartKind = "input_request"
)

// CardStatus is the lifecycle state of an input request card.
type CardStatus string

const (
	CardAwaiting     CardStatus = "awaiting"
	CardPending      CardStatus = "pending"
	CardAcknowledged CardStatus = "acknowledged"
	CardError        CardStatus = "error"
)

// ToolInvocation is a tracked tool call.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	Status    protocol.ToolStatus
	Result    json.RawMessage
	IsError   bool
	Reason    string
}

// ResultText returns the result as text: JSON strings are unquoted, anything
// else is returned verbatim.
func (t ToolInvocation) ResultText() string {
	var s string
	if err := json.Unmarshal(t.Result, &s); err == nil {
		return s
	}
	return string(t.Result)
}

// InputRequestCard is a question posed by the agent.
type InputRequestCard struct {
	QuestionID string
	Question   string
	Options    []string
	Required   bool
	Deadline   *time.Time
	ToolCallID string
	Status     CardStatus
	Answer     string
	ResumeTask bool
	// Error is the inline failure text of the last rejected answer.
	Error string
}

// Open reports whether the card still expects an answer or its acknowledgment.
func (c InputRequestCard) Open() bool {
	return c.Status == CardAwaiting || c.Status == CardPending
}

// Part is one element of a turn. Only the fields matching Kind are meaningful.
type Part struct {
	Kind      PartKind
	Text      string
	Signature string
	Tool      ToolInvocation
	Card      InputRequestCard
}

// Turn is one generation cycle.
type Turn struct {
	ID         int64
	Role       Role
	Parts      []Part
	Open       bool
	StopReason string
	Error      string
	TempID     string
	Metadata   map[string]any
}

// Text returns the concatenation of every text part.
func (t Turn) Text() string {
	return t.joined(PartText)
}

// Thinking returns the concatenation of every thinking part.
func (t Turn) Thinking() string {
	return t.joined(PartThinking)
}

func (t Turn) joined(kind PartKind) string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Kind == kind {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Tool returns the invocation with the given id.
func (t Turn) Tool(id string) (ToolInvocation, bool) {
	for _, p := range t.Parts {
		if p.Kind == PartTool && p.Tool.ID == id {
			return p.Tool, true
		}
	}
	return ToolInvocation{}, false
}

// Card returns the most recent card with the given question id.
func (t Turn) Card(questionID string) (InputRequestCard, bool) {
	for i := len(t.Parts) - 1; i >= 0; i-- {
		p := t.Parts[i]
		if p.Kind == PartInputRequest && p.Card.QuestionID == questionID {
			return p.Card, true
		}
	}
	return InputRequestCard{}, false
}

// PlaceholderStatus tracks an optimistic user message.
type PlaceholderStatus string

const (
	PlaceholderSending PlaceholderStatus = "sending"
	PlaceholderQueued  PlaceholderStatus = "queued"
	PlaceholderFailed  PlaceholderStatus = "failed"
)

// Placeholder is a user message shown before the server has assigned it a turn.
type Placeholder struct {
	TempID        string
	Content       string
	Metadata      map[string]any
	Status        PlaceholderStatus
	QueuePosition int
	Error         string
	CreatedAt     time.Time
}

// Notice is a session.system_event kept for display.
type Notice struct {
	Kind    string
	Message string
	At      time.Time
}

// State is the client reconstruction of one conversation.
type State struct {
	ConversationID string
	Session        protocol.SessionState
	Turns          []Turn
	Pending        []Placeholder
	Notices        []Notice
	// Banner is the last error that could not be attached to a card, a
	// placeholder or a turn.
	Banner string
}

// New returns an empty state for a conversation.
func New(conversationID string) State {
	return State{ConversationID: conversationID, Session: protocol.StateActive}
}

// CanInterrupt reports whether an interrupt is actionable.
func (s State) CanInterrupt() bool {
	return s.Session == protocol.StateStreaming || s.Session == protocol.StateWaitingInput
}

// Turn returns the turn with the given id.
func (s State) Turn(id int64) (Turn, bool) {
	if i := s.turnIndex(id); i >= 0 {
		return s.Turns[i], true
	}
	return Turn{}, false
}

// LastTurn returns the most recent turn.
func (s State) LastTurn() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// Card returns the most recent card with the given question id.
func (s State) Card(questionID string) (InputRequestCard, bool) {
	if ti, pi := s.findCard(questionID, false); ti >= 0 {
		return s.Turns[ti].Parts[pi].Card, true
	}
	return InputRequestCard{}, false
}

// OpenCards returns every card still awaiting an answer or its acknowledgment,
// oldest first.
func (s State) OpenCards() []InputRequestCard {
	var cards []InputRequestCard
	for _, t := range s.Turns {
		for _, p := range t.Parts {
			if p.Kind == PartInputRequest && p.Card.Open() {
				cards = append(cards, p.Card)
			}
		}
	}
	return cards
}

// Placeholder returns the pending message with the given temp id.
func (s State) Placeholder(tempID string) (Placeholder, bool) {
	for _, p := range s.Pending {
		if p.TempID == tempID {
			return p, true
		}
	}
	return Placeholder{}, false
}

// Tool returns the invocation with the given id, searching the whole transcript.
func (s State) Tool(id string) (ToolInvocation, bool) {
	if ti, pi := s.findTool(id); ti >= 0 {
		return s.Turns[ti].Parts[pi].Tool, true
	}
	return ToolInvocation{}, false
}

func (s State) turnIndex(id int64) int {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].ID == id {
			return i
		}
	}
	return -1
}

func (s State) findTool(id string) (int, int) {
	for ti := len(s.Turns) - 1; ti >= 0; ti-- {
		parts := s.Turns[ti].Parts
		for pi := len(parts) - 1; pi >= 0; pi-- {
			if parts[pi].Kind == PartTool && parts[pi].Tool.ID == id {
				return ti, pi
			}
		}
	}
	return -1, -1
}

// findCard returns the most recent card for questionID, optionally only an
// open one.
func (s State) findCard(questionID string, openOnly bool) (int, int) {
	for ti := len(s.Turns) - 1; ti >= 0; ti-- {
		parts := s.Turns[ti].Parts
		for pi := len(parts) - 1; pi >= 0; pi-- {
			p := parts[pi]
			if p.Kind != PartInputRequest || p.Card.QuestionID != questionID {
				continue
			}
			if openOnly && !p.Card.Open() {
				continue
			}
			return ti, pi
		}
	}
	return -1, -1
}

// latestOpenCard returns the most recently created open card.
func (s State) latestOpenCard() (int, int) {
	for ti := len(s.Turns) - 1; ti >= 0; ti-- {
		parts := s.Turns[ti].Parts
		for pi := len(parts) - 1; pi >= 0; pi-- {
			if parts[pi].Kind == PartInputRequest && parts[pi].Card.Open() {
				return ti, pi
			}
		}
	}
	return -1, -1
}
