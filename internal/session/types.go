// Package session persists conversation history for replay.
//
// The history of a conversation is an append-only list of Records, one per
// conversation-level envelope (acks, assistant events, system events, turn
// failures). Each record carries its turn id so a turn can be read back on its
// own, and a per-conversation offset that orders the whole history.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/inercia/parley/internal/protocol"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrStoreClosed          = errors.New("store is closed")
	// ErrInvalidConversationID is returned for ids that are not a single safe
	// path component.
	ErrInvalidConversationID = errors.New("invalid conversation id")
	// ErrQueueEmpty is returned when dequeuing from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueFull is returned when the queue has reached its size limit.
	ErrQueueFull = errors.New("queue is full")
)

// Store is the durable history of conversations. Implementations must be safe
// for concurrent use.
type Store interface {
	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, c Conversation) error

	// GetConversation returns ErrConversationNotFound for unknown ids.
	GetConversation(ctx context.Context, id string) (Conversation, error)

	// UpdateConversation applies fn to the stored conversation.
	UpdateConversation(ctx context.Context, id string, fn func(*Conversation)) error

	// ListConversations returns every conversation, most recently updated first.
	ListConversations(ctx context.Context) ([]Conversation, error)

	// DeleteConversation removes a conversation with its history and queue.
	DeleteConversation(ctx context.Context, id string) error

	// AppendRecord assigns the next offset of the conversation to rec, stores
	// it and returns the stored record.
	AppendRecord(ctx context.Context, rec Record) (Record, error)

	// ReadRecords returns the records with an offset greater than after, in order.
	ReadRecords(ctx context.Context, conversationID string, after int64) ([]Record, error)

	// ReadTurn returns the records of one turn, in order.
	ReadTurn(ctx context.Context, conversationID string, turnID int64) ([]Record, error)

	// Enqueue appends a message to the conversation queue and returns it with
	// its id assigned, plus its 1-based position. A maxSize of 0 means unlimited.
	Enqueue(ctx context.Context, conversationID string, msg QueuedMessage, maxSize int) (QueuedMessage, int, error)

	// Dequeue removes and returns the oldest queued message, or ErrQueueEmpty.
	Dequeue(ctx context.Context, conversationID string) (QueuedMessage, error)

	// QueueLen returns the number of queued messages.
	QueueLen(ctx context.Context, conversationID string) (int, error)

	// Close releases the store.
	Close() error
}

// Task is the context of the task a conversation is linked to, resolved once at
// creation.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Conversation is the persisted state of a conversation.
type Conversation struct {
	ID         string                `json:"id"`
	Agent      string                `json:"agent,omitempty"`
	Task       *Task                 `json:"task,omitempty"`
	State      protocol.SessionState `json:"state"`
	Archived   bool                  `json:"archived,omitempty"`
	LastTurnID int64                 `json:"last_turn_id"`
	// RecordCount is the offset of the last appended record.
	RecordCount int64     `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Record is one conversation-level envelope, stored without its per-connection
// sequence number.
type Record struct {
	Offset         int64           `json:"offset"`
	ConversationID string          `json:"conversation_id"`
	TurnID         *int64          `json:"turn_id,omitempty"`
	Type           protocol.Type   `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	TraceID        string          `json:"trace_id"`
	Payload        json.RawMessage `json:"payload"`
}

// RecordOf converts an envelope into a record. The offset is assigned by the store.
func RecordOf(env protocol.Envelope) Record {
	return Record{
		ConversationID: env.ConversationID,
		TurnID:         env.TurnID,
		Type:           env.Type,
		Timestamp:      env.Timestamp,
		TraceID:        env.TraceID,
		Payload:        env.Payload,
	}
}

// Envelope converts the record back into an unsequenced envelope.
func (r Record) Envelope() protocol.Envelope {
	return protocol.Envelope{
		Type:           r.Type,
		ConversationID: r.ConversationID,
		TurnID:         r.TurnID,
		Timestamp:      r.Timestamp,
		TraceID:        r.TraceID,
		Payload:        r.Payload,
	}
}

// QueuedMessage is a user message waiting for the in-flight turn to finish.
type QueuedMessage struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TempID   string         `json:"temp_id,omitempty"`
	ClientID string         `json:"client_id,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	QueuedAt time.Time      `json:"queued_at"`
}
