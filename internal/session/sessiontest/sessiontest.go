// Package sessiontest provides a conformance suite for session.Store
// implementations.
package sessiontest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/session"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) session.Store

// Run exercises every Store operation against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s session.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"NotFound", testNotFound},
		{"Update", testUpdate},
		{"List", testList},
		{"Delete", testDelete},
		{"AppendAndRead", testAppendAndRead},
		{"ReadTurn", testReadTurn},
		{"ConcurrentAppend", testConcurrentAppend},
		{"Queue", testQueue},
		{"QueueFull", testQueueFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func create(t *testing.T, s session.Store, id string) {
	t.Helper()
	err := s.CreateConversation(context.Background(), session.Conversation{
		ID:    id,
		Agent: "echo",
		State: protocol.StateActive,
	})
	if err != nil {
		t.Fatalf("CreateConversation(%s) error = %v", id, err)
	}
}

func record(convID string, turn int64, typ protocol.Type, payload any) session.Record {
	data, _ := json.Marshal(payload)
	return session.Record{
		ConversationID: convID,
		TurnID:         &turn,
		Type:           typ,
		Timestamp:      time.Now().UTC(),
		TraceID:        protocol.NewTraceID(),
		Payload:        data,
	}
}

func testCreateAndGet(t *testing.T, s session.Store) {
	ctx := context.Background()
	err := s.CreateConversation(ctx, session.Conversation{
		ID:    "conv-1",
		Agent: "echo",
		Task:  &session.Task{ID: "T-1", Title: "Fix login"},
		State: protocol.StateActive,
	})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.Agent != "echo" {
		t.Errorf("Agent = %q, want %q", got.Agent, "echo")
	}
	if got.State != protocol.StateActive {
		t.Errorf("State = %q, want %q", got.State, protocol.StateActive)
	}
	if got.Task == nil || got.Task.Title != "Fix login" {
		t.Errorf("Task = %+v, want title %q", got.Task, "Fix login")
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func testCreateDuplicate(t *testing.T, s session.Store) {
	create(t, s, "conv-1")
	err := s.CreateConversation(context.Background(), session.Conversation{ID: "conv-1"})
	if !errors.Is(err, session.ErrConversationExists) {
		t.Errorf("duplicate CreateConversation() error = %v, want ErrConversationExists", err)
	}
}

func testNotFound(t *testing.T, s session.Store) {
	ctx := context.Background()
	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, session.ErrConversationNotFound) {
		t.Errorf("GetConversation() error = %v, want ErrConversationNotFound", err)
	}
	if _, err := s.AppendRecord(ctx, record("missing", 1, protocol.TypeAssistantChunk, protocol.ChunkPayload{})); !errors.Is(err, session.ErrConversationNotFound) {
		t.Errorf("AppendRecord() error = %v, want ErrConversationNotFound", err)
	}
	if err := s.UpdateConversation(ctx, "missing", func(*session.Conversation) {}); !errors.Is(err, session.ErrConversationNotFound) {
		t.Errorf("UpdateConversation() error = %v, want ErrConversationNotFound", err)
	}
	if _, err := s.Dequeue(ctx, "missing"); !errors.Is(err, session.ErrConversationNotFound) {
		t.Errorf("Dequeue() error = %v, want ErrConversationNotFound", err)
	}
}

func testUpdate(t *testing.T, s session.Store) {
	ctx := context.Background()
	create(t, s, "conv-1")

	err := s.UpdateConversation(ctx, "conv-1", func(c *session.Conversation) {
		c.State = protocol.StateError
		c.Archived = true
	})
	if err != nil {
		t.Fatalf("UpdateConversation() error = %v", err)
	}
	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.State != protocol.StateError || !got.Archived {
		t.Errorf("after update = %+v, want state error and archived", got)
	}
}

func testList(t *testing.T, s session.Store) {
	ctx := context.Background()
	create(t, s, "conv-a")
	create(t, s, "conv-b")
	// Touch conv-a so it becomes the most recently updated.
	time.Sleep(5 * time.Millisecond)
	if err := s.UpdateConversation(ctx, "conv-a", func(c *session.Conversation) {}); err != nil {
		t.Fatalf("UpdateConversation() error = %v", err)
	}

	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListConversations() = %d, want 2", len(list))
	}
	if list[0].ID != "conv-a" {
		t.Errorf("ListConversations()[0] = %q, want conv-a", list[0].ID)
	}
}

func testDelete(t *testing.T, s session.Store) {
	ctx := context.Background()
	create(t, s, "conv-del")
	create(t, s, "conv-keep")
	if _, err := s.AppendRecord(ctx, record("conv-del", 1, protocol.TypeUserMessage, protocol.UserMessagePayload{Content: "bye"})); err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}
	if _, _, err := s.Enqueue(ctx, "conv-del", session.QueuedMessage{Content: "queued"}, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := s.DeleteConversation(ctx, "conv-del"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, err := s.GetConversation(ctx, "conv-del"); !errors.Is(err, session.ErrConversationNotFound) {
		t.Errorf("GetConversation() after delete error = %v, want ErrConversationNotFound", err)
	}
	if err := s.DeleteConversation(ctx, "conv-del"); !errors.Is(err, session.ErrConversationNotFound) {
		t.Errorf("second DeleteConversation() error = %v, want ErrConversationNotFound", err)
	}
	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != "conv-keep" {
		t.Errorf("ListConversations() = %+v, want only conv-keep", list)
	}

	// the id can be reused and starts empty
	create(t, s, "conv-del")
	recs, err := s.ReadRecords(ctx, "conv-del", 0)
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("recreated conversation has %d records", len(recs))
	}
	if n, err := s.QueueLen(ctx, "conv-del"); err != nil || n != 0 {
		t.Errorf("QueueLen() = %d, %v; want 0", n, err)
	}
}

func testAppendAndRead(t *testing.T, s session.Store) {
	ctx := context.Background()
	create(t, s, "conv-1")

	texts := []string{"Hel", "lo", " world"}
	for i, text := range texts {
		rec, err := s.AppendRecord(ctx, record("conv-1", 2, protocol.TypeAssistantChunk, protocol.ChunkPayload{Content: text}))
		if err != nil {
			t.Fatalf("AppendRecord() error = %v", err)
		}
		if rec.Offset != int64(i+1) {
			t.Errorf("AppendRecord() offset = %d, want %d", rec.Offset, i+1)
		}
	}

	all, err := s.ReadRecords(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if len(all) != len(texts) {
		t.Fatalf("ReadRecords() = %d records, want %d", len(all), len(texts))
	}
	for i, rec := range all {
		var p protocol.ChunkPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			t.Fatalf("record %d payload: %v", i, err)
		}
		if p.Content != texts[i] {
			t.Errorf("record %d content = %q, want %q", i, p.Content, texts[i])
		}
		if rec.Type != protocol.TypeAssistantChunk || rec.TurnID == nil || *rec.TurnID != 2 {
			t.Errorf("record %d = %+v, want chunk of turn 2", i, rec)
		}
	}

	tail, err := s.ReadRecords(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("ReadRecords(after=2) error = %v", err)
	}
	if len(tail) != 1 || tail[0].Offset != 3 {
		t.Errorf("ReadRecords(after=2) = %+v, want the single record at offset 3", tail)
	}

	c, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if c.RecordCount != 3 {
		t.Errorf("RecordCount = %d, want 3", c.RecordCount)
	}
	if c.LastTurnID != 2 {
		t.Errorf("LastTurnID = %d, want 2", c.LastTurnID)
	}
}

func testReadTurn(t *testing.T, s session.Store) {
	ctx := context.Background()
	create(t, s, "conv-1")

	appends := []session.Record{
		record("conv-1", 1, protocol.TypeUserMessageAck, protocol.MessageAckPayload{Content: "hi"}),
		record("conv-1", 2, protocol.TypeAssistantChunk, protocol.ChunkPayload{Content: "a"}),
		record("conv-1", 3, protocol.TypeUserMessageAck, protocol.MessageAckPayload{Content: "again"}),
		record("conv-1", 2, protocol.TypeAssistantComplete, protocol.CompletePayload{StopReason: protocol.StopEndTurn}),
	}
	for _, rec := range appends {
		if _, err := s.AppendRecord(ctx, rec); err != nil {
			t.Fatalf("AppendRecord() error = %v", err)
		}
	}

	turn, err := s.ReadTurn(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("ReadTurn() error = %v", err)
	}
	if len(turn) != 2 {
		t.Fatalf("ReadTurn() = %d records, want 2", len(turn))
	}
	if turn[0].Type != protocol.TypeAssistantChunk || turn[1].Type != protocol.TypeAssistantComplete {
		t.Errorf("ReadTurn() types = [%s %s]", turn[0].Type, turn[1].Type)
	}
}

func testConcurrentAppend(t *testing.T, s session.Store) {
	ctx := context.Background()
	create(t, s, "conv-1")

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record("conv-1", 2, protocol.TypeAssistantChunk, protocol.ChunkPayload{Content: fmt.Sprint(i)})
			if _, err := s.AppendRecord(ctx, rec); err != nil {
				t.Errorf("AppendRecord() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, err := s.ReadRecords(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if len(all) != n {
		t.Fatalf("ReadRecords() = %d records, want %d", len(all), n)
	}
	for i, rec := range all {
		if rec.Offset != int64(i+1) {
			t.Errorf("record %d offset = %d, want %d", i, rec.Offset, i+1)
		}
	}
}

func testQueue(t *testing.T, s session.Store) {
	ctx := context.Background()
	create(t, s, "conv-1")

	if _, err := s.Dequeue(ctx, "conv-1"); !errors.Is(err, session.ErrQueueEmpty) {
		t.Fatalf("Dequeue() on empty queue error = %v, want ErrQueueEmpty", err)
	}

	for i, content := range []string{"first", "second"} {
		msg, pos, err := s.Enqueue(ctx, "conv-1", session.QueuedMessage{
			Content:  content,
			TempID:   "tmp-" + content,
			ClientID: "client-a",
			Metadata: map[string]any{"n": float64(i)},
		}, 0)
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if msg.ID == "" {
			t.Error("Enqueue() returned empty ID")
		}
		if pos != i+1 {
			t.Errorf("Enqueue() position = %d, want %d", pos, i+1)
		}
	}

	if n, err := s.QueueLen(ctx, "conv-1"); err != nil || n != 2 {
		t.Errorf("QueueLen() = %d, %v, want 2", n, err)
	}

	got, err := s.Dequeue(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got.Content != "first" || got.TempID != "tmp-first" || got.ClientID != "client-a" {
		t.Errorf("Dequeue() = %+v, want the first message", got)
	}
	if got.Metadata["n"] != float64(0) {
		t.Errorf("Dequeue() metadata = %v", got.Metadata)
	}
}

func testQueueFull(t *testing.T, s session.Store) {
	ctx := context.Background()
	create(t, s, "conv-1")

	if _, _, err := s.Enqueue(ctx, "conv-1", session.QueuedMessage{Content: "one"}, 1); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, _, err := s.Enqueue(ctx, "conv-1", session.QueuedMessage{Content: "two"}, 1); !errors.Is(err, session.ErrQueueFull) {
		t.Errorf("Enqueue() over limit error = %v, want ErrQueueFull", err)
	}
}
