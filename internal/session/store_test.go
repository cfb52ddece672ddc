package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/session"
	"github.com/inercia/parley/internal/session/sessiontest"
)

func TestFileStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		s, err := session.NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStore failed: %v", err)
		}
		return s
	})
}

func TestFileStore_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := session.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.CreateConversation(ctx, session.Conversation{ID: "conv-1", State: protocol.StateActive}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, _, err := s.Enqueue(ctx, "conv-1", session.QueuedMessage{Content: "later"}, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for _, name := range []string{"metadata.json", "history.jsonl", "queue.json"} {
		if _, err := os.Stat(filepath.Join(dir, "conv-1", name)); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}
}

func TestFileStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := session.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := s.CreateConversation(ctx, session.Conversation{ID: "conv-1"}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	env, err := protocol.New(protocol.TypeAssistantChunk, "conv-1", protocol.ChunkPayload{Content: "kept"})
	if err != nil {
		t.Fatal(err)
	}
	env.TraceID = protocol.NewTraceID()
	if _, err := s.AppendRecord(ctx, session.RecordOf(env.WithTurn(2))); err != nil {
		t.Fatalf("AppendRecord failed: %v", err)
	}
	s.Close()

	if _, err := s.ReadRecords(ctx, "conv-1", 0); err != session.ErrStoreClosed {
		t.Errorf("ReadRecords on closed store error = %v, want ErrStoreClosed", err)
	}

	s2, err := session.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer s2.Close()
	recs, err := s2.ReadRecords(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("ReadRecords = %d, want 1", len(recs))
	}
	back := recs[0].Envelope()
	if turn, ok := back.Turn(); !ok || turn != 2 {
		t.Errorf("Envelope().Turn() = %d, %v, want 2", turn, ok)
	}
	if back.TraceID != env.TraceID {
		t.Errorf("trace id = %q, want %q", back.TraceID, env.TraceID)
	}
}

func TestFileStore_RejectsUnsafeIDs(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "conversations")
	s, err := session.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for _, id := range []string{"", ".", "..", "../escaped", "a/b", "/abs", "..%2Fescaped"} {
		t.Run(id, func(t *testing.T) {
			if err := s.CreateConversation(ctx, session.Conversation{ID: id}); !errors.Is(err, session.ErrInvalidConversationID) {
				t.Errorf("CreateConversation error = %v, want ErrInvalidConversationID", err)
			}
			if _, err := s.GetConversation(ctx, id); !errors.Is(err, session.ErrInvalidConversationID) {
				t.Errorf("GetConversation error = %v, want ErrInvalidConversationID", err)
			}
			if _, err := s.ReadRecords(ctx, id, 0); !errors.Is(err, session.ErrInvalidConversationID) {
				t.Errorf("ReadRecords error = %v, want ErrInvalidConversationID", err)
			}
			if _, err := s.AppendRecord(ctx, session.Record{ConversationID: id}); !errors.Is(err, session.ErrInvalidConversationID) {
				t.Errorf("AppendRecord error = %v, want ErrInvalidConversationID", err)
			}
			if err := s.DeleteConversation(ctx, id); !errors.Is(err, session.ErrInvalidConversationID) {
				t.Errorf("DeleteConversation error = %v, want ErrInvalidConversationID", err)
			}
			if _, err := s.QueueLen(ctx, id); !errors.Is(err, session.ErrInvalidConversationID) {
				t.Errorf("QueueLen error = %v, want ErrInvalidConversationID", err)
			}
		})
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "conversations" {
		t.Errorf("store wrote outside its directory: %v", entries)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("base directory removed: %v", err)
	}
}
