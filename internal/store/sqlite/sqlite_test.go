package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/session"
	"github.com/inercia/parley/internal/session/sessiontest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func TestStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		return newTestStore(t)
	})
}

func TestStore_InitIdempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init failed: %v", err)
	}
}

func TestStore_NullTurn(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateConversation(ctx, session.Conversation{ID: "conv-1", State: protocol.StateActive}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	env, err := protocol.New(protocol.TypeSessionSystemEvent, "conv-1", protocol.SystemEventPayload{Kind: "info", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	env.TraceID = protocol.NewTraceID()
	if _, err := s.AppendRecord(ctx, session.RecordOf(env)); err != nil {
		t.Fatalf("AppendRecord failed: %v", err)
	}

	recs, err := s.ReadRecords(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("ReadRecords = %d, want 1", len(recs))
	}
	if recs[0].TurnID != nil {
		t.Errorf("TurnID = %d, want nil", *recs[0].TurnID)
	}
	if !recs[0].Timestamp.Equal(env.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", recs[0].Timestamp, env.Timestamp)
	}
}
