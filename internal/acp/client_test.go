package acp

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/parley/internal/agent"
	"github.com/inercia/parley/internal/protocol"
)

type fakeEmitter struct {
	mu      sync.Mutex
	chunks  []string
	thought []string
	calls   []agent.ToolCall
	results []agent.ToolResult
	system  []string
	asked   []agent.InputRequest
	answer  string
	err     error
}

func (f *fakeEmitter) Chunk(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, text)
}

func (f *fakeEmitter) Thinking(text, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thought = append(f.thought, text)
}

func (f *fakeEmitter) ToolCall(c agent.ToolCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeEmitter) ToolResult(r agent.ToolResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
}

func (f *fakeEmitter) SystemEvent(kind, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = append(f.system, kind+":"+msg)
}

func (f *fakeEmitter) RequestInput(ctx context.Context, req agent.InputRequest) (agent.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, req)
	if f.err != nil {
		return agent.Answer{}, f.err
	}
	return agent.Answer{QuestionID: req.QuestionID, Text: f.answer}, nil
}

func permissionOptions() []acp.PermissionOption {
	return []acp.PermissionOption{
		{OptionId: "deny", Name: "Deny", Kind: acp.PermissionOptionKindRejectOnce},
		{OptionId: "allow-once", Name: "Allow once", Kind: acp.PermissionOptionKindAllowOnce},
		{OptionId: "allow-always", Name: "Allow always", Kind: acp.PermissionOptionKindAllowAlways},
	}
}

func TestClient_SessionUpdate(t *testing.T) {
	c := NewClient(false, nil, nil)
	emit := &fakeEmitter{}
	unbind := c.bind(context.Background(), emit)
	ctx := context.Background()

	updates := []acp.SessionUpdate{
		{AgentThoughtChunk: &acp.SessionUpdateAgentThoughtChunk{
			Content: acp.ContentBlock{Text: &acp.ContentBlockText{Text: "let me look"}},
		}},
		{AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{
			Content: acp.ContentBlock{Text: &acp.ContentBlockText{Text: "Reading"}},
		}},
		{ToolCall: &acp.SessionUpdateToolCall{
			ToolCallId: "tool-1",
			Title:      "Read file",
			Status:     acp.ToolCallStatusInProgress,
			RawInput:   map[string]any{"path": "/tmp/x"},
		}},
	}
	for _, u := range updates {
		if err := c.SessionUpdate(ctx, acp.SessionNotification{Update: u}); err != nil {
			t.Fatalf("SessionUpdate failed: %v", err)
		}
	}
	status := acp.ToolCallStatusCompleted
	if err := c.SessionUpdate(ctx, acp.SessionNotification{Update: acp.SessionUpdate{
		ToolCallUpdate: &acp.SessionToolCallUpdate{ToolCallId: "tool-1", Status: &status},
	}}); err != nil {
		t.Fatalf("SessionUpdate failed: %v", err)
	}

	if len(emit.thought) != 1 || emit.thought[0] != "let me look" {
		t.Errorf("thinking = %q", emit.thought)
	}
	if len(emit.chunks) != 1 || emit.chunks[0] != "Reading" {
		t.Errorf("chunks = %q", emit.chunks)
	}
	if len(emit.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(emit.calls))
	}
	call := emit.calls[0]
	if call.ID != "tool-1" || call.Name != "Read file" || call.Status != protocol.ToolRunning {
		t.Errorf("tool call = %+v", call)
	}
	if string(call.Arguments) != `{"path":"/tmp/x"}` {
		t.Errorf("arguments = %s", call.Arguments)
	}
	if len(emit.results) != 1 || emit.results[0].ToolID != "tool-1" || emit.results[0].IsError {
		t.Errorf("results = %+v", emit.results)
	}

	// Updates after the turn are dropped.
	unbind()
	_ = c.SessionUpdate(ctx, acp.SessionNotification{Update: updates[1]})
	if len(emit.chunks) != 1 {
		t.Errorf("chunk delivered after unbind: %q", emit.chunks)
	}
}

func TestClient_ToolCallUpdateFailed(t *testing.T) {
	c := NewClient(false, nil, nil)
	emit := &fakeEmitter{}
	defer c.bind(context.Background(), emit)()

	status := acp.ToolCallStatus("failed")
	_ = c.SessionUpdate(context.Background(), acp.SessionNotification{Update: acp.SessionUpdate{
		ToolCallUpdate: &acp.SessionToolCallUpdate{ToolCallId: "tool-9", Status: &status},
	}})
	if len(emit.results) != 1 || !emit.results[0].IsError {
		t.Errorf("results = %+v, want one failed result", emit.results)
	}
}

func TestClient_RequestPermission(t *testing.T) {
	title := "Run tests"
	params := acp.RequestPermissionRequest{Options: permissionOptions()}
	params.ToolCall.Title = &title
	params.ToolCall.ToolCallId = "tool-7"

	t.Run("auto approve", func(t *testing.T) {
		c := NewClient(true, nil, nil)
		resp, err := c.RequestPermission(context.Background(), params)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "allow-once" {
			t.Errorf("outcome = %+v, want allow-once", resp.Outcome)
		}
	})

	t.Run("asks the user", func(t *testing.T) {
		c := NewClient(false, nil, nil)
		emit := &fakeEmitter{answer: "allow always"}
		defer c.bind(context.Background(), emit)()

		resp, err := c.RequestPermission(context.Background(), params)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "allow-always" {
			t.Errorf("outcome = %+v, want allow-always", resp.Outcome)
		}
		if len(emit.asked) != 1 {
			t.Fatalf("asked %d questions", len(emit.asked))
		}
		q := emit.asked[0]
		if q.Question != "Allow Run tests?" || q.ToolCallID != "tool-7" || len(q.Options) != 3 || !q.Required {
			t.Errorf("question = %+v", q)
		}
	})

	t.Run("unanswered cancels", func(t *testing.T) {
		c := NewClient(false, nil, nil)
		defer c.bind(context.Background(), &fakeEmitter{err: agent.ErrInputExpired})()

		resp, err := c.RequestPermission(context.Background(), params)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Outcome.Cancelled == nil {
			t.Errorf("outcome = %+v, want cancelled", resp.Outcome)
		}
	})

	t.Run("outside a turn", func(t *testing.T) {
		c := NewClient(false, nil, nil)
		resp, _ := c.RequestPermission(context.Background(), params)
		if resp.Outcome.Cancelled == nil {
			t.Errorf("outcome = %+v, want cancelled", resp.Outcome)
		}
	})
}

func TestAutoApprovePermission(t *testing.T) {
	resp := AutoApprovePermission([]acp.PermissionOption{
		{OptionId: "first", Name: "First", Kind: acp.PermissionOptionKindRejectOnce},
		{OptionId: "second", Name: "Second", Kind: acp.PermissionOptionKindRejectOnce},
	})
	if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "first" {
		t.Errorf("outcome = %+v, want first", resp.Outcome)
	}
	if AutoApprovePermission(nil).Outcome.Cancelled == nil {
		t.Error("no options should cancel")
	}
}

func TestPermissionAnswer(t *testing.T) {
	opts := permissionOptions()
	tests := []struct {
		answer string
		want   string
	}{
		{"Deny", "deny"},
		{"  allow ONCE ", "allow-once"},
		{"allow-always", "allow-always"},
		{"maybe", ""},
	}
	for _, tt := range tests {
		resp := permissionAnswer(opts, tt.answer)
		if tt.want == "" {
			if resp.Outcome.Cancelled == nil {
				t.Errorf("answer %q: want cancelled", tt.answer)
			}
			continue
		}
		if resp.Outcome.Selected == nil || string(resp.Outcome.Selected.OptionId) != tt.want {
			t.Errorf("answer %q: outcome = %+v, want %s", tt.answer, resp.Outcome, tt.want)
		}
	}
}

func TestRootedFileSystem(t *testing.T) {
	root := t.TempDir()
	fs := RootedFileSystem{Root: root}
	path := filepath.Join(root, "sub", "notes.txt")

	if err := fs.WriteTextFile(path, "one\ntwo\nthree\nfour"); err != nil {
		t.Fatalf("WriteTextFile failed: %v", err)
	}
	got, err := fs.ReadTextFile(path, nil, nil)
	if err != nil || got != "one\ntwo\nthree\nfour" {
		t.Fatalf("ReadTextFile = %q, %v", got, err)
	}

	line, limit := 2, 2
	got, err = fs.ReadTextFile(path, &line, &limit)
	if err != nil || got != "two\nthree" {
		t.Errorf("ReadTextFile(line=2, limit=2) = %q, %v", got, err)
	}

	if _, err := fs.ReadTextFile("relative.txt", nil, nil); err == nil {
		t.Error("relative path accepted")
	}
	outside := filepath.Join(filepath.Dir(root), "escape.txt")
	if err := fs.WriteTextFile(outside, "x"); err == nil {
		t.Error("write outside root accepted")
	}
	if _, err := os.Stat(outside); !errors.Is(err, os.ErrNotExist) {
		t.Error("file outside root was created")
	}
}

func TestClient_ReadWriteTextFile(t *testing.T) {
	root := t.TempDir()
	c := NewClient(false, RootedFileSystem{Root: root}, nil)
	path := filepath.Join(root, "a.txt")

	if _, err := c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{Path: path, Content: "hello"}); err != nil {
		t.Fatalf("WriteTextFile failed: %v", err)
	}
	resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: path})
	if err != nil || resp.Content != "hello" {
		t.Errorf("ReadTextFile = %q, %v", resp.Content, err)
	}
	if _, err := c.CreateTerminal(context.Background(), acp.CreateTerminalRequest{}); err == nil {
		t.Error("CreateTerminal should fail")
	}
}

func TestLineFilter(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"initialize"}
` + "\x1b[?1004h\x1b[>1u" + `
 ╭────────────╮
 │ Oops!      │
 ╰────────────╯

   {"jsonrpc":"2.0","result":null}
`
	want := `{"jsonrpc":"2.0","method":"initialize"}
{"jsonrpc":"2.0","result":null}
`
	out, err := io.ReadAll(newLineFilter(strings.NewReader(input), nil))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(out) != want {
		t.Errorf("filtered = %q, want %q", out, want)
	}
}

func TestLineFilter_SmallReads(t *testing.T) {
	f := newLineFilter(strings.NewReader("{\"a\":1}\n"), nil)
	var got []byte
	buf := make([]byte, 3)
	for {
		n, err := f.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if string(got) != "{\"a\":1}\n" {
		t.Errorf("got %q", got)
	}
}

func TestEngine_New(t *testing.T) {
	if _, err := New(Config{Command: ""}); err == nil {
		t.Error("New accepted an empty command")
	}
	e, err := New(Config{Command: "/nonexistent/agent --acp", CancelGrace: time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Close()

	err = e.Run(context.Background(), agent.Turn{Content: "hi"}, &fakeEmitter{})
	if err == nil || !strings.Contains(err.Error(), "failed to start agent") {
		t.Errorf("Run error = %v, want start failure", err)
	}
}

func TestEngine_RunAfterClose(t *testing.T) {
	e, err := New(Config{Command: "agent"})
	if err != nil {
		t.Fatal(err)
	}
	e.Close()
	if err := e.Run(context.Background(), agent.Turn{}, &fakeEmitter{}); !errors.Is(err, errEngineClosed) {
		t.Errorf("Run error = %v, want errEngineClosed", err)
	}
}

func TestPromptBlocks(t *testing.T) {
	blocks := promptBlocks(agent.Turn{Content: "go", Task: &agent.Task{Title: "Ship", Description: "release v2"}})
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	if blocks[0].Text == nil || blocks[0].Text.Text != "Task: Ship\n\nrelease v2" {
		t.Errorf("task block = %+v", blocks[0])
	}
	if blocks[1].Text == nil || blocks[1].Text.Text != "go" {
		t.Errorf("content block = %+v", blocks[1])
	}
}
