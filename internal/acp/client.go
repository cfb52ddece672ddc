// Package acp runs an external agent speaking the Agent Client Protocol as a
// conversation engine.
//
// The agent process is started lazily on the first turn and kept for the life
// of the conversation. Streaming session updates are translated into emitter
// calls; permission requests become input requests unless auto-approval is on.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/parley/internal/agent"
	"github.com/inercia/parley/internal/protocol"
)

// Client implements acp.Client and forwards agent activity to the emitter of
// the turn currently bound to it.
type Client struct {
	autoApprove bool
	fs          FileSystem
	logger      *slog.Logger

	mu      sync.Mutex
	emit    agent.Emitter
	turnCtx context.Context
	tools   map[string]string // tool call id -> title
}

var _ acp.Client = (*Client)(nil)

// NewClient creates a client. A nil fs allows any absolute path.
func NewClient(autoApprove bool, fs FileSystem, logger *slog.Logger) *Client {
	if fs == nil {
		fs = RootedFileSystem{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		autoApprove: autoApprove,
		fs:          fs,
		logger:      logger,
		tools:       make(map[string]string),
	}
}

// bind routes updates to emit until the returned function is called.
func (c *Client) bind(ctx context.Context, emit agent.Emitter) func() {
	c.mu.Lock()
	c.emit = emit
	c.turnCtx = ctx
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.emit = nil
		c.turnCtx = nil
		clear(c.tools)
		c.mu.Unlock()
	}
}

func (c *Client) current() (agent.Emitter, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emit, c.turnCtx
}

// RequestPermission asks the user through the bound turn, or auto-approves.
func (c *Client) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if c.autoApprove {
		return AutoApprovePermission(params.Options), nil
	}
	emit, turnCtx := c.current()
	if emit == nil {
		c.logger.Warn("permission requested outside a turn, cancelling")
		return CancelledPermissionResponse(), nil
	}

	req := permissionQuestion(params)
	ans, err := emit.RequestInput(turnCtx, req)
	if err != nil {
		c.logger.Debug("permission request not answered", "tool_call_id", req.ToolCallID, "error", err)
		return CancelledPermissionResponse(), nil
	}
	return permissionAnswer(params.Options, ans.Text), nil
}

// SessionUpdate translates streaming updates into emitter calls.
func (c *Client) SessionUpdate(ctx context.Context, params acp.SessionNotification) error {
	emit, _ := c.current()
	if emit == nil {
		c.logger.Debug("dropping session update outside a turn")
		return nil
	}

	u := params.Update
	switch {
	case u.AgentMessageChunk != nil:
		if t := u.AgentMessageChunk.Content.Text; t != nil {
			emit.Chunk(t.Text)
		}

	case u.AgentThoughtChunk != nil:
		if t := u.AgentThoughtChunk.Content.Text; t != nil {
			emit.Thinking(t.Text, "")
		}

	case u.ToolCall != nil:
		id := string(u.ToolCall.ToolCallId)
		c.mu.Lock()
		c.tools[id] = u.ToolCall.Title
		c.mu.Unlock()
		emit.ToolCall(agent.ToolCall{
			ID:        id,
			Name:      u.ToolCall.Title,
			Arguments: rawJSON(u.ToolCall.RawInput),
			Status:    toolStatus(string(u.ToolCall.Status)),
		})

	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.Status == nil {
			return nil
		}
		id := string(u.ToolCallUpdate.ToolCallId)
		status := toolStatus(string(*u.ToolCallUpdate.Status))
		if status.Terminal() {
			emit.ToolResult(agent.ToolResult{ToolID: id, IsError: status == protocol.ToolFailed})
			return nil
		}
		c.mu.Lock()
		name := c.tools[id]
		c.mu.Unlock()
		emit.ToolCall(agent.ToolCall{ID: id, Name: name, Status: status})

	case u.Plan != nil:
		emit.SystemEvent("plan", "plan updated")
	}
	return nil
}

func toolStatus(s string) protocol.ToolStatus {
	switch s {
	case "completed":
		return protocol.ToolCompleted
	case "failed":
		return protocol.ToolFailed
	default:
		return protocol.ToolRunning
	}
}

func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// WriteTextFile handles file write requests from the agent.
func (c *Client) WriteTextFile(ctx context.Context, params acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if err := c.fs.WriteTextFile(params.Path, params.Content); err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	c.logger.Debug("agent wrote file", "path", params.Path, "bytes", len(params.Content))
	return acp.WriteTextFileResponse{}, nil
}

// ReadTextFile handles file read requests from the agent.
func (c *Client) ReadTextFile(ctx context.Context, params acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	content, err := c.fs.ReadTextFile(params.Path, params.Line, params.Limit)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	c.logger.Debug("agent read file", "path", params.Path, "bytes", len(content))
	return acp.ReadTextFileResponse{Content: content}, nil
}

var errNoTerminal = errors.New("terminals are not supported")
