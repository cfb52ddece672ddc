package acp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/parley/internal/agent"
	"github.com/inercia/parley/internal/logging"
)

// DefaultCancelGrace is how long Run waits for the agent to acknowledge a
// cancellation before giving up on the prompt.
const DefaultCancelGrace = 5 * time.Second

var errEngineClosed = errors.New("agent engine closed")

// Config configures an ACP engine.
type Config struct {
	// Command is the agent command line, parsed with shell quoting rules.
	Command string
	// Cwd is the agent's working directory and session root.
	Cwd         string
	AutoApprove bool
	// FileSystem serves agent file requests. Defaults to a RootedFileSystem
	// confined to Cwd.
	FileSystem  FileSystem
	CancelGrace time.Duration
	Logger      *slog.Logger
}

// Engine is an agent.Engine backed by an ACP agent process.
type Engine struct {
	cfg    Config
	args   []string
	logger *slog.Logger
	client *Client

	mu      sync.Mutex
	cmd     *exec.Cmd
	stop    context.CancelFunc
	conn    *acp.ClientSideConnection
	session *acp.NewSessionResponse
	closed  bool
}

var _ agent.Engine = (*Engine)(nil)

// New validates the configuration. The agent process starts on the first Run.
func New(cfg Config) (*Engine, error) {
	args, err := ParseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Agent()
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.FileSystem == nil {
		cfg.FileSystem = RootedFileSystem{Root: cfg.Cwd}
	}
	return &Engine{
		cfg:    cfg,
		args:   args,
		logger: cfg.Logger,
		client: NewClient(cfg.AutoApprove, cfg.FileSystem, cfg.Logger),
	}, nil
}

// Run sends the turn as a prompt and streams the agent's updates to emit.
// Cancelling ctx sends a cancel notification and waits up to the grace
// period for the agent to stop.
func (e *Engine) Run(ctx context.Context, turn agent.Turn, emit agent.Emitter) error {
	conn, sess, err := e.ensureStarted(ctx)
	if err != nil {
		return err
	}
	unbind := e.client.bind(ctx, emit)
	defer unbind()

	done := make(chan error, 1)
	go func() {
		_, err := conn.Prompt(context.WithoutCancel(ctx), acp.PromptRequest{
			SessionId: sess.SessionId,
			Prompt:    promptBlocks(turn),
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("prompt failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		if err := conn.Cancel(context.WithoutCancel(ctx), acp.CancelNotification{SessionId: sess.SessionId}); err != nil {
			e.logger.Warn("failed to send cancel to agent", "error", err)
		}
		t := time.NewTimer(e.cfg.CancelGrace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			e.logger.Warn("agent did not stop after cancel", "grace", e.cfg.CancelGrace)
		}
		return ctx.Err()
	}
}

func promptBlocks(turn agent.Turn) []acp.ContentBlock {
	blocks := make([]acp.ContentBlock, 0, 2)
	if turn.Task != nil {
		text := "Task: " + turn.Task.Title
		if turn.Task.Description != "" {
			text += "\n\n" + turn.Task.Description
		}
		blocks = append(blocks, acp.TextBlock(text))
	}
	return append(blocks, acp.TextBlock(turn.Content))
}

// ensureStarted starts the agent process and opens a session, restarting the
// process if a previous one exited.
func (e *Engine) ensureStarted(ctx context.Context) (*acp.ClientSideConnection, *acp.NewSessionResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, errEngineClosed
	}
	if e.conn != nil {
		select {
		case <-e.conn.Done():
			e.logger.Warn("agent process exited, restarting")
			e.terminateLocked()
		default:
			return e.conn, e.session, nil
		}
	}

	procCtx, stop := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, e.args[0], e.args[1:]...)
	cmd.Dir = e.cfg.Cwd
	cmd.Stderr = &stderrLog{logger: e.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("stdin pipe error: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stop()
		return nil, nil, fmt.Errorf("failed to start agent %q: %w", e.args[0], err)
	}
	e.cmd, e.stop = cmd, stop

	conn := acp.NewClientSideConnection(e.client, stdin, newLineFilter(stdout, e.logger))
	conn.SetLogger(logging.DowngradeInfoToDebug(e.logger))
	e.conn = conn

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		e.terminateLocked()
		return nil, nil, fmt.Errorf("initialize error: %w", err)
	}

	cwd := e.cfg.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	sess, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: cwd, McpServers: []acp.McpServer{}})
	if err != nil {
		e.terminateLocked()
		return nil, nil, fmt.Errorf("new session error: %w", err)
	}
	e.session = &sess

	e.logger.Info("agent session started",
		"command", e.args[0],
		"protocol_version", initResp.ProtocolVersion,
		"agent_session", sess.SessionId)
	return e.conn, e.session, nil
}

func (e *Engine) terminateLocked() {
	if e.stop != nil {
		e.stop()
	}
	if e.cmd != nil {
		if e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		_ = e.cmd.Wait()
	}
	e.cmd, e.stop, e.conn, e.session = nil, nil, nil, nil
}

// Close terminates the agent process.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.terminateLocked()
	return nil
}

// stderrLog forwards the agent's stderr lines to the logger.
type stderrLog struct {
	logger *slog.Logger
	buf    bytes.Buffer
}

func (w *stderrLog) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Write(line)
			return len(p), nil
		}
		if s := bytes.TrimSpace(line); len(s) > 0 {
			w.logger.Debug("agent stderr", "line", string(s))
		}
	}
}
