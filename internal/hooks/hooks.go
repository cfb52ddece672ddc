// Package hooks runs the server lifecycle hooks: shell commands started when
// the conversation server is listening (up) and run when it stops (down).
// Commands see ${HOST}, ${PORT} and ${URL} expanded, and the same values in
// PARLEY_HOST, PARLEY_PORT and PARLEY_URL.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Hook is one configured command.
type Hook struct {
	Name    string
	Command string
}

// Vars are the values a hook command can reference.
type Vars struct {
	Host string
	Port int
}

// URL returns the base URL of the server.
func (v Vars) URL() string {
	return fmt.Sprintf("http://%s:%d", v.Host, v.Port)
}

func (v Vars) expand(command string) string {
	return strings.NewReplacer(
		"${HOST}", v.Host,
		"${PORT}", fmt.Sprint(v.Port),
		"${URL}", v.URL(),
	).Replace(command)
}

func (v Vars) env() []string {
	return append(os.Environ(),
		"PARLEY_HOST="+v.Host,
		fmt.Sprintf("PARLEY_PORT=%d", v.Port),
		"PARLEY_URL="+v.URL(),
	)
}

func (h Hook) name(def string) string {
	if h.Name != "" {
		return h.Name
	}
	return def
}

func (h Hook) command(v Vars, out io.Writer) *exec.Cmd {
	cmd := exec.Command("sh", "-c", v.expand(h.Command))
	cmd.Env = v.env()
	cmd.Stdout = out
	cmd.Stderr = out
	// own process group so Stop reaches the children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Process is a running up hook.
type Process struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger
	done   chan struct{}

	mu       sync.Mutex
	err      error
	stopping bool
}

// Start launches an up hook without waiting for it. A hook with no command
// returns a nil Process, which is safe to Stop.
func Start(h Hook, v Vars, out io.Writer, logger *slog.Logger) (*Process, error) {
	if strings.TrimSpace(h.Command) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Process{
		name:   h.name("up"),
		cmd:    h.command(v, out),
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start hook %s: %w", p.name, err)
	}
	logger.Info("hook started", "hook", p.name, "pid", p.cmd.Process.Pid, "port", v.Port)

	go func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		p.err = err
		stopping := p.stopping
		p.mu.Unlock()
		close(p.done)
		switch {
		case err == nil:
			logger.Info("hook exited", "hook", p.name)
		case stopping:
			logger.Debug("hook stopped", "hook", p.name)
		default:
			logger.Warn("hook failed", "hook", p.name, "error", err)
		}
	}()
	return p, nil
}

// Done is closed when the hook process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop terminates the hook's process group, escalating to SIGKILL after
// grace, and waits for it to exit.
func (p *Process) Stop(grace time.Duration) {
	if p == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-p.done
	}
}

// Run executes a down hook and waits for it, up to ctx.
func Run(ctx context.Context, h Hook, v Vars, out io.Writer, logger *slog.Logger) error {
	if strings.TrimSpace(h.Command) == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	name := h.name("down")
	cmd := h.command(v, out)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start hook %s: %w", name, err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waitErr
		err = ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("hook %s exited with code %d", name, exitErr.ExitCode())
		}
		logger.Warn("hook failed", "hook", name, "error", err)
		return err
	}
	logger.Info("hook completed", "hook", name)
	return nil
}
