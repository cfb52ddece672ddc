package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/inercia/parley/internal/acp"
	"github.com/inercia/parley/internal/agent"
	"github.com/inercia/parley/internal/appdir"
	"github.com/inercia/parley/internal/config"
	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/session"
	"github.com/inercia/parley/internal/store/postgres"
	"github.com/inercia/parley/internal/store/sqlite"
)

// openStore opens the configured history backend. The returned function
// releases it. An exclusive file store locks its directory against a second
// server.
func openStore(ctx context.Context, c *config.Config, exclusive bool) (session.Store, func(), error) {
	switch c.Storage.Backend {
	case config.StorageSQLite:
		path := c.Storage.Path
		if path == "" {
			p, err := appdir.Path("parley.db")
			if err != nil {
				return nil, nil, err
			}
			path = p
		}
		st, err := sqlite.New(path, sqlite.WithLogger(logging.Store()))
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil

	case config.StoragePostgres:
		st, closePool, err := postgres.Open(ctx, c.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			_ = st.Close()
			closePool()
		}, nil

	default:
		dir := c.Storage.Path
		if dir == "" {
			d, err := appdir.ConversationsDir()
			if err != nil {
				return nil, nil, err
			}
			dir = d
		}
		var lock *session.DirLock
		if exclusive {
			l, err := session.AcquireLock(dir, session.DefaultStaleAfter, logging.Store())
			if err != nil {
				return nil, nil, err
			}
			lock = l
		}
		st, err := session.NewFileStore(dir)
		if err != nil {
			if lock != nil {
				_ = lock.Release()
			}
			return nil, nil, err
		}
		return st, func() {
			_ = st.Close()
			if lock != nil {
				_ = lock.Release()
			}
		}, nil
	}
}

// engineFactory builds the agent.Factory of the configured agent kind.
func engineFactory(c *config.Config) (agent.Factory, error) {
	switch c.Agent.Kind {
	case config.AgentScript:
		script, err := agent.LoadScript(c.Agent.Script)
		if err != nil {
			return nil, err
		}
		return func(string) (agent.Engine, error) { return script, nil }, nil

	case config.AgentACP:
		cwd := c.Agent.Cwd
		if cwd == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			cwd = wd
		}
		// validate the command once so a typo fails at startup
		if _, err := acp.ParseCommand(c.Agent.Command); err != nil {
			return nil, fmt.Errorf("invalid agent.command: %w", err)
		}
		return func(conversationID string) (agent.Engine, error) {
			return acp.New(acp.Config{
				Command:     c.Agent.Command,
				Cwd:         cwd,
				AutoApprove: c.Agent.AutoApprove,
				Logger:      logging.WithConversation(logging.Agent(), conversationID, ""),
			})
		}, nil

	default:
		return func(string) (agent.Engine, error) { return agent.Echo{}, nil }, nil
	}
}
