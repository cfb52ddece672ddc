package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/parley/internal/config"
	"github.com/inercia/parley/internal/conversation"
	"github.com/inercia/parley/internal/guard"
	"github.com/inercia/parley/internal/hooks"
	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/sequencer"
	"github.com/inercia/parley/internal/telemetry"
	"github.com/inercia/parley/internal/web"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversation server",
	Long: `Start the HTTP server that streams conversations over WebSocket.

Clients connect to /api/conversations/{id}/ws?client_id=...&last_sequence=...
The protocol.enabled setting and the log level are reloaded when the
configuration file changes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", -1, "Listen port, 0 for a random one (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		i, shutdown, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		inst = i
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	store, closeStore, err := openStore(ctx, cfg, true)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	defer closeStore()

	engines, err := engineFactory(cfg)
	if err != nil {
		return err
	}

	registry := sequencer.NewRegistry(sequencer.Config{
		Retention:  cfg.Protocol.StreamRetention,
		IdleExpiry: cfg.Protocol.StreamIdleExpiry,
	}, logging.Conversation())
	go registry.Run(ctx)

	manager := conversation.NewManager(store, registry, engines, conversation.Options{
		QueueLimit:        cfg.Protocol.QueueLimit,
		HeartbeatInterval: cfg.Protocol.HeartbeatInterval,
		IdleTimeout:       cfg.Protocol.ConversationIdleTimeout,
		AgentName:         cfg.Agent.Name,
		Tasks:             config.TaskList(cfg.Tasks),
		Instruments:       inst,
	})
	defer func() {
		if err := manager.Close(); err != nil {
			logging.Shutdown().Warn("failed to close conversations", "error", err)
		}
	}()

	go manager.Run(ctx)

	if n, err := manager.ProcessPendingQueues(ctx); err != nil {
		logger.Warn("failed to resume queued messages", "error", err)
	} else if n > 0 {
		logger.Info("resumed queued messages", "conversations", n)
	}

	gc := cfg.Server.Guard
	abuse := guard.New(guard.Config{
		Enabled:       gc.Enabled,
		Threshold:     gc.Threshold,
		Window:        gc.Window,
		BlockDuration: gc.BlockDuration,
		Whitelist:     gc.Whitelist,
		PersistPath:   gc.Blocklist,
	}, logging.WithComponent("guard"))
	defer abuse.Close()

	security := web.DefaultSecurityConfig()
	security.AllowedOrigins = cfg.Server.AllowedOrigins
	security.MaxMessageSize = cfg.Server.MaxMessageSize
	security.MaxConnectionsPerIP = cfg.Server.MaxConnectionsPerIP
	srv, err := web.NewServer(web.Config{
		Manager:        manager,
		Security:       security,
		RateLimit:      web.DefaultRateLimitConfig(),
		CommandRate:    cfg.Protocol.InboundRate,
		CommandBurst:   cfg.Protocol.InboundBurst,
		TrustedProxies: cfg.Server.TrustedProxies,
		AccessLog:      web.AccessLogConfig{Path: cfg.Server.AccessLog},
		Guard:          abuse,
		Disabled:       !cfg.Protocol.IsEnabled(),
	})
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(resolvedConfigPath, func(next *config.Config) {
		srv.SetEnabled(next.Protocol.IsEnabled())
		if !levelPinned() {
			logging.SetLevel(next.Log.Level)
		}
	}, logging.WithComponent("config"))
	if err != nil {
		logger.Warn("config reload disabled", "path", resolvedConfigPath, "error", err)
	} else {
		watcher.Start()
		defer watcher.Close()
	}

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort >= 0 {
		port = servePort
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on %s:%d: %w", host, port, err)
	}

	listener = srv.Listen(listener)

	fmt.Printf("🚀 Parley listening on http://%s\n", listener.Addr())
	fmt.Printf("   Storage: %s, agent: %s, protocol enabled: %v\n", cfg.Storage.Backend, cfg.Agent.Kind, srv.Enabled())
	fmt.Printf("\n   Press Ctrl+C to stop\n\n")

	tcp, _ := listener.Addr().(*net.TCPAddr)
	vars := hooks.Vars{Host: localHost(host), Port: port}
	if tcp != nil {
		vars.Port = tcp.Port
	}
	hookLogger := logging.WithComponent("hooks")
	up, err := hooks.Start(hooks.Hook(cfg.Server.Hooks.Up), vars, os.Stdout, hookLogger)
	if err != nil {
		logger.Warn("up hook not started", "error", err)
	}
	defer func() {
		up.Stop(5 * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = hooks.Run(ctx, hooks.Hook(cfg.Server.Hooks.Down), vars, os.Stdout, hookLogger)
	}()

	go func() {
		<-ctx.Done()
		fmt.Println("\n👋 Shutting down...")
		if err := srv.Shutdown(); err != nil {
			logging.Shutdown().Warn("server shutdown failed", "error", err)
		}
	}()

	if err := srv.Serve(listener); err != nil && !srv.IsShutdown() {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
