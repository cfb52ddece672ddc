// Package logging provides centralized logging configuration for Parley.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// globalLogger is the application-wide logger
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// consoleLevel and fileLevel can be changed at runtime by SetLevel.
	consoleLevel = new(slog.LevelVar)
	fileLevel    = new(slog.LevelVar)

	// logWriter holds the rotating log file writer (if any) for cleanup
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex

	// allowedComponents stores the set of components to log (empty means all)
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// FileLogConfig holds configuration for file-based logging with rotation.
type FileLogConfig struct {
	// Path is the file path for the log file.
	// Empty string disables file logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 3
	MaxBackups int

	Compress bool
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level for console output (debug, info, warn, error)
	Level string
	// FileLevel is the minimum log level for file output. If empty, defaults to Level.
	FileLevel string
	// FileLog enables rotating file output in addition to the console.
	FileLog *FileLogConfig
	// JSON enables JSON output format
	JSON bool
	// Components is a list of component names to include in logs (empty means all)
	Components []string
	// Output overrides the console writer (os.Stderr by default).
	Output io.Writer
}

// Initialize sets up the global logger with the given configuration.
func Initialize(cfg Config) error {
	consoleLevel.Set(ParseLevel(cfg.Level))
	if cfg.FileLevel != "" {
		fileLevel.Set(ParseLevel(cfg.FileLevel))
	} else {
		fileLevel.Set(consoleLevel.Level())
	}
	SetComponents(cfg.Components)

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}

	var fileWriter io.Writer
	if cfg.FileLog != nil && cfg.FileLog.Path != "" {
		maxSize := cfg.FileLog.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.FileLog.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.FileLog.Path,
			MaxSize:    maxSize, // megabytes
			MaxBackups: maxBackups,
			Compress:   cfg.FileLog.Compress,
		}
		logWriter = lj
		fileWriter = lj
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	createHandler := func(w io.Writer, level slog.Leveler) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	var handler slog.Handler = createHandler(out, consoleLevel)
	if fileWriter != nil {
		handler = &multiHandler{handlers: []slog.Handler{handler, createHandler(fileWriter, fileLevel)}}
	}
	logger := slog.New(&traceHandler{inner: handler})

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// SetLevel changes the console and file level of the running logger.
func SetLevel(level string) {
	l := ParseLevel(level)
	consoleLevel.Set(l)
	fileLevel.Set(l)
}

// Level returns the current console level.
func Level() slog.Level {
	return consoleLevel.Level()
}

// SetComponents restricts logging to the named components. An empty list
// enables every component.
func SetComponents(components []string) {
	componentsMu.Lock()
	defer componentsMu.Unlock()
	if len(components) == 0 {
		allowedComponents = nil
		return
	}
	allowedComponents = make(map[string]bool, len(components))
	for _, c := range components {
		allowedComponents[c] = true
	}
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// traceHandler adds the trace id of the active span, if any, to records
// logged with a context.
type traceHandler struct {
	inner slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
	}
	return h.inner.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{inner: h.inner.WithGroup(name)}
}

// Get returns the global logger.
// If Initialize hasn't been called, returns slog.Default().
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close cleans up logging resources (closes the log file if open).
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		err := logWriter.Close()
		logWriter = nil
		return err
	}
	return nil
}

// ParseLevel converts a string level to slog.Level. Unknown levels map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()

	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler wraps a slog.Handler and filters based on component.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !isComponentAllowed(h.component) {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithAttrs(attrs),
		component: h.component,
	}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithGroup(name),
		component: h.component,
	}
}

// WithComponent returns a logger with a component attribute.
// If component filtering is enabled and this component is not in the allowed list,
// the returned logger discards everything.
func WithComponent(component string) *slog.Logger {
	base := Get()
	handler := &componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	}
	return slog.New(handler)
}

// Web returns a logger for the HTTP and WebSocket layer.
func Web() *slog.Logger { return WithComponent("web") }

// Conversation returns a logger for the conversation engine.
func Conversation() *slog.Logger { return WithComponent("conversation") }

// Client returns a logger for the client side of the protocol.
func Client() *slog.Logger { return WithComponent("client") }

// Store returns a logger for history persistence.
func Store() *slog.Logger { return WithComponent("store") }

// Agent returns a logger for agent engines.
func Agent() *slog.Logger { return WithComponent("agent") }

// Shutdown returns a logger for shutdown events.
func Shutdown() *slog.Logger { return WithComponent("shutdown") }

// WithConversation returns a child logger that includes the conversation and
// client ids in every message.
func WithConversation(base *slog.Logger, conversationID, clientID string) *slog.Logger {
	if base == nil {
		return nil
	}
	if clientID == "" {
		return base.With("conversation_id", conversationID)
	}
	return base.With(
		"conversation_id", conversationID,
		"client_id", clientID,
	)
}

// DowngradeInfoToDebug returns a logger that downgrades INFO messages to DEBUG level.
// acp-go-sdk logs routine connection events at INFO.
func DowngradeInfoToDebug(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	return slog.New(&downgradeHandler{inner: logger.Handler()})
}

// downgradeHandler wraps a slog.Handler and downgrades INFO to DEBUG.
type downgradeHandler struct {
	inner slog.Handler
}

func (h *downgradeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level == slog.LevelInfo {
		return h.inner.Enabled(ctx, slog.LevelDebug)
	}
	return h.inner.Enabled(ctx, level)
}

func (h *downgradeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level == slog.LevelInfo {
		newRecord := slog.NewRecord(r.Time, slog.LevelDebug, r.Message, r.PC)
		r.Attrs(func(a slog.Attr) bool {
			newRecord.AddAttrs(a)
			return true
		})
		return h.inner.Handle(ctx, newRecord)
	}
	return h.inner.Handle(ctx, r)
}

func (h *downgradeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &downgradeHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *downgradeHandler) WithGroup(name string) slog.Handler {
	return &downgradeHandler{inner: h.inner.WithGroup(name)}
}
