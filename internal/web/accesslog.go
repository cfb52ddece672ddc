// Package web serves the conversation protocol over WebSocket.
package web

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AccessLogConfig configures the connection access log.
type AccessLogConfig struct {
	// Path is the log file. Empty disables access logging.
	Path string
	// MaxSizeMB is the size that triggers rotation (default 10).
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept (default 1).
	MaxBackups int
}

// AccessLogger records connection lifecycle events, one line each, to a
// rotating file. A nil AccessLogger discards everything.
type AccessLogger struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// AccessEvent is one access log line.
type AccessEvent struct {
	Event          string
	ClientIP       string
	ConversationID string
	ClientID       string
	Codec          string
	Reason         string
	Duration       time.Duration
}

// NewAccessLogger returns nil when config.Path is empty.
func NewAccessLogger(config AccessLogConfig) *AccessLogger {
	if config.Path == "" {
		return nil
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 10
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 1
	}
	return &AccessLogger{
		writer: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
		},
	}
}

// Write appends ev.
func (a *AccessLogger) Write(ev AccessEvent) {
	if a == nil {
		return
	}
	line := fmt.Sprintf("%s event=%s ip=%s conversation=%q client=%q codec=%s",
		time.Now().UTC().Format(time.RFC3339), ev.Event, ev.ClientIP, ev.ConversationID, ev.ClientID, ev.Codec)
	if ev.Duration > 0 {
		line += fmt.Sprintf(" duration=%s", ev.Duration.Round(time.Millisecond))
	}
	if ev.Reason != "" {
		line += fmt.Sprintf(" reason=%q", ev.Reason)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = io.WriteString(a.writer, line+"\n")
}

// Close closes the log file.
func (a *AccessLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writer.Close()
}
