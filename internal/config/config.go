// Package config handles configuration loading and management for Parley.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Agent kinds.
const (
	AgentEcho   = "echo"
	AgentScript = "script"
	AgentACP    = "acp"
)

// ServerConfig configures the HTTP listener and WebSocket endpoint.
type ServerConfig struct {
	// Host is the listen address (default: 127.0.0.1).
	// Use "0.0.0.0" to listen on all interfaces.
	Host string `yaml:"host" toml:"host"`
	// Port is the listen port (default: 8080).
	Port int `yaml:"port" toml:"port"`
	// AllowedOrigins lists extra WebSocket origins besides same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	// MaxMessageSize is the inbound WebSocket read limit in bytes.
	MaxMessageSize int64 `yaml:"max_message_size" toml:"max_message_size"`
	// MaxConnectionsPerIP caps concurrent WebSocket connections per client IP.
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip" toml:"max_connections_per_ip"`
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
	// AccessLog is the connection access log file. Empty disables it.
	AccessLog string `yaml:"access_log" toml:"access_log"`
	// Guard blocks addresses that keep sending malformed or excess traffic.
	Guard GuardConfig `yaml:"guard" toml:"guard"`
	// Hooks are shell commands run around the server lifetime.
	Hooks HooksConfig `yaml:"hooks" toml:"hooks"`
}

// HookConfig is one lifecycle command. ${HOST}, ${PORT} and ${URL} are
// expanded in Command.
type HookConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Command string `yaml:"command" toml:"command"`
}

// HooksConfig holds the lifecycle hooks of "parley serve".
type HooksConfig struct {
	// Up starts once the server listens and is stopped on shutdown.
	Up HookConfig `yaml:"up" toml:"up"`
	// Down runs to completion after the server has stopped.
	Down HookConfig `yaml:"down" toml:"down"`
}

// GuardConfig configures abusive client blocking. Disabled by default.
type GuardConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Threshold is the offense score within Window that blocks an address.
	// A request for a scanner path scores 5, any other offense 1.
	Threshold     int           `yaml:"threshold" toml:"threshold"`
	Window        time.Duration `yaml:"window" toml:"window"`
	BlockDuration time.Duration `yaml:"block_duration" toml:"block_duration"`
	// Whitelist holds IPs or CIDRs never blocked (default: loopback).
	Whitelist []string `yaml:"whitelist" toml:"whitelist"`
	// Blocklist is the file the blocked addresses persist to. Empty keeps
	// them in memory only.
	Blocklist string `yaml:"blocklist" toml:"blocklist"`
}

// ProtocolConfig tunes the streaming protocol.
type ProtocolConfig struct {
	// Enabled gates the conversation WebSocket endpoint. Hot-reloadable.
	Enabled *bool `yaml:"enabled" toml:"enabled"`
	// HeartbeatInterval is advertised to clients in session.connected.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	// StreamRetention is the number of envelopes kept per client for replay.
	StreamRetention int `yaml:"stream_retention" toml:"stream_retention"`
	// StreamIdleExpiry is how long a disconnected client's stream survives.
	StreamIdleExpiry time.Duration `yaml:"stream_idle_expiry" toml:"stream_idle_expiry"`
	// ConversationIdleTimeout unloads a conversation with no client and no
	// running turn. Negative keeps conversations loaded.
	ConversationIdleTimeout time.Duration `yaml:"conversation_idle_timeout" toml:"conversation_idle_timeout"`
	// QueueLimit caps queued user messages per conversation (default 10,
	// negative = unlimited).
	QueueLimit int `yaml:"queue_limit" toml:"queue_limit"`
	// InboundRate is the sustained number of commands per second per connection.
	InboundRate float64 `yaml:"inbound_rate" toml:"inbound_rate"`
	// InboundBurst is the command burst allowed per connection.
	InboundBurst int `yaml:"inbound_burst" toml:"inbound_burst"`
}

// IsEnabled reports whether the endpoint is enabled (default true).
func (p ProtocolConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// StorageConfig selects the history backend.
type StorageConfig struct {
	// Backend is one of file, sqlite or postgres (default: file).
	Backend string `yaml:"backend" toml:"backend"`
	// Path is the directory (file) or database file (sqlite). Defaults live
	// under the data directory.
	Path string `yaml:"path" toml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" toml:"dsn"`
}

// AgentConfig selects the engine that produces assistant turns.
type AgentConfig struct {
	// Kind is one of echo, script or acp (default: echo).
	Kind string `yaml:"kind" toml:"kind"`
	// Name is reported in conversation metadata (default: Kind).
	Name string `yaml:"name" toml:"name"`
	// Command starts the ACP agent process.
	Command string `yaml:"command" toml:"command"`
	// Cwd is the working directory of the agent process.
	Cwd string `yaml:"cwd" toml:"cwd"`
	// AutoApprove answers permission requests without asking the user.
	AutoApprove bool `yaml:"auto_approve" toml:"auto_approve"`
	// Script is the step file of the script engine.
	Script string `yaml:"script" toml:"script"`
}

// ClientConfig tunes the reconnecting client.
type ClientConfig struct {
	BackoffMin time.Duration `yaml:"backoff_min" toml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max" toml:"backoff_max"`
}

// TelemetryConfig enables OpenTelemetry export. Endpoints and headers come
// from the standard OTEL_EXPORTER_OTLP_* environment variables.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// LogConfig configures logging. Level is hot-reloadable.
type LogConfig struct {
	Level      string   `yaml:"level" toml:"level"`
	File       string   `yaml:"file" toml:"file"`
	JSON       bool     `yaml:"json" toml:"json"`
	Components []string `yaml:"components" toml:"components"`
}

// Config represents the complete Parley configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Protocol  ProtocolConfig  `yaml:"protocol" toml:"protocol"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Client    ClientConfig    `yaml:"client" toml:"client"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	// Tasks are the tasks a new conversation may be linked to.
	Tasks []TaskConfig `yaml:"tasks" toml:"tasks"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = 1 << 20
	}
	if c.Server.MaxConnectionsPerIP == 0 {
		c.Server.MaxConnectionsPerIP = 16
	}
	if c.Server.Guard.Threshold == 0 {
		c.Server.Guard.Threshold = 50
	}
	if c.Server.Guard.Window == 0 {
		c.Server.Guard.Window = time.Minute
	}
	if c.Server.Guard.BlockDuration == 0 {
		c.Server.Guard.BlockDuration = time.Hour
	}
	if c.Server.Guard.Whitelist == nil {
		c.Server.Guard.Whitelist = []string{"127.0.0.0/8", "::1/128"}
	}
	if c.Protocol.HeartbeatInterval == 0 {
		c.Protocol.HeartbeatInterval = 30 * time.Second
	}
	if c.Protocol.StreamRetention == 0 {
		c.Protocol.StreamRetention = 4096
	}
	if c.Protocol.StreamIdleExpiry == 0 {
		c.Protocol.StreamIdleExpiry = 10 * time.Minute
	}
	if c.Protocol.ConversationIdleTimeout == 0 {
		c.Protocol.ConversationIdleTimeout = 15 * time.Minute
	}
	if c.Protocol.QueueLimit == 0 {
		c.Protocol.QueueLimit = 10
	}
	if c.Protocol.InboundRate == 0 {
		c.Protocol.InboundRate = 20
	}
	if c.Protocol.InboundBurst == 0 {
		c.Protocol.InboundBurst = 40
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageFile
	}
	if c.Agent.Kind == "" {
		c.Agent.Kind = AgentEcho
	}
	if c.Agent.Name == "" {
		c.Agent.Name = c.Agent.Kind
	}
	if c.Client.BackoffMin == 0 {
		c.Client.BackoffMin = 500 * time.Millisecond
	}
	if c.Client.BackoffMax == 0 {
		c.Client.BackoffMax = 30 * time.Second
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "parley"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageFile, StorageSQLite:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Agent.Kind {
	case AgentEcho:
	case AgentScript:
		if c.Agent.Script == "" {
			return fmt.Errorf("agent.script is required for the script agent")
		}
	case AgentACP:
		if strings.TrimSpace(c.Agent.Command) == "" {
			return fmt.Errorf("agent.command is required for the acp agent")
		}
	default:
		return fmt.Errorf("unknown agent kind %q", c.Agent.Kind)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Server.Guard.Threshold < 0 || c.Server.Guard.Window < 0 || c.Server.Guard.BlockDuration < 0 {
		return fmt.Errorf("server.guard thresholds and durations must not be negative")
	}
	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t.ID == "" {
			return fmt.Errorf("tasks[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tasks[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
	}
	if c.Client.BackoffMax < c.Client.BackoffMin {
		return fmt.Errorf("client.backoff_max must be at least client.backoff_min")
	}
	return nil
}

// Load reads and parses the configuration file at path. Files ending in .toml
// are parsed as TOML, everything else as YAML. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(&cfg)
}

// ParseTOML parses TOML configuration data.
func ParseTOML(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
