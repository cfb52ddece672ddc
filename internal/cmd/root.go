// Package cmd provides the CLI commands for Parley.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/parley/internal/appdir"
	"github.com/inercia/parley/internal/config"
	"github.com/inercia/parley/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// resolvedConfigPath is the file cfg was loaded from, watched by serve.
	resolvedConfigPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - resumable conversation streaming for coding agents",
	Long: `Parley streams agent conversations to any number of clients over
WebSocket. Clients that drop their connection resume from the last
envelope they applied; the server keeps every conversation's history.

Run "parley serve" to start a server and "parley chat" to talk to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Parley directory: %w", err)
		}

		resolvedConfigPath = configPath
		if resolvedConfigPath == "" {
			p, err := appdir.SettingsPath()
			if err != nil {
				return err
			}
			resolvedConfigPath = p
		}
		var err error
		cfg, err = config.Load(resolvedConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", resolvedConfigPath, err)
		}

		// Priority: --log-level flag > --debug flag > config > default (info)
		effectiveLogLevel := cfg.Log.Level
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		components := cfg.Log.Components
		if logComponents != "" {
			components = nil
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}
		file := cfg.Log.File
		if logFile != "" {
			file = logFile
		}
		var fileLog *logging.FileLogConfig
		if file != "" {
			fileLog = &logging.FileLogConfig{Path: file}
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			FileLog:    fileLog,
			JSON:       cfg.Log.JSON,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (YAML, or TOML when it ends in .toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'web,conversation,client'). Empty means all components.")
}

// levelPinned reports whether the log level came from a flag, in which case
// config reloads leave it alone.
func levelPinned() bool {
	return logLevel != "" || debug
}
