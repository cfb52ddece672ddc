// Package appdir locates the Parley data directory, which holds the settings
// file, the conversation store and the log file.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv is the environment variable that overrides the data directory.
	DirEnv = "PARLEY_DIR"

	// SettingsFileName is the name of the settings file.
	SettingsFileName = "settings.yaml"

	// ConversationsDirName is the subdirectory of the file store.
	ConversationsDirName = "conversations"

	// DatabaseFileName is the SQLite database used by the sqlite backend.
	DatabaseFileName = "parley.db"

	// LogFileName is the default rotating log file.
	LogFileName = "parley.log"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory path:
//  1. PARLEY_DIR (if set)
//  2. macOS: ~/Library/Application Support/Parley
//  3. Windows: %APPDATA%\Parley
//  4. otherwise: $XDG_DATA_HOME/parley or ~/.local/share/parley
//
// It does not create the directory; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}
	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "Parley"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Parley"), nil
	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "parley"), nil
	}
}

// EnsureDir creates the data directory and its conversations subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	convDir := filepath.Join(dir, ConversationsDirName)
	if err := os.MkdirAll(convDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", convDir, err)
	}
	return nil
}

// Path joins name onto the data directory.
func Path(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// SettingsPath returns the default settings file path.
func SettingsPath() (string, error) { return Path(SettingsFileName) }

// ConversationsDir returns the file store directory.
func ConversationsDir() (string, error) { return Path(ConversationsDirName) }

// ResetCache clears the cached directory path. Used by tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
