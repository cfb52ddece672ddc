package appdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir_EnvOverride(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	customDir := t.TempDir()
	t.Setenv(DirEnv, customDir)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if dir != customDir {
		t.Errorf("Dir() = %q, want %q", dir, customDir)
	}
}

func TestDir_DefaultPath(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)
	t.Setenv(DirEnv, "")

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if !strings.Contains(strings.ToLower(dir), "parley") {
		t.Errorf("Dir() = %q, expected path to contain 'parley'", dir)
	}
}

func TestDir_Cached(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	first := t.TempDir()
	t.Setenv(DirEnv, first)
	if _, err := Dir(); err != nil {
		t.Fatal(err)
	}
	os.Setenv(DirEnv, t.TempDir())
	if dir, _ := Dir(); dir != first {
		t.Errorf("Dir() = %q after env change, want cached %q", dir, first)
	}
}

func TestEnsureDir(t *testing.T) {
	ResetCache()
	t.Cleanup(ResetCache)

	tmpDir := filepath.Join(t.TempDir(), "parley-test")
	t.Setenv(DirEnv, tmpDir)

	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ConversationsDirName)); err != nil {
		t.Errorf("conversations directory not created: %v", err)
	}

	path, err := SettingsPath()
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(tmpDir, SettingsFileName) {
		t.Errorf("SettingsPath() = %q", path)
	}
}
