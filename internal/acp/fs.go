package acp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSystem serves the agent's text file requests.
type FileSystem interface {
	// ReadTextFile returns the file content. line is 1-based; limit caps the
	// number of lines returned. Either may be nil.
	ReadTextFile(path string, line, limit *int) (string, error)
	WriteTextFile(path, content string) error
}

// RootedFileSystem confines agent file access to Root. An empty Root allows
// any absolute path.
type RootedFileSystem struct {
	Root string
}

var _ FileSystem = RootedFileSystem{}

func (fs RootedFileSystem) check(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	clean := filepath.Clean(path)
	if fs.Root == "" {
		return clean, nil
	}
	rel, err := filepath.Rel(filepath.Clean(fs.Root), clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside %s", path, fs.Root)
	}
	return clean, nil
}

// ReadTextFile implements FileSystem.
func (fs RootedFileSystem) ReadTextFile(path string, line, limit *int) (string, error) {
	p, err := fs.check(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	if line == nil && limit == nil {
		return string(data), nil
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if line != nil && *line > 1 {
		start = min(*line-1, len(lines))
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// WriteTextFile implements FileSystem. Parent directories are created.
func (fs RootedFileSystem) WriteTextFile(path, content string) error {
	p, err := fs.check(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(p), err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
