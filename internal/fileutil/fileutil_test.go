package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testData struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		wantName  string
		wantValue int
	}{
		{name: "valid JSON", content: `{"name": "test", "value": 42}`, wantName: "test", wantValue: 42},
		{name: "invalid JSON", content: `{"name": "test", invalid}`, wantErr: true},
		{name: "empty object", content: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write test file: %v", err)
			}

			var data testData
			err := ReadJSON(path, &data)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if data.Name != tt.wantName || data.Value != tt.wantValue {
				t.Errorf("got %+v, want name=%q value=%d", data, tt.wantName, tt.wantValue)
			}
		})
	}
}

func TestReadJSON_NotExist(t *testing.T) {
	var data testData
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &data)
	if !os.IsNotExist(err) {
		t.Errorf("ReadJSON() error = %v, want not-exist", err)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	if err := WriteJSONAtomic(path, testData{Name: "first", Value: 1}, 0644); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}
	if err := WriteJSONAtomic(path, testData{Name: "second", Value: 2}, 0644); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}

	var got testData
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Name != "second" || got.Value != 2 {
		t.Errorf("got %+v, want second/2", got)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestAppendJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.jsonl")

	if err := AppendJSONLine(path, testData{Name: "x"}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("AppendJSONLine on missing file error = %v, want ErrNotExist", err)
	}

	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := AppendJSONLine(path, testData{Name: "x", Value: i}); err != nil {
			t.Fatalf("AppendJSONLine failed: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[2] != `{"name":"x","value":2}` {
		t.Errorf("last line = %s", lines[2])
	}
}
