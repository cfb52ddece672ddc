package acp

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
)

const maxAgentLine = 10 * 1024 * 1024

// lineFilter passes through lines that look like JSON-RPC messages and drops
// everything else. Agents that crash tend to paint terminal UI on stdout,
// which would otherwise poison the JSON-RPC stream.
type lineFilter struct {
	sc      *bufio.Scanner
	logger  *slog.Logger
	pending bytes.Buffer
}

func newLineFilter(r io.Reader, logger *slog.Logger) *lineFilter {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxAgentLine)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &lineFilter{sc: sc, logger: logger}
}

func (f *lineFilter) Read(p []byte) (int, error) {
	for f.pending.Len() == 0 {
		if !f.sc.Scan() {
			if err := f.sc.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		line := bytes.TrimSpace(f.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			f.logger.Debug("discarding non-JSON agent output", "line", truncate(line, 120), "length", len(line))
			continue
		}
		f.pending.Write(line)
		f.pending.WriteByte('\n')
	}
	return f.pending.Read(p)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
