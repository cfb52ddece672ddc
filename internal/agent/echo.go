package agent

import (
	"context"
	"strings"
)

// Echo repeats the user's message back, one word per chunk.
type Echo struct{}

var _ Engine = Echo{}

// Run implements Engine.
func (Echo) Run(ctx context.Context, turn Turn, emit Emitter) error {
	if turn.Task != nil {
		emit.SystemEvent("task", "working on "+turn.Task.Title)
	}
	words := strings.SplitAfter(turn.Content, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w != "" {
			emit.Chunk(w)
		}
	}
	return nil
}

// Close implements Engine.
func (Echo) Close() error { return nil }
