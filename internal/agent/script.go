package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/parley/internal/protocol"
)

// Step is one scripted engine action. Exactly one field should be set.
//
// Text fields may reference the user's message as {input} and the most recent
// answer as {answer}.
type Step struct {
	Chunk    string        `yaml:"chunk,omitempty"`
	Thinking *ThinkingStep `yaml:"thinking,omitempty"`
	Tool     *ToolStep     `yaml:"tool,omitempty"`
	Result   *ResultStep   `yaml:"result,omitempty"`
	Ask      *AskStep      `yaml:"ask,omitempty"`
	System   string        `yaml:"system,omitempty"`
	Sleep    time.Duration `yaml:"sleep,omitempty"`
	// Fail ends the turn with an error carrying this message.
	Fail string `yaml:"fail,omitempty"`
	// Block waits until the turn is cancelled.
	Block bool `yaml:"block,omitempty"`
}

// ThinkingStep emits a reasoning fragment.
type ThinkingStep struct {
	Text      string `yaml:"text"`
	Signature string `yaml:"signature,omitempty"`
}

// ToolStep starts a tool invocation.
type ToolStep struct {
	ID   string         `yaml:"id"`
	Name string         `yaml:"name"`
	Args map[string]any `yaml:"args,omitempty"`
}

// ResultStep finishes a tool invocation.
type ResultStep struct {
	ID    string `yaml:"id"`
	Text  string `yaml:"text,omitempty"`
	Error bool   `yaml:"error,omitempty"`
}

// AskStep requests input from the user. When the timeout passes the script
// continues with an empty answer.
type AskStep struct {
	ID       string        `yaml:"id,omitempty"`
	Question string        `yaml:"question"`
	Options  []string      `yaml:"options,omitempty"`
	Required bool          `yaml:"required,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	ToolID   string        `yaml:"tool_id,omitempty"`
}

// Script is a deterministic engine that plays back the same steps on every
// turn. It drives tests and demos.
type Script struct {
	Steps []Step `yaml:"steps"`
	// Now is used to compute ask deadlines; defaults to time.Now.
	Now func() time.Time `yaml:"-"`
}

var _ Engine = (*Script)(nil)

// LoadScript reads a YAML step file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("script %s has no steps", path)
	}
	return &s, nil
}

// Run implements Engine.
func (s *Script) Run(ctx context.Context, turn Turn, emit Emitter) error {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	answer := ""
	expand := func(text string) string {
		return strings.NewReplacer("{input}", turn.Content, "{answer}", answer).Replace(text)
	}

	for i, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case step.Chunk != "":
			emit.Chunk(expand(step.Chunk))

		case step.Thinking != nil:
			emit.Thinking(expand(step.Thinking.Text), step.Thinking.Signature)

		case step.Tool != nil:
			var args json.RawMessage
			if step.Tool.Args != nil {
				data, err := json.Marshal(step.Tool.Args)
				if err != nil {
					return fmt.Errorf("step %d: encode tool args: %w", i, err)
				}
				args = data
			}
			emit.ToolCall(ToolCall{
				ID:        step.Tool.ID,
				Name:      step.Tool.Name,
				Arguments: args,
				Status:    protocol.ToolRunning,
			})

		case step.Result != nil:
			result, _ := json.Marshal(expand(step.Result.Text))
			emit.ToolResult(ToolResult{
				ToolID:  step.Result.ID,
				IsError: step.Result.Error,
				Result:  result,
			})

		case step.Ask != nil:
			req := InputRequest{
				QuestionID: step.Ask.ID,
				Question:   expand(step.Ask.Question),
				Options:    step.Ask.Options,
				Required:   step.Ask.Required,
				ToolCallID: step.Ask.ToolID,
			}
			if step.Ask.Timeout > 0 {
				req.Deadline = now().Add(step.Ask.Timeout)
			}
			ans, err := emit.RequestInput(ctx, req)
			switch {
			case errors.Is(err, ErrInputExpired):
				answer = ""
			case err != nil:
				return err
			default:
				answer = ans.Text
			}

		case step.System != "":
			emit.SystemEvent("info", expand(step.System))

		case step.Sleep > 0:
			t := time.NewTimer(step.Sleep)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}

		case step.Fail != "":
			return errors.New(expand(step.Fail))

		case step.Block:
			<-ctx.Done()
			return ctx.Err()
		}
	}
	return nil
}

// Close implements Engine.
func (s *Script) Close() error { return nil }
