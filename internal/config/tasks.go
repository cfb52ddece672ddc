package config

import (
	"context"
	"fmt"

	"github.com/inercia/parley/internal/conversation"
	"github.com/inercia/parley/internal/session"
)

// TaskConfig describes a task conversations can be linked to with the
// task_id query parameter.
type TaskConfig struct {
	ID          string `yaml:"id" toml:"id"`
	Title       string `yaml:"title" toml:"title"`
	Description string `yaml:"description" toml:"description"`
}

// TaskList resolves tasks from the configuration.
type TaskList []TaskConfig

var _ conversation.TaskSource = TaskList(nil)

// Task implements conversation.TaskSource.
func (l TaskList) Task(_ context.Context, id string) (*session.Task, error) {
	for _, t := range l {
		if t.ID == id {
			return &session.Task{ID: t.ID, Title: t.Title, Description: t.Description}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", conversation.ErrUnknownTask, id)
}
