package acp

import (
	"fmt"

	"github.com/google/shlex"
)

// ParseCommand splits the configured agent command line with shell quoting
// rules, so "sh -c 'cd /dir && agent --acp'" yields three arguments.
func ParseCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}
