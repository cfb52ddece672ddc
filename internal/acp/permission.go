package acp

import (
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/parley/internal/agent"
)

// AutoApprovePermission picks an allow option when one exists, otherwise the
// first option. Without options the request is cancelled.
func AutoApprovePermission(options []acp.PermissionOption) acp.RequestPermissionResponse {
	for _, opt := range options {
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			return selected(opt)
		}
	}
	if len(options) > 0 {
		return selected(options[0])
	}
	return CancelledPermissionResponse()
}

// CancelledPermissionResponse returns a cancelled permission outcome.
func CancelledPermissionResponse() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

func selected(opt acp.PermissionOption) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: opt.OptionId},
		},
	}
}

// permissionQuestion turns a permission request into a question for the user.
// The option names become the allowed answers.
func permissionQuestion(params acp.RequestPermissionRequest) agent.InputRequest {
	title := "the requested action"
	if params.ToolCall.Title != nil && *params.ToolCall.Title != "" {
		title = *params.ToolCall.Title
	}
	options := make([]string, 0, len(params.Options))
	for _, opt := range params.Options {
		options = append(options, opt.Name)
	}
	return agent.InputRequest{
		Question:   "Allow " + title + "?",
		Options:    options,
		Required:   true,
		ToolCallID: string(params.ToolCall.ToolCallId),
	}
}

// permissionAnswer maps the user's answer back to a permission option,
// matching either the option name or its id. Unmatched answers cancel.
func permissionAnswer(options []acp.PermissionOption, answer string) acp.RequestPermissionResponse {
	answer = strings.TrimSpace(answer)
	for _, opt := range options {
		if strings.EqualFold(opt.Name, answer) || string(opt.OptionId) == answer {
			return selected(opt)
		}
	}
	return CancelledPermissionResponse()
}
