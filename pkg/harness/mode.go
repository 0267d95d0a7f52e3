package harness

import (
	"os"
	"strings"

	"github.com/gantrylabs/gantry/pkg/types"
)

// EnvModeOverride forces an execution mode for every run on this node.
const EnvModeOverride = "GANTRY_EXECUTION_MODE"

// readOnlySystemPrompt is attached to plan and review runs. The adapter
// passes it to the underlying tool, which must not mutate the workspace.
const readOnlySystemPrompt = "You are operating in read-only analysis mode. " +
	"Do not create, modify or delete any files, and do not execute shell commands. " +
	"Produce your findings as text output only."

// Policy is the effective execution restriction for a run.
type Policy struct {
	Mode                 types.ExecutionMode
	SystemPromptOverride string
	DenyFileEdits        bool
	DenyShell            bool
	PermissionRules      []string // tool-facing deny rules, passed through
}

// ResolveMode picks the effective mode: an environment override wins,
// then the explicit request field, then free-text hints in the command.
func ResolveMode(req *types.RunRequest) types.ExecutionMode {
	if env := os.Getenv(EnvModeOverride); env != "" {
		if mode, ok := parseMode(env); ok {
			return mode
		}
	}
	if mode, ok := parseMode(string(req.Mode)); ok {
		return mode
	}

	command := strings.ToLower(req.Command)
	if strings.Contains(command, "review") {
		return types.ModeReview
	}
	if strings.Contains(command, "plan") {
		return types.ModePlan
	}
	return types.ModeDefault
}

func parseMode(s string) (types.ExecutionMode, bool) {
	switch types.ExecutionMode(strings.ToLower(strings.TrimSpace(s))) {
	case types.ModeDefault:
		return types.ModeDefault, true
	case types.ModePlan:
		return types.ModePlan, true
	case types.ModeReview:
		return types.ModeReview, true
	default:
		return "", false
	}
}

// PolicyFor returns the restriction set for a mode. Plan and review get
// a fixed read-only system prompt and deny-all mutation rules; default
// mode applies no restriction.
func PolicyFor(mode types.ExecutionMode) Policy {
	switch mode {
	case types.ModePlan, types.ModeReview:
		return Policy{
			Mode:                 mode,
			SystemPromptOverride: readOnlySystemPrompt,
			DenyFileEdits:        true,
			DenyShell:            true,
			PermissionRules: []string{
				"deny:file.write",
				"deny:file.delete",
				"deny:shell.exec",
			},
		}
	default:
		return Policy{Mode: types.ModeDefault}
	}
}
