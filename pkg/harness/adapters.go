package harness

import (
	"fmt"

	"github.com/gantrylabs/gantry/pkg/types"
)

// CodexSpec drives the codex CLI in non-interactive JSON mode.
func CodexSpec() CommandSpec {
	return CommandSpec{
		Name:   "codex",
		Binary: "codex",
		BuildArgs: func(req *types.RunRequest, policy Policy) []string {
			args := []string{"exec", "--json", "--skip-git-repo-check"}
			if policy.DenyFileEdits {
				args = append(args, "--sandbox", "read-only")
			} else {
				args = append(args, "--sandbox", "workspace-write")
			}
			if req.SessionID != "" {
				args = append(args, "--session", req.SessionID)
			}
			args = append(args, promptFor(req, policy))
			return args
		},
		ExtraEnv: func(req *types.RunRequest, policy Policy) []string {
			return []string{"CODEX_NONINTERACTIVE=1"}
		},
	}
}

// ClaudeCodeSpec drives the claude CLI in print mode.
func ClaudeCodeSpec() CommandSpec {
	return CommandSpec{
		Name:   "claude-code",
		Binary: "claude",
		BuildArgs: func(req *types.RunRequest, policy Policy) []string {
			args := []string{"-p", "--output-format", "stream-json", "--verbose"}
			if policy.SystemPromptOverride != "" {
				args = append(args, "--append-system-prompt", policy.SystemPromptOverride)
			}
			for _, rule := range policy.PermissionRules {
				args = append(args, "--disallowedTools", rule)
			}
			if req.SessionID != "" {
				args = append(args, "--resume", req.SessionID)
			}
			args = append(args, promptFor(req, policy))
			return args
		},
	}
}

// promptFor joins instructions, policy prompt and the user prompt into
// the single prompt argument command harnesses expect.
func promptFor(req *types.RunRequest, policy Policy) string {
	prompt := req.Prompt
	if prompt == "" {
		prompt = req.Command
	}
	if req.Instructions != "" {
		prompt = req.Instructions + "\n\n" + prompt
	}
	if policy.SystemPromptOverride != "" {
		prompt = policy.SystemPromptOverride + "\n\n" + prompt
	}
	for _, att := range req.Attachments {
		prompt += fmt.Sprintf("\n[attachment %s: %s]", att.Name, att.Path)
	}
	return prompt
}

// DefaultFactory registers the supported harness adapters: codex and
// claude-code over stdio, opencode over HTTP+SSE. codex falls back to
// claude-code when unavailable.
func DefaultFactory(opencodeBaseURL string) *Factory {
	f := NewFactory()
	f.Register(NewCommandRuntime(CodexSpec()), KindCommand, "claude-code",
		"codex-cli", "openai-codex")
	f.Register(NewCommandRuntime(ClaudeCodeSpec()), KindCommand, "",
		"claude", "claudecode", "claude code")
	f.Register(NewOpenCodeRuntime(opencodeBaseURL), KindService, "",
		"open-code", "open code")
	return f
}
