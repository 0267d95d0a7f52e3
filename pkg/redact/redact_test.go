package redact

import (
	"strings"
	"testing"
)

func TestRedactEnvMasksSecretKeys(t *testing.T) {
	r := New([]string{"*_API_KEY", "*_TOKEN"}, 0)

	env := []string{
		"CODEX_API_KEY=sk-secret-12345",
		"GITHUB_TOKEN=ghp_abcdef123456",
		"PATH=/usr/bin",
	}

	out := r.RedactEnv(env)

	if out[0] != "CODEX_API_KEY="+Mask {
		t.Errorf("api key not masked: %q", out[0])
	}
	if out[1] != "GITHUB_TOKEN="+Mask {
		t.Errorf("token not masked: %q", out[1])
	}
	if out[2] != "PATH=/usr/bin" {
		t.Errorf("non-secret altered: %q", out[2])
	}
	// Original slice untouched.
	if env[0] != "CODEX_API_KEY=sk-secret-12345" {
		t.Error("input env mutated")
	}
}

func TestScrubReplacesLiteralValues(t *testing.T) {
	r := New([]string{"*_API_KEY"}, 0)
	r.Collect([]string{"CODEX_API_KEY=sk-secret-12345"})

	text := "auth failed for key sk-secret-12345 (retrying)"
	scrubbed := r.Scrub(text)

	if strings.Contains(scrubbed, "sk-secret-12345") {
		t.Errorf("secret value leaked: %q", scrubbed)
	}
	if !strings.Contains(scrubbed, Mask) {
		t.Errorf("mask missing: %q", scrubbed)
	}
}

func TestShortValuesLeftAlone(t *testing.T) {
	r := New([]string{"*_TOKEN"}, 0)

	env := []string{"X_TOKEN=abc"}
	out := r.RedactEnv(env)

	if out[0] != "X_TOKEN=abc" {
		t.Errorf("short value should not be redacted: %q", out[0])
	}
	if got := r.Scrub("abc is fine"); got != "abc is fine" {
		t.Errorf("short value scrubbed: %q", got)
	}
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	r := New([]string{"*_token"}, 0)
	out := r.RedactEnv([]string{"MY_TOKEN=supersecretvalue"})
	if out[0] != "MY_TOKEN="+Mask {
		t.Errorf("case-insensitive match failed: %q", out[0])
	}
}
