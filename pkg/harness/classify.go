package harness

import (
	"strings"

	"github.com/gantrylabs/gantry/pkg/types"
)

// classifierRule maps substrings of a lower-cased error text to a
// failure class. First match wins.
type classifierRule struct {
	class    types.FailureClass
	patterns []string
}

// Harness-specific vocabularies, checked before the generic table.
var harnessRules = map[string][]classifierRule{
	"codex": {
		{types.FailureRateLimited, []string{"usage limit reached", "usage_limit_reached"}},
		{types.FailureAuthentication, []string{"login required", "not logged in"}},
		{types.FailureNetwork, []string{"stream disconnected", "stream error"}},
		{types.FailureResourceExhausted, []string{"context window exceeded"}},
	},
	"claudecode": {
		{types.FailureResourceExhausted, []string{"credit balance", "prompt is too long"}},
		{types.FailureRateLimited, []string{"overloaded_error", "overloaded"}},
		{types.FailureAuthentication, []string{"invalid x-api-key", "oauth token has expired"}},
	},
	"opencode": {
		{types.FailureNotFound, []string{"session not found", "no such session"}},
		{types.FailureNetwork, []string{"event stream closed", "sse connect"}},
		{types.FailureInvalidInput, []string{"unknown message part"}},
	},
}

var genericRules = []classifierRule{
	{types.FailureAuthentication, []string{"unauthorized", "authentication", "invalid api key", "api key not", "401"}},
	{types.FailureRateLimited, []string{"rate limit", "too many requests", "429"}},
	{types.FailureTimeout, []string{"timed out", "timeout", "deadline exceeded"}},
	{types.FailureResourceExhausted, []string{"out of memory", "quota exceeded", "resource exhausted", "disk full", "no space left"}},
	{types.FailurePermissionDenied, []string{"permission denied", "forbidden", "operation not permitted", "403"}},
	{types.FailureNotFound, []string{"not found", "no such file", "does not exist", "404"}},
	{types.FailureInvalidInput, []string{"invalid argument", "invalid input", "bad request", "malformed", "400"}},
	{types.FailureConfiguration, []string{"allow-list", "unknown flag", "missing configuration", "misconfigured", "config"}},
	{types.FailureNetwork, []string{"connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe", "eof"}},
	{types.FailureInternal, []string{"internal error", "internal server error", "panic", "500"}},
}

// Classify resolves an error text to a failure class. Harness-specific
// rules run before the generic table; anything unmatched is unknown.
// Classification never fails.
func Classify(harnessName, errText string) types.FailureClass {
	text := strings.ToLower(errText)
	if text == "" {
		return types.FailureUnknown
	}

	if rules, ok := harnessRules[normalizeName(harnessName)]; ok {
		if class, ok := match(rules, text); ok {
			return class
		}
	}
	if class, ok := match(genericRules, text); ok {
		return class
	}
	return types.FailureUnknown
}

func match(rules []classifierRule, text string) (types.FailureClass, bool) {
	for _, rule := range rules {
		for _, p := range rule.patterns {
			if strings.Contains(text, p) {
				return rule.class, true
			}
		}
	}
	return types.FailureUnknown, false
}
