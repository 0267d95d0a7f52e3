// Package redact masks secret-shaped values before they reach logs or
// event payloads. Redaction only changes what is externally observable;
// the values handed to containers are untouched.
package redact

import (
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Mask is the replacement written in place of a secret value.
const Mask = "***REDACTED***"

// DefaultMinLength is the shortest value treated as a secret. Shorter
// values are too likely to collide with ordinary text.
const DefaultMinLength = 8

// Redactor scrubs secret values, collected from environment variables
// whose names match configured glob patterns.
type Redactor struct {
	patterns  []string
	minLength int

	mu     sync.RWMutex
	values []string
}

// New creates a Redactor for the given secret-name glob patterns
// (e.g. "*_API_KEY", "*_TOKEN"). minLength <= 0 uses DefaultMinLength.
func New(patterns []string, minLength int) *Redactor {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return &Redactor{patterns: patterns, minLength: minLength}
}

// matches reports whether an env key names a secret.
func (r *Redactor) matches(key string) bool {
	upper := strings.ToUpper(key)
	for _, p := range r.patterns {
		if ok, err := doublestar.Match(strings.ToUpper(p), upper); err == nil && ok {
			return true
		}
	}
	return false
}

// Collect records secret values from KEY=VALUE env entries so that
// later Scrub calls can mask them wherever they appear. Safe for
// concurrent runs to call.
func (r *Redactor) Collect(env []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if len(value) < r.minLength {
			continue
		}
		if r.matches(key) {
			r.values = append(r.values, value)
		}
	}
}

// RedactEnv returns a copy of env with the values of secret-named keys
// masked. It also collects the original values for Scrub.
func (r *Redactor) RedactEnv(env []string) []string {
	r.Collect(env)
	out := make([]string, len(env))
	for i, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if ok && r.matches(key) && len(value) >= r.minLength {
			out[i] = key + "=" + Mask
		} else {
			out[i] = kv
		}
	}
	return out
}

// Scrub replaces every collected secret value occurring in text.
func (r *Redactor) Scrub(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.values {
		text = strings.ReplaceAll(text, v, Mask)
	}
	return text
}
