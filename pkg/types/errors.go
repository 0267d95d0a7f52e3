package types

import "time"

// FailureClass is the closed taxonomy every run failure resolves to.
// Classification never fails: anything unmatched is FailureUnknown.
type FailureClass string

const (
	FailureAuthentication    FailureClass = "authentication_error"
	FailureTimeout           FailureClass = "timeout"
	FailureResourceExhausted FailureClass = "resource_exhausted"
	FailureRateLimited       FailureClass = "rate_limit_exceeded"
	FailureInvalidInput      FailureClass = "invalid_input"
	FailureConfiguration     FailureClass = "configuration_error"
	FailureNetwork           FailureClass = "network_error"
	FailurePermissionDenied  FailureClass = "permission_denied"
	FailureNotFound          FailureClass = "not_found"
	FailureInternal          FailureClass = "internal_error"
	FailureUnknown           FailureClass = "unknown"
)

// Retryable reports whether a failure of this class is worth retrying
// at the control-plane layer.
func (c FailureClass) Retryable() bool {
	switch c {
	case FailureTimeout, FailureResourceExhausted, FailureRateLimited,
		FailureNetwork, FailureInternal:
		return true
	default:
		return false
	}
}

// SuggestedBackoff returns the recommended delay before a retry. Zero
// for non-retryable classes.
func (c FailureClass) SuggestedBackoff() time.Duration {
	switch c {
	case FailureRateLimited:
		return 60 * time.Second
	case FailureResourceExhausted:
		return 30 * time.Second
	case FailureTimeout, FailureNetwork:
		return 10 * time.Second
	case FailureInternal:
		return 5 * time.Second
	default:
		return 0
	}
}

// Remediation returns at least one human-readable hint for a failure of
// this class.
func (c FailureClass) Remediation() []string {
	switch c {
	case FailureAuthentication:
		return []string{"verify the harness API key or credentials configured for this node"}
	case FailureTimeout:
		return []string{"increase the run timeout or split the task into smaller steps"}
	case FailureResourceExhausted:
		return []string{"raise the run's resource limits or reduce concurrent slots"}
	case FailureRateLimited:
		return []string{"wait for the provider rate limit window to reset before retrying"}
	case FailureInvalidInput:
		return []string{"check the prompt, command and attachments for malformed input"}
	case FailureConfiguration:
		return []string{"review node configuration (image allow-list, harness mapping, workspace root)"}
	case FailureNetwork:
		return []string{"check network connectivity from the node to the harness endpoint"}
	case FailurePermissionDenied:
		return []string{"the selected execution mode denies this operation; rerun in default mode"}
	case FailureNotFound:
		return []string{"verify the referenced resource (session, file, model) exists"}
	case FailureInternal:
		return []string{"retry the run; inspect node logs if the failure persists"}
	default:
		return []string{"inspect the run's diagnostic events for details"}
	}
}
