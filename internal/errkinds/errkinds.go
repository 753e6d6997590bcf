// Package errkinds implements MCPMark's ErrorPolicy: a taxonomy of error
// kinds carrying an explicit retryability flag, plus a conservative
// substring classifier for errors that cross a process boundary (verifier
// stderr, MCP server stderr) and so cannot carry a typed kind.
package errkinds

import "strings"

// Kind categorises a failure for retry and reporting purposes.
type Kind string

const (
	ConfigurationError     Kind = "configuration_error"
	LLMRateLimitError      Kind = "llm_rate_limit_error"
	LLMTransientError      Kind = "llm_transient_error"
	LLMQuotaExceeded       Kind = "llm_quota_exceeded"
	LLMContextWindowError  Kind = "llm_context_window_exceeded"
	MCPServiceUnavailable  Kind = "mcp_service_unavailable"
	MCPServiceTimeout      Kind = "mcp_service_timeout"
	MCPServiceAuthentication Kind = "mcp_service_authentication"
	StateSetupError        Kind = "state_setup_error"
	StateDuplicationError  Kind = "state_duplication_error"
	StateCleanupError      Kind = "state_cleanup_error"
	TaskVerificationError  Kind = "task_verification_error"
	AgentTimeout           Kind = "agent_timeout"
	Unknown                Kind = "unknown"
)

// retryable mirrors the spec's §7 taxonomy table.
var retryable = map[Kind]bool{
	ConfigurationError:       false,
	LLMRateLimitError:        true,
	LLMTransientError:        true,
	LLMQuotaExceeded:         false,
	LLMContextWindowError:    false,
	MCPServiceUnavailable:    true,
	MCPServiceTimeout:        true,
	MCPServiceAuthentication: false,
	StateSetupError:          true,
	StateDuplicationError:    true,
	StateCleanupError:        false,
	TaskVerificationError:    false,
	AgentTimeout:             true,
	Unknown:                  false,
}

func (k Kind) Retryable() bool {
	r, ok := retryable[k]
	return ok && r
}

// Error is a typed MCPMark error: a kind, a message, and an optional cause.
// Custom error kinds carry their retryable flag explicitly, per spec §4.8 —
// IsRetryable prefers it over the substring fallback.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// retryableSubstrings is the conservative bare-string fallback classifier:
// rate limiting, transient network/service unavailability, MCP infra
// errors, and state-duplication errors read off a lower-cased message.
var retryableSubstrings = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"no such host",
	"service unavailable",
	"temporarily unavailable",
	"bad gateway",
	"gateway timeout",
	"502",
	"503",
	"504",
	"mcp network error",
	"state duplication error",
	"state setup error",
}

// IsRetryable implements the single predicate spec §4.8 requires. A typed
// *Error's Kind takes precedence; any other error (including one produced
// by an external process and surfaced only as a string) falls back to the
// substring classifier.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var typed *Error
	if asError(err, &typed) {
		return typed.Kind.Retryable()
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// asError is a narrow errors.As to avoid importing errors solely for this.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
