package tools

import (
	"regexp"
	"strings"
)

// Error classification over tool result messages. Tool implementations are
// external collaborators, so classification works on the error text they
// return, the same way the rest of this codebase treats sqlite constraint
// errors.

var existingPathPattern = regexp.MustCompile(`(?i)already exists:\s*"?([^\s"]+)`)

// IsNotFound reports whether a tool failure means the referenced entry does
// not exist (used by the reopen fallback).
func IsNotFound(errText string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(errText)), "not found")
}

// IsDuplicate reports whether a capture failed because an equivalent entry
// already exists.
func IsDuplicate(errText string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(errText)), "already exists")
}

// IsUnavailable reports whether a tool failure means a downstream dependency
// (typically the model provider) was unreachable, so the call is worth
// retrying later rather than surfacing.
func IsUnavailable(errText string) bool {
	lower := strings.ToLower(strings.TrimSpace(errText))
	return strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "connection refused")
}

// ExistingPath extracts the existing entry path from a duplicate-capture
// error ("Entry already exists: task/x").
func ExistingPath(errText string) string {
	m := existingPathPattern.FindStringSubmatch(strings.TrimSpace(errText))
	if len(m) < 2 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(m[1]), `"'.,`)
}
