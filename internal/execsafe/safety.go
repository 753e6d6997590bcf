// Package execsafe validates externally-sourced values — verifier and
// prepare-script paths, Docker image/container names, backup file paths —
// before they reach os/exec, since every one of them ultimately comes
// from a task directory name, a YAML config value, or a database
// introspection result rather than a trusted literal.
package execsafe

import (
	"errors"
	"regexp"
	"strings"
)

var (
	shellMetachars  = regexp.MustCompile(`[;&|` + "`" + `$<>]`)
	controlChars    = regexp.MustCompile(`[\r\n]`)
	quoteChars      = regexp.MustCompile(`["']`)
	bareNamePattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
	windowsDrive    = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
)

var (
	ErrEmptyValue           = errors.New("value is empty")
	ErrNullByte             = errors.New("value contains a null byte")
	ErrControlChar          = errors.New("value contains control characters")
	ErrShellMetachar        = errors.New("value contains shell metacharacters")
	ErrQuoteChar            = errors.New("value contains quote characters")
	ErrOptionInjection      = errors.New("value starts with a dash (option injection)")
	ErrInvalidBareNameChars = errors.New("value contains invalid characters for a bare name")
)

// looksLikePath reports whether value reads as a file path (., ~, a
// separator, or a Windows drive letter) rather than a bare name.
func looksLikePath(value string) bool {
	if value == "" {
		return false
	}
	if strings.HasPrefix(value, ".") || strings.HasPrefix(value, "~") {
		return true
	}
	if strings.Contains(value, "/") || strings.Contains(value, "\\") {
		return true
	}
	return windowsDrive.MatchString(value)
}

func rejectReason(trimmed string) error {
	switch {
	case strings.Contains(trimmed, "\x00"):
		return ErrNullByte
	case controlChars.MatchString(trimmed):
		return ErrControlChar
	case shellMetachars.MatchString(trimmed):
		return ErrShellMetachar
	case quoteChars.MatchString(trimmed):
		return ErrQuoteChar
	default:
		return nil
	}
}

// IsSafeExecutableValue reports whether value is safe to pass as an
// executable name or path argument to os/exec: no null bytes, control
// characters, shell metacharacters, or quotes; a value that looks like a
// path is otherwise accepted, a bare name must additionally avoid a
// leading dash and match [A-Za-z0-9._+-]+.
func IsSafeExecutableValue(value string) bool {
	_, err := SanitizeExecutableValue(value)
	return err == nil
}

// SanitizeExecutableValue validates value and returns it trimmed, or an
// error naming which check failed.
func SanitizeExecutableValue(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrEmptyValue
	}
	if err := rejectReason(trimmed); err != nil {
		return "", err
	}
	if looksLikePath(trimmed) {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", ErrOptionInjection
	}
	if !bareNamePattern.MatchString(trimmed) {
		return "", ErrInvalidBareNameChars
	}
	return trimmed, nil
}
