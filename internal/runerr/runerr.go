// Package runerr defines the typed error codes the orchestrator reports.
//
// Expected blockers (a gate not passing, a missing artifact, a lock held by
// another process) are data, not stack traces: they carry a stable code plus
// structured details so the CLI and halt artifacts can render concrete
// remediation steps.
package runerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeDisabled                Code = "DISABLED"
	CodeGateBlocked             Code = "GATE_BLOCKED"
	CodeMissingArtifact         Code = "MISSING_ARTIFACT"
	CodeWaveCapExceeded         Code = "WAVE_CAP_EXCEEDED"
	CodeRequestedNextNotAllowed Code = "REQUESTED_NEXT_NOT_ALLOWED"
	CodeInvalidState            Code = "INVALID_STATE"
	CodeNotFound                Code = "NOT_FOUND"
	CodeWriteFailed             Code = "WRITE_FAILED"
	CodeRunAgentRequired        Code = "RUN_AGENT_REQUIRED"
	CodeRetryCapExhausted       Code = "RETRY_CAP_EXHAUSTED"
	CodeLocked                  Code = "LOCKED"
)

// Error is a typed orchestrator error.
type Error struct {
	// Code is the stable error code.
	Code Code `json:"code"`

	// Message is a human-readable summary.
	Message string `json:"message"`

	// Details holds structured context (paths, gate ids, evaluated checks).
	Details map[string]any `json:"details,omitempty"`

	// Cause is the underlying error, if any. Not serialized.
	Cause error `json:"-"`
}

// New creates a typed error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error with an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail attaches one structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, " "))
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the code from an error chain.
// Returns WRITE_FAILED for untyped errors (the catch-all for unexpected I/O).
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeWriteFailed
}

// AsError extracts the typed error from a chain, or wraps an untyped one
// under WRITE_FAILED so callers always have a code to report.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return Wrap(CodeWriteFailed, err, "%s", err.Error())
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}
