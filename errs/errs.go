// Package errs provides structured error types and helpers for streamgate.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a failure category inside the streaming client.
type Code string

const (
	// CodeAuth indicates an authentication or signing failure.
	CodeAuth Code = "auth"
	// CodeNetwork indicates a transport failure (dial, read, write, close).
	CodeNetwork Code = "network"
	// CodeProtocol indicates a malformed or unexpected wire frame.
	CodeProtocol Code = "protocol"
	// CodeConfig indicates invalid configuration supplied by the caller.
	CodeConfig Code = "config"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExhausted indicates the reconnect budget ran out.
	CodeExhausted Code = "exhausted"
	// CodeUnavailable indicates a subsystem is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the streamgate stack.
type E struct {
	Scope   string
	Code    Code
	Message string
	RawMsg  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		Message: "",
		RawMsg:  "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure category from an error, or empty when the
// error is not a structured envelope.
func CodeOf(err error) Code {
	if e, ok := err.(*E); ok && e != nil {
		return e.Code
	}
	return ""
}
