// Package errs provides structured error types and helpers for desk components.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies an error category within the client.
type Code string

const (
	// CodeTransport indicates a socket-level or connection failure.
	CodeTransport Code = "transport"
	// CodeProtocol indicates a malformed or unexpected wire payload.
	CodeProtocol Code = "protocol"
	// CodeApplication indicates a backend-reported request failure.
	CodeApplication Code = "application"
	// CodeTimeout indicates a bounded wait that elapsed without success.
	CodeTimeout Code = "timeout"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the backend is temporarily unreachable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the desk client.
type E struct {
	Component string
	Code      Code
	HTTP      int
	RawBody   string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		RawBody:   "",
		Message:   "",
		cause:     nil,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawBody captures the raw backend response body.
func WithRawBody(body string) Option {
	return func(e *E) {
		e.RawBody = body
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

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawBody != "" {
		parts = append(parts, "raw_body="+strconv.Quote(e.RawBody))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err is an *E carrying the given code.
func IsCode(err error, code Code) bool {
	e, ok := err.(*E)
	return ok && e.Code == code
}

// Timeout returns a standardized timeout error for the component.
func Timeout(component, msg string) *E {
	return New(component, CodeTimeout, WithMessage(strings.TrimSpace(msg)))
}
