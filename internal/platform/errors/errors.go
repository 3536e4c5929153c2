package errors

import (
	stderrors "errors"

	"google.golang.org/grpc/status"
)

// Domain is the error domain for conclave errors.
const Domain = "github.com/louisbranch/conclave"

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for templating
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// GRPCStatus lets status.FromError recover the mapped gRPC status.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code.GRPCCode(), e.Message)
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata for i18n templating.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Sentinel returns a code-only error usable as an errors.Is target.
func Sentinel(code Code) error {
	return &Error{Code: code}
}

// CodeOf returns the code of the first domain error in err's chain, or
// CodeUnknown when there is none.
func CodeOf(err error) Code {
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return stderrors.Is(err, Sentinel(code))
}
