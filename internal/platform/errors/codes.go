// Package errors provides structured error handling with i18n support.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authorization and precondition errors
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeInvalidTarget     Code = "INVALID_TARGET"
	CodeTargetNotFound    Code = "TARGET_NOT_FOUND"

	// Collaborator failures
	CodeTransportFailure   Code = "TRANSPORT_FAILURE"
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"

	// Session lifecycle errors
	CodeSessionEnded    Code = "SESSION_ENDED"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionExists   Code = "SESSION_EXISTS"

	// Chat errors
	CodeMessageNotFound Code = "MESSAGE_NOT_FOUND"
	CodeMessageInvalid  Code = "MESSAGE_INVALID"

	// Join grant errors
	CodeJoinGrantInvalid  Code = "JOIN_GRANT_INVALID"
	CodeJoinGrantExpired  Code = "JOIN_GRANT_EXPIRED"
	CodeJoinGrantMismatch Code = "JOIN_GRANT_MISMATCH"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnauthorized:
		return codes.PermissionDenied

	case CodeInvalidTarget,
		CodeMessageInvalid,
		CodeJoinGrantMismatch:
		return codes.InvalidArgument

	case CodeInvalidTransition,
		CodeSessionEnded:
		return codes.FailedPrecondition

	case CodeTargetNotFound,
		CodeSessionNotFound,
		CodeMessageNotFound:
		return codes.NotFound

	case CodeSessionExists:
		return codes.AlreadyExists

	case CodeTransportFailure,
		CodePersistenceFailure:
		return codes.Unavailable

	case CodeJoinGrantInvalid,
		CodeJoinGrantExpired:
		return codes.Unauthenticated

	default:
		return codes.Internal
	}
}

// Retryable reports whether a caller may retry the failed operation without
// changing its input.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransportFailure, CodePersistenceFailure:
		return true
	default:
		return false
	}
}
