// ABOUTME: Caller-facing error codes with a stable code, message and trace identifier.
// ABOUTME: Every error surfaced to a client goes through Error and ErrorEnvelope.

package envelope

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeMalformed           Code = "malformed_envelope"
	CodeSessionMismatch     Code = "session_mismatch"
	CodeIdempotencyConflict Code = "idempotency_conflict"
	CodeOrchestratorFailed  Code = "orchestrator_failed"
	CodeBridgeError         Code = "bridge_error"
	CodeBridgeUnavailable   Code = "bridge_unavailable"
	CodeDraining            Code = "draining"
	CodeUnsupported         Code = "unsupported_event"
	CodeQueueFull           Code = "queue_full"
	CodeUnauthorized        Code = "unauthorized"
)

// Error is a caller-facing error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"traceId"`
	// ReplyTo is the id of the envelope that caused the error, if known.
	ReplyTo string `json:"replyTo,omitempty"`
}

// NewError creates an Error with a fresh trace id.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		TraceID: uuid.New().String(),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError converts any error into a caller-facing Error, defaulting to fallback.
func AsError(err error, fallback Code) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrMalformed) {
		return NewError(CodeMalformed, "%s", err.Error())
	}
	return NewError(fallback, "%s", err.Error())
}

// ErrorEnvelope wraps an Error for delivery to the client.
// bridge_error facts use the bridge.error type; everything else is a plain error.
func ErrorEnvelope(sessionID string, e *Error) Envelope {
	typ := TypeError
	if e.Code == CodeBridgeError || e.Code == CodeBridgeUnavailable {
		typ = TypeBridgeError
	}
	return New(typ, sessionID, e)
}
