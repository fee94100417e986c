package router

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-resumable-http/internal/jsonrpc"
	"github.com/ggoodman/mcp-resumable-http/sessions"
)

// Kind classifies routing failures. Clients recover differently per kind, so
// kinds are never collapsed into one generic error.
type Kind string

const (
	KindMissingSession       Kind = "missing_session"
	KindInvalidSession       Kind = "invalid_session"
	KindSessionClosed        Kind = "session_closed"
	KindMalformedExchange    Kind = "malformed_exchange"
	KindUnrecognizedExchange Kind = "unrecognized_exchange"
	KindStreamConflict       Kind = "stream_conflict"
	KindUnknownEvent         Kind = "unknown_event"
	KindInternalFailure      Kind = "internal_failure"
)

// Code returns the JSON-RPC error code reported for the kind.
func (k Kind) Code() jsonrpc.ErrorCode {
	switch k {
	case KindMissingSession, KindInvalidSession, KindUnrecognizedExchange:
		return jsonrpc.ErrorCodeInvalidRequest
	case KindMalformedExchange:
		return jsonrpc.ErrorCodeParseError
	case KindSessionClosed:
		return jsonrpc.ErrorCodeSessionClosed
	case KindStreamConflict:
		return jsonrpc.ErrorCodeConflict
	case KindUnknownEvent:
		return jsonrpc.ErrorCodeUnknownEvent
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

// Reinitialize reports whether the client should discard its session id and
// start over with an initialization exchange.
func (k Kind) Reinitialize() bool {
	switch k {
	case KindMissingSession, KindInvalidSession, KindSessionClosed, KindUnknownEvent:
		return true
	}
	return false
}

// Error is the structured error returned by classification and dispatch.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind carried by err. Errors that are not *Error map to
// KindInternalFailure; nil maps to "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternalFailure
}

// AsError converts any error into an *Error, translating session errors into
// their routing kinds.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, sessions.ErrSessionClosed):
		return newError(KindSessionClosed, "Session closed; reinitialize", err)
	case errors.Is(err, sessions.ErrSessionNotFound):
		return newError(KindInvalidSession, "Bad Request: No valid session ID provided", err)
	case errors.Is(err, sessions.ErrStreamBusy):
		return newError(KindStreamConflict, "Conflict: stream already has an active connection", err)
	default:
		return newError(KindInternalFailure, "Internal Server Error", err)
	}
}

// ErrorResponse renders err as a JSON-RPC error response with a null id. The
// data member carries the kind and the reinitialize hint.
func ErrorResponse(err error) *jsonrpc.Response {
	re := AsError(err)
	msg := re.Message
	if re.Kind == KindInternalFailure && re.Err != nil {
		msg = "Internal Server Error: " + re.Err.Error()
	}
	return jsonrpc.NewErrorResponse(nil, re.Kind.Code(), msg, ErrorData{
		Kind:         re.Kind,
		Reinitialize: re.Kind.Reinitialize(),
	})
}

// ErrorData is the data member of routing error responses.
type ErrorData struct {
	Kind         Kind `json:"kind"`
	Reinitialize bool `json:"reinitialize"`
}
