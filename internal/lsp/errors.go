package lsp

import (
	"errors"
	"fmt"
)

// Transport and request errors. Callers match them with errors.Is.
var (
	// ErrTransportClosed indicates the server's output stream ended
	// (process exited or pipe broken).
	ErrTransportClosed = errors.New("lsp transport closed")

	// ErrMalformedFrame indicates a framing violation: an unparseable header
	// or a body shorter than its declared length.
	ErrMalformedFrame = errors.New("lsp malformed frame")

	// ErrTimeout indicates a request got no response within the configured interval.
	ErrTimeout = errors.New("lsp request timed out")

	// ErrCancelled indicates the request was abandoned because its session
	// was torn down, its buffer was closed, or its caller gave up.
	// It is not a server failure and must not be retried.
	ErrCancelled = errors.New("lsp request cancelled")
)

// Session and document errors.
var (
	// ErrDegraded indicates the session is degraded and rejects requests locally.
	ErrDegraded = errors.New("lsp session degraded")

	// ErrSessionStopped indicates the session has stopped and must be restarted.
	ErrSessionStopped = errors.New("lsp session stopped")

	// ErrNotReady indicates the session has not finished initializing.
	ErrNotReady = errors.New("lsp session not ready")

	// ErrNoServer indicates no server is configured for the language.
	ErrNoServer = errors.New("no server configured for language")

	// ErrNotSupported indicates the server does not support the requested feature.
	ErrNotSupported = errors.New("feature not supported by server")

	// ErrDocumentNotOpen indicates the document is not open.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrInvalidResponse indicates a response that could not be decoded.
	ErrInvalidResponse = errors.New("invalid response from server")
)

// RPCError represents a JSON-RPC error object returned by the server.
// It is surfaced to the caller of the failing request only.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// ServerError wraps an error with the session it came from.
type ServerError struct {
	LanguageID string
	Root       string
	Err        error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Root != "" {
		return fmt.Sprintf("server %s (%s): %v", e.LanguageID, e.Root, e.Err)
	}
	return fmt.Sprintf("server %s: %v", e.LanguageID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed request may reasonably be issued again.
// Cancellation and local rejections are final; a server error or timeout may
// succeed on a later attempt.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCancelled),
		errors.Is(err, ErrSessionStopped),
		errors.Is(err, ErrNoServer),
		errors.Is(err, ErrNotSupported):
		return false
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == CodeContentModified || rpcErr.Code == CodeServerCancelled
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrDegraded)
}

// errorKind is the short label used for failure metrics and logs.
func errorKind(err error) string {
	var rpcErr *RPCError
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, ErrTransportClosed):
		return "transport_closed"
	case errors.As(err, &rpcErr):
		return "rpc"
	default:
		return "other"
	}
}
