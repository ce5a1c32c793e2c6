// Package mcperr provides the shared error taxonomy, retry runner and the
// cursor/composite-id codecs used throughout the proxy.
package mcperr

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes used by the proxy.
const (
	CodeInternalServerError    = -32000
	CodeTransportNotFound      = -32001
	CodeInvalidParams          = -32602
	CodeClientConnectionError  = -32003
	CodeResourceNotFound       = -32004
	CodeToolNotFound           = -32005
	CodePromptNotFound         = -32006
	CodeOperationTimeout       = -32007
	CodeCapabilityNotSupported = -32009
)

// MCPError is the base typed error carried across the proxy. It maps directly
// onto a JSON-RPC error object.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.cause)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *MCPError) Unwrap() error {
	return e.cause
}

// New creates an MCPError with the given code and message.
func New(code int, message string) *MCPError {
	return &MCPError{Code: code, Message: message}
}

// Wrap converts any error into an MCPError. An error that already is an
// MCPError passes through unchanged; anything else becomes an internal
// server error with the cause attached.
func Wrap(err error) *MCPError {
	if err == nil {
		return nil
	}
	var me *MCPError
	if errors.As(err, &me) {
		return me
	}
	return &MCPError{
		Code:    CodeInternalServerError,
		Message: "internal server error",
		cause:   err,
	}
}

// NewClientConnectionError reports a failure to establish or keep an
// outbound connection to the named server.
func NewClientConnectionError(name, reason string) *MCPError {
	return &MCPError{
		Code:    CodeClientConnectionError,
		Message: fmt.Sprintf("client connection error for %s: %s", name, reason),
		Data:    map[string]any{"server": name},
	}
}

// NewClientNotFoundError reports an addressed request naming an unknown
// outbound server.
func NewClientNotFoundError(name string) *MCPError {
	return &MCPError{
		Code:    CodeTransportNotFound,
		Message: fmt.Sprintf("unknown server: %s", name),
		Data:    map[string]any{"server": name},
	}
}

// NewClientOperationError reports a failed proxied operation against an
// outbound server.
func NewClientOperationError(name, op string, cause error) *MCPError {
	return &MCPError{
		Code:    CodeInternalServerError,
		Message: fmt.Sprintf("operation %s failed on %s", op, name),
		Data:    map[string]any{"server": name, "operation": op},
		cause:   cause,
	}
}

// NewTransportError reports a failure to open or use an outbound transport.
func NewTransportError(name string, cause error) *MCPError {
	return &MCPError{
		Code:    CodeTransportNotFound,
		Message: fmt.Sprintf("transport error for %s", name),
		Data:    map[string]any{"server": name},
		cause:   cause,
	}
}

// NewValidationError reports invalid user-supplied input such as tags or
// cursor material.
func NewValidationError(message string) *MCPError {
	return &MCPError{Code: CodeInvalidParams, Message: message}
}

// NewInvalidRequestError reports a structurally invalid request, for example
// a composite id without the separator.
func NewInvalidRequestError(message string) *MCPError {
	return &MCPError{Code: CodeInvalidParams, Message: message}
}

// NewCapabilityNotSupported reports an addressed request against a server
// that does not advertise the required capability category.
func NewCapabilityNotSupported(name, capability string) *MCPError {
	return &MCPError{
		Code:    CodeCapabilityNotSupported,
		Message: fmt.Sprintf("server %s does not support %s", name, capability),
		Data:    map[string]any{"server": name, "capability": capability},
	}
}

// NewOperationTimeout reports an outbound request that exceeded its budget.
func NewOperationTimeout(name, op string) *MCPError {
	return &MCPError{
		Code:    CodeOperationTimeout,
		Message: fmt.Sprintf("operation %s timed out on %s", op, name),
		Data:    map[string]any{"server": name, "operation": op},
	}
}

// IsCode reports whether err is an MCPError with the given code.
func IsCode(err error, code int) bool {
	var me *MCPError
	return errors.As(err, &me) && me.Code == code
}
