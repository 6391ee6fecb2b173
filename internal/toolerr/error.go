// Package toolerr provides structured error types used to carry tool
// invocation failures and JSON-RPC error shapes through the gateway.
package toolerr

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 reserved error codes plus the gateway's own meta-operation codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeToolExecutionFailed = -32000
	CodeApprovalDenied      = -32001
	CodeUnknownTool         = -32002
	CodeWorkflowNotFound    = -32003
	CodeTimeout             = -32004
)

// RPCError is the JSON-RPC error object shape returned to callers.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// NewRPCError builds an RPCError with optional structured data.
func NewRPCError(code int, message string, data any) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

// ToolError represents a structured tool failure that preserves a causal
// chain while implementing the standard error interface. Tool errors nest via
// Cause so diagnostics survive retries and serialization across the wire.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// ServerID identifies the tool server that produced the failure, if any.
	ServerID string
	// ToolName identifies the tool invoked, if any.
	ToolName string
	// Cause links to the underlying tool error.
	Cause *ToolError
}

// New constructs a ToolError with the given message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError wrapping an underlying error, converting
// it into a ToolError chain so errors.Is/As keep working after the wrap.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Errorf formats a message and returns it as a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error, supporting errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// RPCError converts a ToolError into a JSON-RPC error object tagged with
// CodeToolExecutionFailed and the server/tool identity as data.
func (e *ToolError) RPCError() *RPCError {
	if e == nil {
		return nil
	}
	return NewRPCError(CodeToolExecutionFailed, e.Message, map[string]string{
		"serverId": e.ServerID,
		"toolName": e.ToolName,
	})
}

// Sentinel transport errors recognized by the multiplexer and executor.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrTimeout          = errors.New("timeout")
	ErrCancelled        = errors.New("cancelled")
	ErrConnectionFailed = errors.New("connection failed")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrWorkflowNotFound = errors.New("workflow not found or expired")
)
