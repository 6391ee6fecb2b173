// Package mcpmux is the tool-server multiplexer: it owns one long-lived
// connection per child tool server, correlates concurrent JSON-RPC requests
// by id, tees stderr to the logger, and relays sampling callbacks back to an
// installed handler.
package mcpmux

import (
	"context"
	"encoding/json"
	"time"
)

// Transport selects how a ToolServer connection is carried.
type Transport string

const (
	TransportStdio      Transport = "stdio"
	TransportHTTPStream  Transport = "http-stream"
)

// State is a ToolServer connection's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDraining     State = "draining"
	StateClosed       State = "closed"
)

// WriteMode controls whether a server accepts interleaved concurrent
// requests or must be driven with one in-flight call at a time.
type WriteMode string

const (
	// WriteModeConcurrent allows multiple in-flight requests per connection,
	// correlated by request id.
	WriteModeConcurrent WriteMode = "concurrent"
	// WriteModeMutex serializes CallTool end-to-end for servers that
	// mis-handle interleaved responses.
	WriteModeMutex WriteMode = "mutex"
)

// ServerConfig describes one child tool server.
type ServerConfig struct {
	ID        string
	Transport Transport

	// Stdio fields.
	Command string
	Args    []string
	Env     []string
	Dir     string

	// HTTP-stream fields.
	URL     string
	Headers map[string]string

	ProtocolVersion string
	ClientName      string
	ClientVersion   string

	InitTimeout  time.Duration
	CallTimeout  time.Duration
	WriteMode    WriteMode
}

// CallRequest is one tools/call invocation.
type CallRequest struct {
	Tool    string
	Payload json.RawMessage
}

// CallResponse is the normalized result of a tools/call invocation.
type CallResponse struct {
	Result     json.RawMessage
	Structured any
}

// SamplingRequest is a child-originated sampling/createMessage request.
type SamplingRequest struct {
	ServerID string
	Params   json.RawMessage
}

// RespondFunc delivers a sampling response back to the originating child.
type RespondFunc func(result json.RawMessage, rpcErr error) error

// SamplingHandler is installed by the caller to answer sampling requests
// forwarded from child tool servers. Implementations may respond
// asynchronously by retaining respond and invoking it later.
type SamplingHandler func(ctx context.Context, req SamplingRequest, respond RespondFunc)

// Caller is the minimal tool-invocation surface a ToolServer connection
// exposes, regardless of transport.
type Caller interface {
	CallTool(ctx context.Context, req CallRequest) (CallResponse, error)
	State() State
	Close() error
}
