package mcp

import "fmt"

// Error kinds, from least to most protocol-aware.
const (
	KindSpawnError    = "mcp_spawn_error"    // process could not be started or initialized
	KindFramingError  = "mcp_framing_error"  // empty or malformed response line
	KindProtocolError = "mcp_protocol_error" // well-formed JSON-RPC error object
	KindServerDown    = "mcp_server_down"    // process dead or in failed state
)

// Error is a classified MCP failure.
type Error struct {
	Kind   string
	Server string
	Detail string

	// Code and Message are set for KindProtocolError only.
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Kind == KindProtocolError {
		return fmt.Sprintf("%s: server %s: [%d] %s", e.Kind, e.Server, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: server %s: %s", e.Kind, e.Server, e.Detail)
}

func spawnError(server, detail string) *Error {
	return &Error{Kind: KindSpawnError, Server: server, Detail: detail}
}

func framingError(server, detail string) *Error {
	return &Error{Kind: KindFramingError, Server: server, Detail: detail}
}

func protocolError(server string, code int, message string) *Error {
	return &Error{Kind: KindProtocolError, Server: server, Code: code, Message: message}
}

func serverDownError(server, detail string) *Error {
	return &Error{Kind: KindServerDown, Server: server, Detail: detail}
}
