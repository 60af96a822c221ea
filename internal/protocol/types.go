// Package protocol implements the server side of the upstream MCP dialogue:
// JSON-RPC 2.0 framing, the supported method set, and argument validation
// against each tool's input schema.
package protocol

import "encoding/json"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ServerName and ServerVersion identify the bridge in initialize responses.
const (
	ServerName      = "xiaozhi-mcp-server"
	ServerVersion   = "1.0.0"
	ProtocolVersion = "2024-11-05"
)

// Request is an incoming JSON-RPC request or notification. ID is kept raw so
// responses echo it byte-for-byte, whatever its JSON type.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is an outgoing JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorData carries a machine-readable error tag alongside the human
// message.
type errorData struct {
	Code string `json:"code"`
}

// Session captures what the upstream declared during the initialize
// handshake.
type Session struct {
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
}

// initializeParams is the initialize parameter shape.
type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// callToolParams is the tools/call parameter shape.
type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// initializeResult is the initialize response shape.
type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
}

type capabilities struct {
	Tools struct{} `json:"tools"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
