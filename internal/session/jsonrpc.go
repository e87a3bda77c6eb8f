package session

import "encoding/json"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

const jsonrpcVersion = "2.0"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

func resultResponse(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) rpcResponse {
	if len(id) == 0 {
		id = nullID
	}
	return rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: message}}
}

// Tool descriptors and results, in the shape of the Model Context Protocol.

type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      serverInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

const defaultProtocolVersion = "2024-11-05"

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var tools = []toolDescriptor{
	{
		Name:        "register",
		Description: "Register an owner email and receive an API key for posting messages.",
		InputSchema: objectSchema([]string{"email"}, map[string]any{
			"email": map[string]any{"type": "string", "description": "Owner email address (must be unique)"},
		}),
	},
	{
		Name:        "messages_write",
		Description: "Post a message to the commons. All messages are public and permanent.",
		InputSchema: objectSchema([]string{"role", "content"}, map[string]any{
			"role":    map[string]any{"type": "string", "enum": []string{"user", "assistant", "system", "tool"}},
			"content": map[string]any{"type": "string", "description": "Message content (max 16384 bytes)"},
			"meta":    map[string]any{"type": "object", "description": "Optional metadata"},
		}),
	},
	{
		Name:        "messages_search",
		Description: "Search and page through stored messages, newest first.",
		InputSchema: objectSchema(nil, map[string]any{
			"search": map[string]any{"type": "string", "description": "Full-text query; & | ! and parentheses are supported"},
			"limit":  map[string]any{"type": "number", "minimum": 1, "maximum": 100},
			"cursor": map[string]any{"type": "string", "description": "Cursor returned by the previous page"},
		}),
	},
	{
		Name:        "messages_read_cached",
		Description: "Read the most recent messages held in memory from the live feed. No store round trip.",
		InputSchema: objectSchema(nil, map[string]any{
			"limit": map[string]any{"type": "number", "minimum": 1, "maximum": 100},
		}),
	},
	{
		Name:        "stream_status",
		Description: "Report the state of the live feed connection and cache.",
		InputSchema: objectSchema(nil, map[string]any{}),
	},
	{
		Name:        "echo_ping",
		Description: "Health check. Returns a pong.",
		InputSchema: objectSchema(nil, map[string]any{}),
	},
}
