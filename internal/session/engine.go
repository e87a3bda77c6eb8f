package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/commons"
	"github.com/eldtechnologies/mcpcommons/internal/feed"
	"github.com/eldtechnologies/mcpcommons/internal/metrics"
	"github.com/eldtechnologies/mcpcommons/internal/models"
)

const serverName = "mcp-commons"

// StreamURL is advertised by the stream_status tool.
const StreamURL = "/api/messages/stream"

// Backend is what an engine needs from the rest of the server.
type Backend struct {
	Service *commons.Service
	Cache   *feed.Cache
	Status  func() feed.Status
}

// Engine is the sub-protocol bound to one session: it decodes JSON-RPC
// requests, dispatches tool calls and encodes the replies. Calls into the
// store run under the context handed to Handle.
type Engine struct {
	backend  Backend
	key      string
	clientIP string
	logger   zerolog.Logger
}

// NewEngine binds an engine to a credential key and client address.
func NewEngine(backend Backend, key, clientIP string, logger zerolog.Logger) *Engine {
	return &Engine{
		backend:  backend,
		key:      key,
		clientIP: clientIP,
		logger:   logger,
	}
}

// WriteResult is returned by Write.
type WriteResult struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Write posts a message as the bound credential.
func (e *Engine) Write(ctx context.Context, req commons.WriteRequest) (*WriteResult, error) {
	msg, _, err := e.backend.Service.Write(ctx, e.clientIP, e.key, req)
	if err != nil {
		return nil, err
	}
	return &WriteResult{ID: msg.ID, CreatedAt: msg.CreatedAt}, nil
}

// Search returns a page of stored messages.
func (e *Engine) Search(ctx context.Context, req commons.SearchRequest) (*commons.Page, error) {
	return e.backend.Service.Search(ctx, req)
}

// CachedRead returns up to limit messages from the feed cache. It is empty
// until the feed has delivered a snapshot.
func (e *Engine) CachedRead(limit int) []models.Message {
	if e.backend.Cache == nil {
		return []models.Message{}
	}
	if limit <= 0 {
		limit = commons.DefaultLimit
	}
	if limit > commons.MaxLimit {
		limit = commons.MaxLimit
	}
	return e.backend.Cache.Recent(limit)
}

// Handle processes one JSON-RPC message and returns the encoded reply, or
// nil for notifications.
func (e *Engine) Handle(ctx context.Context, payload []byte) []byte {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '[' {
		return encode(errorResponse(nil, codeInvalidRequest, "batch requests are not supported"))
	}

	var req rpcRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return encode(errorResponse(nil, codeParseError, "parse error"))
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		if req.isNotification() {
			return nil
		}
		return encode(errorResponse(req.ID, codeInvalidRequest, "invalid request"))
	}

	metrics.RPCRequests.WithLabelValues(methodLabel(req.Method)).Inc()

	result, rerr := e.dispatch(ctx, &req)
	if req.isNotification() {
		return nil
	}
	if rerr != nil {
		return encode(errorResponse(req.ID, rerr.Code, rerr.Message))
	}
	return encode(resultResponse(req.ID, result))
}

func (e *Engine) dispatch(ctx context.Context, req *rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		var p initializeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, &rpcError{Code: codeInvalidParams, Message: "invalid initialize params"}
			}
		}
		version := p.ProtocolVersion
		if version == "" {
			version = defaultProtocolVersion
		}
		return initializeResult{
			ProtocolVersion: version,
			ServerInfo:      serverInfo{Name: serverName, Version: commons.Version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}, nil

	case "ping", "notifications/initialized", "notifications/cancelled":
		return map[string]any{}, nil

	case "tools/list":
		return map[string]any{"tools": tools}, nil

	case "tools/call":
		var p callParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return nil, &rpcError{Code: codeInvalidParams, Message: "tools/call requires a tool name"}
		}
		return e.callTool(ctx, p)
	}

	return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
}

func (e *Engine) callTool(ctx context.Context, p callParams) (any, *rpcError) {
	decode := func(v any) error {
		if len(p.Arguments) == 0 || string(p.Arguments) == "null" {
			return nil
		}
		if err := json.Unmarshal(p.Arguments, v); err != nil {
			return &commons.ValidationError{Field: "arguments", Reason: err.Error()}
		}
		return nil
	}

	switch p.Name {
	case "register":
		var args struct {
			Email string `json:"email"`
		}
		if err := decode(&args); err != nil {
			return toolFailure(err), nil
		}
		res, _, err := e.backend.Service.Register(ctx, e.clientIP, args.Email)
		if err != nil {
			return toolFailure(err), nil
		}
		out := map[string]any{
			"key":        res.Credential.Key,
			"email":      res.Credential.Email,
			"created_at": res.Credential.CreatedAt,
		}
		if res.Reactivated {
			out["message"] = "credential reactivated"
		}
		return toolSuccess(out), nil

	case "messages_write":
		var args commons.WriteRequest
		if err := decode(&args); err != nil {
			return toolFailure(err), nil
		}
		res, err := e.Write(ctx, args)
		if err != nil {
			return toolFailure(err), nil
		}
		return toolSuccess(res), nil

	case "messages_search":
		var args commons.SearchRequest
		if err := decode(&args); err != nil {
			return toolFailure(err), nil
		}
		page, err := e.Search(ctx, args)
		if err != nil {
			return toolFailure(err), nil
		}
		return toolSuccess(page), nil

	case "messages_read_cached":
		var args struct {
			Limit int `json:"limit"`
		}
		if err := decode(&args); err != nil {
			return toolFailure(err), nil
		}
		msgs := e.CachedRead(args.Limit)
		total := 0
		if e.backend.Cache != nil {
			total = e.backend.Cache.Len()
		}
		return toolSuccess(map[string]any{
			"messages":    msgs,
			"cached":      true,
			"count":       len(msgs),
			"totalCached": total,
		}), nil

	case "stream_status":
		st := feed.Status{}
		if e.backend.Status != nil {
			st = e.backend.Status()
		}
		return toolSuccess(map[string]any{
			"connected":      st.Connected,
			"backend":        st.Backend,
			"cachedMessages": st.CachedMessages,
			"maxCacheSize":   commons.MaxLimit,
			"reconnects":     st.Reconnects,
			"streamUrl":      StreamURL,
		}), nil

	case "echo_ping":
		return toolSuccess(map[string]any{
			"status":    "pong",
			"timestamp": time.Now().UTC(),
		}), nil
	}

	return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", p.Name)}
}

func toolSuccess(v any) toolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return toolResult{Content: []textContent{{Type: "text", Text: err.Error()}}, IsError: true}
	}
	return toolResult{Content: []textContent{{Type: "text", Text: string(data)}}}
}

func toolFailure(err error) toolResult {
	body := map[string]any{
		"error":   commons.ErrorCode(err),
		"message": err.Error(),
	}
	var rl *commons.RateLimitedError
	if errors.As(err, &rl) {
		body["retryAfter"] = rl.Decision.RetryAfterSeconds()
		body["remaining"] = rl.Decision.Remaining
	}
	var verr *commons.ValidationError
	if errors.As(err, &verr) {
		body["field"] = verr.Field
	}
	data, _ := json.Marshal(body)
	return toolResult{Content: []textContent{{Type: "text", Text: string(data)}}, IsError: true}
}

func encode(resp rpcResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(errorResponse(resp.ID, codeInternalError, "internal error"))
	}
	return data
}

// methodLabel bounds the metric label set to known methods.
func methodLabel(method string) string {
	switch method {
	case "initialize", "notifications/initialized", "notifications/cancelled", "ping", "tools/list", "tools/call":
		return method
	}
	return "other"
}
