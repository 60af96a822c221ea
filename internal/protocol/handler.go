package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"xzbridge/internal/api"
	"xzbridge/pkg/logging"
)

// ToolProvider is the aggregated tool surface the handler serves. The
// service manager implements it.
type ToolProvider interface {
	GetAllTools() []mcp.Tool
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// Handler answers one upstream connection's JSON-RPC traffic. The only
// state it keeps across messages is what the client declared during
// initialize; it is safe for concurrent use.
type Handler struct {
	provider ToolProvider

	// onPing, when set, is invoked for every upstream ping so the status
	// layer can stamp liveness.
	onPing func()

	mu      sync.Mutex
	session Session
}

// NewHandler creates a handler over the given tool surface.
func NewHandler(provider ToolProvider) *Handler {
	return &Handler{provider: provider}
}

// SetOnPing installs the heartbeat callback.
func (h *Handler) SetOnPing(fn func()) {
	h.onPing = fn
}

// HandleMessage processes one raw JSON-RPC message. It returns the
// serialised response, or nil when the message was a notification.
func (h *Handler) HandleMessage(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		logging.Warn("Protocol", "unparseable message: %v", err)
		return marshalResponse(errorResponse(nil, CodeParseError, "Parse error", nil))
	}

	if req.IsNotification() {
		h.handleNotification(req)
		return nil
	}

	resp := h.dispatch(ctx, req)
	return marshalResponse(resp)
}

func (h *Handler) handleNotification(req Request) {
	switch req.Method {
	case "notifications/initialized":
		logging.Debug("Protocol", "upstream completed initialization")
	default:
		logging.Debug("Protocol", "ignoring notification %s", req.Method)
	}
}

func (h *Handler) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "tools/list":
		return h.handleToolsList(req)
	case "tools/call":
		return h.handleToolsCall(ctx, req)
	case "ping":
		return h.handlePing(req)
	case "resources/list":
		return resultResponse(req.ID, map[string]interface{}{"resources": []interface{}{}})
	case "prompts/list":
		return resultResponse(req.ID, map[string]interface{}{"prompts": []interface{}{}})
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "未知的方法", nil)
	}
}

func (h *Handler) handleInitialize(req Request) Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			logging.Debug("Protocol", "unreadable initialize params: %v", err)
		}
	}
	h.mu.Lock()
	h.session = Session{
		ProtocolVersion: params.ProtocolVersion,
		ClientName:      params.ClientInfo.Name,
		ClientVersion:   params.ClientInfo.Version,
	}
	h.mu.Unlock()
	logging.Debug("Protocol", "initialize from %s %s (protocol %s)",
		params.ClientInfo.Name, params.ClientInfo.Version, params.ProtocolVersion)

	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo: serverInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
	})
}

// Session returns what the upstream declared during initialize. Zero until
// the handshake has been seen.
func (h *Handler) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *Handler) handleToolsList(req Request) Response {
	tools := h.provider.GetAllTools()
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return resultResponse(req.ID, map[string]interface{}{"tools": tools})
}

func (h *Handler) handleToolsCall(ctx context.Context, req Request) Response {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "invalid tools/call params", nil)
	}

	if msg, ok := h.validateArguments(params.Name, params.Arguments); !ok {
		return errorResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("参数验证失败: %s", msg),
			errorData{Code: "INVALID_ARGUMENTS"})
	}

	result, err := h.provider.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return errorResponse(req.ID, callErrorCode(err), err.Error(), callErrorData(err))
	}
	return resultResponse(req.ID, result)
}

// callErrorCode maps domain error kinds onto JSON-RPC codes. Anything
// outside the taxonomy is an internal error.
func callErrorCode(err error) int {
	switch {
	case api.IsNotFound(err):
		return CodeMethodNotFound
	case api.IsValidation(err):
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}

// callErrorData attaches the stable machine code when the error carries one.
func callErrorData(err error) interface{} {
	if code := api.ErrorCode(err); code != "" {
		return errorData{Code: code}
	}
	return nil
}

func (h *Handler) handlePing(req Request) Response {
	if h.onPing != nil {
		h.onPing()
	}
	return resultResponse(req.ID, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	})
}

// validateArguments checks args against the target tool's input schema. An
// unknown tool or an uncompilable schema skips validation; the call path
// reports those on its own terms.
func (h *Handler) validateArguments(toolName string, args map[string]interface{}) (string, bool) {
	schema := h.schemaFor(toolName)
	if len(schema) == 0 {
		return "", true
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(schema)); err != nil {
		logging.Debug("Protocol", "schema for %s not loadable: %v", toolName, err)
		return "", true
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		logging.Debug("Protocol", "schema for %s not compilable: %v", toolName, err)
		return "", true
	}

	var value interface{} = map[string]interface{}{}
	if args != nil {
		value = args
	}
	if err := compiled.Validate(value); err != nil {
		return err.Error(), false
	}
	return "", true
}

// schemaFor returns the serialised input schema of a public tool, or nil.
func (h *Handler) schemaFor(toolName string) []byte {
	for _, t := range h.provider.GetAllTools() {
		if t.Name != toolName {
			continue
		}
		if len(t.RawInputSchema) > 0 {
			return t.RawInputSchema
		}
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil
		}
		return data
	}
	return nil
}

func resultResponse(id json.RawMessage, result interface{}) Response {
	return Response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data interface{}) Response {
	return Response{JSONRPC: "2.0", ID: normalizeID(id), Error: &RPCError{Code: code, Message: message, Data: data}}
}

// normalizeID keeps the original id bytes; an absent id serialises as null.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func marshalResponse(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error("Protocol", err, "failed to serialise response")
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
