package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xzbridge/internal/api"
)

type fakeProvider struct {
	tools    []mcp.Tool
	result   *mcp.CallToolResult
	err      error
	lastName string
	lastArgs map[string]interface{}
}

func (f *fakeProvider) GetAllTools() []mcp.Tool { return f.tools }

func (f *fakeProvider) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.lastName, f.lastArgs = name, args
	return f.result, f.err
}

func handle(t *testing.T, h *Handler, raw string) map[string]interface{} {
	t.Helper()
	data := h.HandleMessage(context.Background(), []byte(raw))
	require.NotNil(t, data)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func rpcError(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "expected an error response, got %v", resp)
	return errObj
}

func TestInitializeResponse(t *testing.T) {
	h := NewHandler(&fakeProvider{})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	result := resp["result"].(map[string]interface{})

	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "xiaozhi-mcp-server", info["name"])
	assert.Equal(t, "1.0.0", info["version"])
	assert.Contains(t, result["capabilities"], "tools")
}

func TestInitializeRecordsSession(t *testing.T) {
	h := NewHandler(&fakeProvider{})
	assert.Zero(t, h.Session())

	handle(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"xiaozhi","version":"2.0.1"}}}`)

	sess := h.Session()
	assert.Equal(t, "2025-03-26", sess.ProtocolVersion)
	assert.Equal(t, "xiaozhi", sess.ClientName)
	assert.Equal(t, "2.0.1", sess.ClientVersion)
}

func TestToolsListReturnsCatalog(t *testing.T) {
	h := NewHandler(&fakeProvider{tools: []mcp.Tool{
		{Name: "calc_xzcli_add", Description: "adds", RawInputSchema: json.RawMessage(`{"type":"object"}`)},
	}})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	result := resp["result"].(map[string]interface{})
	tools := result["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "calc_xzcli_add", tools[0].(map[string]interface{})["name"])
}

func TestToolsListEmptyCatalog(t *testing.T) {
	h := NewHandler(&fakeProvider{})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	result := resp["result"].(map[string]interface{})
	assert.Empty(t, result["tools"])
	assert.NotNil(t, result["tools"])
}

func TestToolsCallForwardsToProvider(t *testing.T) {
	provider := &fakeProvider{
		tools:  []mcp.Tool{{Name: "add", RawInputSchema: json.RawMessage(`{"type":"object"}`)}},
		result: &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "8"}}},
	}
	h := NewHandler(provider)

	resp := handle(t, h, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"add","arguments":{"a":5,"b":3}}}`)
	require.NotContains(t, resp, "error")
	assert.Equal(t, "add", provider.lastName)
	assert.Equal(t, map[string]interface{}{"a": 5.0, "b": 3.0}, provider.lastArgs)
}

func TestToolsCallValidationFailure(t *testing.T) {
	schema := `{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`
	h := NewHandler(&fakeProvider{
		tools: []mcp.Tool{{Name: "add", RawInputSchema: json.RawMessage(schema)}},
	})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"add","arguments":{}}}`)
	errObj := rpcError(t, resp)

	assert.Equal(t, float64(CodeInvalidParams), errObj["code"])
	assert.Contains(t, errObj["message"], "参数验证失败")
	data := errObj["data"].(map[string]interface{})
	assert.Equal(t, "INVALID_ARGUMENTS", data["code"])
}

func TestToolsCallPlainErrorIsInternal(t *testing.T) {
	h := NewHandler(&fakeProvider{err: errors.New("downstream exploded")})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"add"}}`)
	errObj := rpcError(t, resp)
	assert.Equal(t, float64(CodeInternalError), errObj["code"])
	assert.Contains(t, errObj["message"], "exploded")
	assert.NotContains(t, errObj, "data")
}

func TestToolsCallUnknownToolMapsToMethodNotFound(t *testing.T) {
	h := NewHandler(&fakeProvider{err: api.NewNotFoundError("tool", "nope")})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"nope"}}`)
	errObj := rpcError(t, resp)

	assert.Equal(t, float64(CodeMethodNotFound), errObj["code"])
	assert.Contains(t, errObj["message"], "nope")
	data := errObj["data"].(map[string]interface{})
	assert.Equal(t, api.CodeNotFound, data["code"])
}

func TestToolsCallCarriesMachineCode(t *testing.T) {
	h := NewHandler(&fakeProvider{err: api.NewNotConnectedError("service calc")})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"calc_xzcli_add"}}`)
	errObj := rpcError(t, resp)

	assert.Equal(t, float64(CodeInternalError), errObj["code"])
	data := errObj["data"].(map[string]interface{})
	assert.Equal(t, api.CodeNotConnected, data["code"])
}

func TestToolsCallValidationErrorFromProvider(t *testing.T) {
	h := NewHandler(&fakeProvider{err: api.NewValidationError("bad arguments")})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"add"}}`)
	errObj := rpcError(t, resp)

	assert.Equal(t, float64(CodeInvalidParams), errObj["code"])
	data := errObj["data"].(map[string]interface{})
	assert.Equal(t, api.CodeValidation, data["code"])
}

func TestPingReportsStatusAndStampsHeartbeat(t *testing.T) {
	h := NewHandler(&fakeProvider{})
	beats := 0
	h.SetOnPing(func() { beats++ })

	resp := handle(t, h, `{"jsonrpc":"2.0","id":6,"method":"ping"}`)
	result := resp["result"].(map[string]interface{})

	assert.Equal(t, "ok", result["status"])
	stamp, err := time.ParseInLocation("2006-01-02 15:04:05", result["timestamp"].(string), time.Local)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), stamp, 5*time.Second)
	assert.Equal(t, 1, beats)
}

func TestResourcesAndPromptsListAreEmpty(t *testing.T) {
	h := NewHandler(&fakeProvider{})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	assert.Empty(t, resp["result"].(map[string]interface{})["resources"])

	resp = handle(t, h, `{"jsonrpc":"2.0","id":8,"method":"prompts/list"}`)
	assert.Empty(t, resp["result"].(map[string]interface{})["prompts"])
}

func TestUnknownMethod(t *testing.T) {
	h := NewHandler(&fakeProvider{})

	resp := handle(t, h, `{"jsonrpc":"2.0","id":9,"method":"tools/surprise"}`)
	errObj := rpcError(t, resp)
	assert.Equal(t, float64(CodeMethodNotFound), errObj["code"])
	assert.Equal(t, "未知的方法", errObj["message"])
}

func TestParseError(t *testing.T) {
	h := NewHandler(&fakeProvider{})

	data := h.HandleMessage(context.Background(), []byte(`{"jsonrpc":`))
	require.NotNil(t, data)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &resp))
	errObj := rpcError(t, resp)
	assert.Equal(t, float64(CodeParseError), errObj["code"])
	assert.Nil(t, resp["id"])
}

func TestNotificationGetsNoResponse(t *testing.T) {
	h := NewHandler(&fakeProvider{})
	assert.Nil(t, h.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
}

func TestIDEchoedVerbatim(t *testing.T) {
	h := NewHandler(&fakeProvider{})

	tests := []struct {
		raw    string
		wantID string
	}{
		{`{"jsonrpc":"2.0","id":42,"method":"ping"}`, `42`},
		{`{"jsonrpc":"2.0","id":"req-abc","method":"ping"}`, `"req-abc"`},
		{`{"jsonrpc":"2.0","id":3.5,"method":"ping"}`, `3.5`},
	}

	for _, tt := range tests {
		data := h.HandleMessage(context.Background(), []byte(tt.raw))
		var resp struct {
			ID json.RawMessage `json:"id"`
		}
		require.NoError(t, json.Unmarshal(data, &resp))
		assert.Equal(t, tt.wantID, string(resp.ID))
	}
}
