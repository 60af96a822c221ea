package customtool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xzbridge/internal/api"
	"xzbridge/internal/config"
)

func proxyTool(name, workflowID, baseURL string) config.CustomToolConfig {
	handlerCfg, _ := json.Marshal(config.ProxyHandlerConfig{WorkflowID: workflowID, BaseURL: baseURL})
	return config.CustomToolConfig{
		Name:        name,
		Description: "workflow proxy",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		Handler: config.HandlerConfig{
			Type:     config.HandlerTypeProxy,
			Platform: "coze",
			Config:   handlerCfg,
		},
	}
}

func mcpTool(name, service, tool string) config.CustomToolConfig {
	handlerCfg, _ := json.Marshal(config.MCPHandlerConfig{ServiceName: service, ToolName: tool})
	return config.CustomToolConfig{
		Name:    name,
		Handler: config.HandlerConfig{Type: config.HandlerTypeMCP, Config: handlerCfg},
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	h := New(NewCozeClient(config.CozeConfig{Token: "test-token"}), 300*time.Second)
	t.Cleanup(h.Close)
	return h
}

func TestInitializeRejectsEmptyName(t *testing.T) {
	h := newTestHandler(t)
	err := h.Initialize([]config.CustomToolConfig{{Name: ""}})
	assert.True(t, api.IsValidation(err))
}

func TestInitializeRejectsDuplicateName(t *testing.T) {
	h := newTestHandler(t)
	err := h.Initialize([]config.CustomToolConfig{
		mcpTool("echo", "calc", "echo"),
		mcpTool("echo", "calc", "echo2"),
	})
	assert.True(t, api.IsConflict(err))
}

func TestInitializeRejectsNonObjectSchema(t *testing.T) {
	h := newTestHandler(t)
	tool := mcpTool("echo", "calc", "echo")
	tool.InputSchema = json.RawMessage(`{"type":"string"}`)

	err := h.Initialize([]config.CustomToolConfig{tool})
	assert.True(t, api.IsValidation(err))
}

func TestInitializeReplacesCatalogKeepingStats(t *testing.T) {
	h := newTestHandler(t)
	require.NoError(t, h.Initialize([]config.CustomToolConfig{
		mcpTool("echo", "calc", "echo"),
		mcpTool("old", "calc", "old"),
	}))
	h.RecordUsage("echo", time.Now())
	h.RecordUsage("old", time.Now())

	require.NoError(t, h.Initialize([]config.CustomToolConfig{
		mcpTool("echo", "calc", "echo"),
		mcpTool("new", "calc", "new"),
	}))

	var echoStats, newStats *config.ToolStats
	for _, tc := range h.List() {
		switch tc.Name {
		case "echo":
			echoStats = tc.Stats
		case "new":
			newStats = tc.Stats
		}
	}
	require.NotNil(t, echoStats)
	assert.Equal(t, int64(1), echoStats.UsageCount)
	assert.Nil(t, newStats)
	assert.False(t, h.HasTool("old"))
}

func TestGetToolsDefaultsSchemaToObject(t *testing.T) {
	h := newTestHandler(t)
	require.NoError(t, h.Initialize([]config.CustomToolConfig{mcpTool("echo", "calc", "echo")}))

	tools := h.GetTools()
	require.Len(t, tools, 1)
	assert.JSONEq(t, `{"type":"object"}`, string(tools[0].RawInputSchema))
}

func TestAddAndRemove(t *testing.T) {
	h := newTestHandler(t)
	require.NoError(t, h.Initialize(nil))

	require.NoError(t, h.Add(mcpTool("calc__add", "calc", "add")))
	assert.True(t, api.IsConflict(h.Add(mcpTool("calc__add", "calc", "add"))))

	require.NoError(t, h.Remove("calc__add"))
	assert.True(t, api.IsNotFound(h.Remove("calc__add")))
}

func TestCallToolUnknownName(t *testing.T) {
	h := newTestHandler(t)
	require.NoError(t, h.Initialize(nil))

	_, err := h.CallTool(context.Background(), "ghost", nil)
	assert.True(t, api.IsNotFound(err))
}

func TestCallToolFunctionHandlerReserved(t *testing.T) {
	h := newTestHandler(t)
	require.NoError(t, h.Initialize([]config.CustomToolConfig{{
		Name:    "later",
		Handler: config.HandlerConfig{Type: config.HandlerTypeFunction},
	}}))

	_, err := h.CallTool(context.Background(), "later", nil)
	assert.True(t, api.IsNotImplemented(err))
}

type fakeDownstream struct {
	service string
	tool    string
	result  *mcp.CallToolResult
	err     error
}

func (f *fakeDownstream) CallServiceTool(ctx context.Context, serviceName, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.service, f.tool = serviceName, toolName
	return f.result, f.err
}

func TestCallToolMCPHandlerDispatches(t *testing.T) {
	h := newTestHandler(t)
	require.NoError(t, h.Initialize([]config.CustomToolConfig{mcpTool("my_add", "calc", "add")}))

	want := &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "8"}}}
	ds := &fakeDownstream{result: want}
	h.SetDownstream(ds)

	got, err := h.CallTool(context.Background(), "my_add", map[string]interface{}{"a": 5})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "calc", ds.service)
	assert.Equal(t, "add", ds.tool)
}

func TestCallToolMCPHandlerWithoutDownstream(t *testing.T) {
	h := newTestHandler(t)
	require.NoError(t, h.Initialize([]config.CustomToolConfig{mcpTool("my_add", "calc", "add")}))

	_, err := h.CallTool(context.Background(), "my_add", nil)
	assert.True(t, api.IsNotInitialized(err))
}

func TestCallToolProxyInvokesWorkflowAndCaches(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/workflow/run", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body struct {
			WorkflowID string                 `json:"workflow_id"`
			Parameters map[string]interface{} `json:"parameters"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "wf-123", body.WorkflowID)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{\n  \"result\": \"hi a\"\n}"))
	}))
	defer srv.Close()

	h := newTestHandler(t)
	require.NoError(t, h.Initialize([]config.CustomToolConfig{proxyTool("greet", "wf-123", srv.URL)}))

	args := map[string]interface{}{"text": "a"}
	result, err := h.CallTool(context.Background(), "greet", args)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, `{"result":"hi a"}`, text.Text)

	// Identical replay is served from the cache: no second POST.
	again, err := h.CallTool(context.Background(), "greet", args)
	require.NoError(t, err)
	assert.Equal(t, result, again)
	assert.Equal(t, int64(1), calls.Load())

	// Different arguments miss the cache.
	_, err = h.CallTool(context.Background(), "greet", map[string]interface{}{"text": "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCallToolProxyHTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow not found", http.StatusNotFound)
	}))
	defer srv.Close()

	h := newTestHandler(t)
	require.NoError(t, h.Initialize([]config.CustomToolConfig{proxyTool("greet", "wf-404", srv.URL)}))

	_, err := h.CallTool(context.Background(), "greet", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCacheKeyCanonical(t *testing.T) {
	a := CacheKey("greet", map[string]interface{}{"x": 1.0, "y": "z"})
	b := CacheKey("greet", map[string]interface{}{"y": "z", "x": 1.0})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, CacheKey("other", map[string]interface{}{"x": 1.0, "y": "z"}))
}
