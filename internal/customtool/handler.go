// Package customtool holds the in-memory catalog of user-defined tools and
// executes their handlers. A custom tool is backed by one of three tagged
// handler shapes: a Coze workflow proxy, a renamed downstream MCP tool, or a
// reserved local function placeholder.
package customtool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/mark3labs/mcp-go/mcp"

	"xzbridge/internal/api"
	"xzbridge/internal/config"
	"xzbridge/pkg/logging"
)

// defaultObjectSchema is the input schema assumed when a tool record omits
// one.
var defaultObjectSchema = json.RawMessage(`{"type":"object"}`)

// DownstreamCaller dispatches an mcp-handler invocation to a downstream
// service. Implemented by the service manager; the reference is by-name at
// call time, so a replaced service is picked up transparently.
type DownstreamCaller interface {
	CallServiceTool(ctx context.Context, serviceName, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// Handler owns the custom-tool catalog. The catalog is replaced atomically
// on Initialize; lookups and calls are concurrent-safe.
type Handler struct {
	mu    sync.RWMutex
	tools map[string]config.CustomToolConfig
	order []string
	stats map[string]*config.ToolStats

	coze       *CozeClient
	downstream DownstreamCaller

	cache *ttlcache.Cache[string, *mcp.CallToolResult]
}

// New creates a handler with an empty catalog. cacheTTL bounds the Coze
// proxy result cache.
func New(coze *CozeClient, cacheTTL time.Duration) *Handler {
	cache := ttlcache.New[string, *mcp.CallToolResult](
		ttlcache.WithTTL[string, *mcp.CallToolResult](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *mcp.CallToolResult](),
	)
	go cache.Start()

	return &Handler{
		tools: make(map[string]config.CustomToolConfig),
		stats: make(map[string]*config.ToolStats),
		coze:  coze,
		cache: cache,
	}
}

// SetDownstream installs the dispatch target for mcp-kind handlers.
func (h *Handler) SetDownstream(d DownstreamCaller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downstream = d
}

// Initialize atomically replaces the catalog with the given tool records.
// Existing usage stats survive for tools that keep their name. Returns a
// ValidationError for a non-object input schema and a ConflictError for a
// duplicated name.
func (h *Handler) Initialize(tools []config.CustomToolConfig) error {
	next := make(map[string]config.CustomToolConfig, len(tools))
	order := make([]string, 0, len(tools))

	for _, tool := range tools {
		if tool.Name == "" {
			return api.NewValidationError("custom tool name must not be empty")
		}
		if _, dup := next[tool.Name]; dup {
			return api.NewConflictError("custom tool", tool.Name)
		}
		if err := validateInputSchema(tool.InputSchema); err != nil {
			return err
		}
		next[tool.Name] = tool
		order = append(order, tool.Name)
	}

	h.mu.Lock()
	h.tools = next
	h.order = order
	for name := range h.stats {
		if _, keep := next[name]; !keep {
			delete(h.stats, name)
		}
	}
	h.mu.Unlock()

	logging.Info("CustomTool", "initialized %d custom tools", len(tools))
	return nil
}

func validateInputSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var parsed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return api.NewValidationError("custom tool inputSchema is not valid JSON: %v", err)
	}
	if parsed.Type != "object" {
		return api.NewValidationError("custom tool inputSchema.type must be \"object\", got %q", parsed.Type)
	}
	return nil
}

// GetTools returns the catalog as MCP tool descriptors, in insertion order.
func (h *Handler) GetTools() []mcp.Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(h.order))
	for _, name := range h.order {
		tc := h.tools[name]
		schema := tc.InputSchema
		if len(schema) == 0 {
			schema = defaultObjectSchema
		}
		tools = append(tools, mcp.Tool{
			Name:           tc.Name,
			Description:    tc.Description,
			RawInputSchema: schema,
		})
	}
	return tools
}

// List returns the raw catalog records with current stats attached, in
// insertion order.
func (h *Handler) List() []config.CustomToolConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]config.CustomToolConfig, 0, len(h.order))
	for _, name := range h.order {
		tc := h.tools[name]
		if st, ok := h.stats[name]; ok {
			copied := *st
			tc.Stats = &copied
		}
		out = append(out, tc)
	}
	return out
}

// HasTool reports whether the catalog contains name. O(1).
func (h *Handler) HasTool(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tools[name]
	return ok
}

// Get returns the catalog record for name.
func (h *Handler) Get(name string) (config.CustomToolConfig, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tc, ok := h.tools[name]
	return tc, ok
}

// Add registers a single tool without touching the rest of the catalog.
// Used by the tool sync reconciler.
func (h *Handler) Add(tool config.CustomToolConfig) error {
	if tool.Name == "" {
		return api.NewValidationError("custom tool name must not be empty")
	}
	if err := validateInputSchema(tool.InputSchema); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.tools[tool.Name]; dup {
		return api.NewConflictError("custom tool", tool.Name)
	}
	h.tools[tool.Name] = tool
	h.order = append(h.order, tool.Name)
	return nil
}

// Remove drops a single tool. Returns a NotFoundError when absent.
func (h *Handler) Remove(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tools[name]; !ok {
		return api.NewNotFoundError("custom tool", name)
	}
	delete(h.tools, name)
	delete(h.stats, name)
	for i, n := range h.order {
		if n == name {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return nil
}

// RecordUsage bumps the usage stats of a tool. Missing tools are ignored.
func (h *Handler) RecordUsage(name string, when time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tools[name]; !ok {
		return
	}
	st := h.stats[name]
	if st == nil {
		st = &config.ToolStats{}
		h.stats[name] = st
	}
	st.UsageCount++
	st.LastUsedTime = when.Format("2006-01-02 15:04:05")
}

// CallTool executes the handler of the named tool.
func (h *Handler) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	h.mu.RLock()
	tc, ok := h.tools[name]
	downstream := h.downstream
	h.mu.RUnlock()
	if !ok {
		return nil, api.NewNotFoundError("custom tool", name)
	}

	switch tc.Handler.Type {
	case config.HandlerTypeProxy:
		return h.callProxy(ctx, tc, args)

	case config.HandlerTypeMCP:
		var mc config.MCPHandlerConfig
		if err := json.Unmarshal(tc.Handler.Config, &mc); err != nil {
			return nil, api.NewConfigurationError("custom tool %s has a malformed mcp handler config", name)
		}
		if downstream == nil {
			return nil, api.NewNotInitializedError("custom tool dispatch")
		}
		return downstream.CallServiceTool(ctx, mc.ServiceName, mc.ToolName, args)

	case config.HandlerTypeFunction:
		return nil, api.NewNotImplementedError("function handler")

	default:
		return nil, api.NewConfigurationError("custom tool %s has unknown handler type %q", name, tc.Handler.Type)
	}
}

// callProxy invokes the Coze workflow behind a proxy handler, with a
// bounded-TTL result cache so identical replays produce stable responses.
func (h *Handler) callProxy(ctx context.Context, tc config.CustomToolConfig, args map[string]interface{}) (*mcp.CallToolResult, error) {
	var pc config.ProxyHandlerConfig
	if err := json.Unmarshal(tc.Handler.Config, &pc); err != nil || pc.WorkflowID == "" {
		return nil, api.NewConfigurationError("custom tool %s has a malformed proxy handler config", tc.Name)
	}

	key := CacheKey(tc.Name, args)
	if item := h.cache.Get(key); item != nil {
		logging.Debug("CustomTool", "proxy cache hit for %s", tc.Name)
		return item.Value(), nil
	}

	text, err := h.coze.RunWorkflow(ctx, pc.WorkflowID, pc.BaseURL, args)
	if err != nil {
		return nil, err
	}

	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
		IsError: false,
	}
	h.cache.Set(key, result, ttlcache.DefaultTTL)
	return result, nil
}

// CacheKey derives the proxy cache key from the tool name and a canonical
// serialisation of the arguments. encoding/json sorts map keys, so
// logically identical argument maps key identically.
func CacheKey(name string, args map[string]interface{}) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte("{}")
	}
	sum := sha256.Sum256(append([]byte(name), canonical...))
	return hex.EncodeToString(sum[:])
}

// Close releases the result cache.
func (h *Handler) Close() {
	h.cache.Stop()
}
