package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Config is the on-disk configuration of the bridge. Missing optional
// sections default to empty; see DefaultConfig.
type Config struct {
	// MCPEndpoint holds the upstream endpoint URL(s). The JSON value may be
	// a single string or an array of strings.
	MCPEndpoint EndpointList `json:"mcpEndpoint,omitempty"`

	// MCPServers maps a service name to its downstream server configuration.
	MCPServers map[string]ServerConfig `json:"mcpServers"`

	// MCPServerConfig is the per-service per-tool enable-flag table.
	MCPServerConfig map[string]ServerToolsConfig `json:"mcpServerConfig,omitempty"`

	// CustomMCP holds the user-defined custom tools.
	CustomMCP CustomMCPConfig `json:"customMCP,omitempty"`

	// Platforms configures external tool platforms (currently Coze).
	Platforms PlatformsConfig `json:"platforms,omitempty"`

	// WebUI configures the browser UI port (served outside the core).
	WebUI WebUIConfig `json:"webUI,omitempty"`

	// Connection holds upstream heartbeat and reconnect knobs.
	Connection ConnectionConfig `json:"connection,omitempty"`

	// ModelScope carries the platform token for ModelScope-hosted servers.
	ModelScope ModelScopeConfig `json:"modelscope,omitempty"`

	// MetricsPort, when non-zero, serves prometheus metrics on this port.
	MetricsPort int `json:"metricsPort,omitempty"`
}

// EndpointList accepts either a JSON string or an array of strings.
type EndpointList []string

// UnmarshalJSON implements the string-or-array form of mcpEndpoint.
func (e *EndpointList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*e = nil
		} else {
			*e = EndpointList{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("mcpEndpoint must be a string or an array of strings")
	}
	*e = EndpointList(many)
	return nil
}

// ServerType identifies the transport variant of a downstream server.
type ServerType string

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeSSE            ServerType = "sse"
	ServerTypeStreamableHTTP ServerType = "streamable-http"
	ServerTypeModelScopeSSE  ServerType = "modelscope-sse"
)

// ServerConfig describes one downstream MCP server. The variant is tagged by
// Type; when Type is empty it is inferred from the populated fields (command
// implies stdio, a ModelScope URL implies modelscope-sse, a /sse URL implies
// sse, any other URL implies streamable-http).
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Type    ServerType        `json:"type,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout bounds a single request to the server, in milliseconds.
	Timeout int64 `json:"timeout,omitempty"`

	Reconnect *ReconnectPolicy `json:"reconnect,omitempty"`
	Ping      *PingPolicy      `json:"ping,omitempty"`
}

// ResolveType returns the effective transport variant for this config.
func (c ServerConfig) ResolveType() ServerType {
	if c.Type != "" {
		return c.Type
	}
	if c.Command != "" {
		return ServerTypeStdio
	}
	if IsModelScopeURL(c.URL) {
		return ServerTypeModelScopeSSE
	}
	if strings.HasSuffix(strings.TrimRight(c.URL, "/"), "/sse") {
		return ServerTypeSSE
	}
	return ServerTypeStreamableHTTP
}

// IsModelScopeURL reports whether the URL points at the ModelScope platform.
func IsModelScopeURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	return strings.Contains(host, "modelscope.net") || strings.Contains(host, "modelscope.cn")
}

// BackoffStrategy names a reconnect interval growth strategy.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// ReconnectPolicy controls automatic reconnection after a transport failure.
// All intervals are milliseconds.
type ReconnectPolicy struct {
	Enabled           bool            `json:"enabled"`
	MaxAttempts       int             `json:"maxAttempts,omitempty"`
	InitialInterval   int64           `json:"initialInterval,omitempty"`
	MaxInterval       int64           `json:"maxInterval,omitempty"`
	BackoffStrategy   BackoffStrategy `json:"backoffStrategy,omitempty"`
	BackoffMultiplier float64         `json:"backoffMultiplier,omitempty"`
	Timeout           int64           `json:"timeout,omitempty"`
	Jitter            bool            `json:"jitter,omitempty"`
}

// PingPolicy controls the downstream liveness probe (a lightweight
// tools/list, not the MCP ping method). All intervals are milliseconds.
type PingPolicy struct {
	Enabled     bool  `json:"enabled"`
	Interval    int64 `json:"interval,omitempty"`
	Timeout     int64 `json:"timeout,omitempty"`
	MaxFailures int   `json:"maxFailures,omitempty"`
	StartDelay  int64 `json:"startDelay,omitempty"`
}

// ServerToolsConfig is the per-tool enable-flag table of one service.
type ServerToolsConfig struct {
	Tools map[string]ToolConfig `json:"tools"`
}

// ToolConfig carries the enable flag and usage stats of one downstream tool.
// A nil Enable means enabled.
type ToolConfig struct {
	Enable       *bool  `json:"enable,omitempty"`
	Description  string `json:"description,omitempty"`
	UsageCount   int64  `json:"usageCount,omitempty"`
	LastUsedTime string `json:"lastUsedTime,omitempty"`
}

// Enabled reports the effective enable flag.
func (t ToolConfig) Enabled() bool {
	return t.Enable == nil || *t.Enable
}

// CustomMCPConfig holds the user-defined custom tool records.
type CustomMCPConfig struct {
	Tools []CustomToolConfig `json:"tools,omitempty"`
}

// CustomToolConfig is one user-defined tool. Name is globally unique in the
// catalog and InputSchema must be a JSON-Schema object.
type CustomToolConfig struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Handler     HandlerConfig   `json:"handler"`
	Stats       *ToolStats      `json:"stats,omitempty"`
}

// HandlerType tags a custom-tool handler variant.
type HandlerType string

const (
	HandlerTypeProxy    HandlerType = "proxy"
	HandlerTypeMCP      HandlerType = "mcp"
	HandlerTypeFunction HandlerType = "function"
)

// HandlerConfig is the tagged handler union of a custom tool.
type HandlerConfig struct {
	Type     HandlerType     `json:"type"`
	Platform string          `json:"platform,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// ProxyHandlerConfig is the config blob of a proxy/coze handler.
type ProxyHandlerConfig struct {
	WorkflowID string `json:"workflow_id"`
	BaseURL    string `json:"base_url,omitempty"`
}

// MCPHandlerConfig is the config blob of an mcp handler: it forwards to a
// downstream tool under a possibly renamed public identity.
type MCPHandlerConfig struct {
	ServiceName string `json:"serviceName"`
	ToolName    string `json:"toolName"`
}

// ToolStats records usage of a custom tool.
type ToolStats struct {
	UsageCount   int64  `json:"usageCount"`
	LastUsedTime string `json:"lastUsedTime,omitempty"`
}

// PlatformsConfig configures external tool platforms.
type PlatformsConfig struct {
	Coze CozeConfig `json:"coze,omitempty"`
}

// CozeConfig holds the Coze workflow platform settings.
type CozeConfig struct {
	Token string `json:"token,omitempty"`
	// BaseURL overrides the default https://api.coze.cn endpoint.
	BaseURL string `json:"baseUrl,omitempty"`
	// CacheTTL bounds the proxy result cache, in seconds. Zero selects the
	// default of 300.
	CacheTTL int `json:"cacheTTL,omitempty"`
}

// WebUIConfig configures the browser UI.
type WebUIConfig struct {
	Port int `json:"port,omitempty"`
}

// ConnectionConfig holds upstream heartbeat and reconnect knobs. All values
// are milliseconds.
type ConnectionConfig struct {
	HeartbeatInterval int64 `json:"heartbeatInterval,omitempty"`
	HeartbeatTimeout  int64 `json:"heartbeatTimeout,omitempty"`
	ReconnectInterval int64 `json:"reconnectInterval,omitempty"`
}

// ModelScopeConfig carries the ModelScope platform token.
type ModelScopeConfig struct {
	APIKey string `json:"apiKey,omitempty"`
}
