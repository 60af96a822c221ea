package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xzbridge/internal/api"
	"xzbridge/internal/config"
)

func TestNewClientStdio(t *testing.T) {
	c, err := NewClient("calc", config.ServerConfig{Command: "npx", Args: []string{"-y", "calculator-mcp"}}, config.ModelScopeConfig{})
	require.NoError(t, err)
	assert.IsType(t, &StdioClient{}, c)
}

func TestNewClientSSE(t *testing.T) {
	c, err := NewClient("weather", config.ServerConfig{URL: "https://weather.example.com/sse"}, config.ModelScopeConfig{})
	require.NoError(t, err)
	assert.IsType(t, &SSEClient{}, c)
}

func TestNewClientStreamableHTTP(t *testing.T) {
	c, err := NewClient("tools", config.ServerConfig{URL: "https://tools.example.com/mcp"}, config.ModelScopeConfig{})
	require.NoError(t, err)
	assert.IsType(t, &StreamableHTTPClient{}, c)
}

func TestNewClientModelScope(t *testing.T) {
	c, err := NewClient("ms", config.ServerConfig{
		URL: "https://mcp.api-inference.modelscope.net/abc/sse",
	}, config.ModelScopeConfig{APIKey: "ms-key"})
	require.NoError(t, err)
	assert.IsType(t, &SSEClient{}, c)
}

func TestNewClientExplicitTypeOverridesInference(t *testing.T) {
	c, err := NewClient("forced", config.ServerConfig{
		URL:  "https://tools.example.com/sse",
		Type: config.ServerTypeStreamableHTTP,
	}, config.ModelScopeConfig{})
	require.NoError(t, err)
	assert.IsType(t, &StreamableHTTPClient{}, c)
}

func TestNewClientMissingRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		sc   config.ServerConfig
	}{
		{"stdio without command", config.ServerConfig{Type: config.ServerTypeStdio}},
		{"sse without url", config.ServerConfig{Type: config.ServerTypeSSE}},
		{"modelscope without url", config.ServerConfig{Type: config.ServerTypeModelScopeSSE}},
		{"streamable-http without url", config.ServerConfig{Type: config.ServerTypeStreamableHTTP}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient("bad", tt.sc, config.ModelScopeConfig{})
			require.Error(t, err)
			assert.True(t, api.IsConfiguration(err))
		})
	}
}

func TestNewClientUnknownType(t *testing.T) {
	_, err := NewClient("odd", config.ServerConfig{Type: "carrier-pigeon", URL: "https://x"}, config.ModelScopeConfig{})
	require.Error(t, err)
	assert.True(t, api.IsConfiguration(err))
}
