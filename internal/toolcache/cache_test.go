package toolcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xzbridge/internal/config"
)

func TestWriteAndGetRoundtrip(t *testing.T) {
	c := New(t.TempDir())
	sc := config.ServerConfig{Command: "npx", Args: []string{"-y", "calculator-mcp"}}

	c.Write("calc", []mcp.Tool{{Name: "add", Description: "adds"}}, sc)

	entry, ok := c.Get("calc")
	require.True(t, ok)
	assert.Len(t, entry.Tools, 1)
	assert.Equal(t, "add", entry.Tools[0].Name)
	assert.Equal(t, ConfigHash(sc), entry.ConfigHash)
	assert.NotEmpty(t, entry.LastUpdated)
}

func TestWriteNilToolsStoresEmptyList(t *testing.T) {
	c := New(t.TempDir())
	c.Write("calc", nil, config.ServerConfig{Command: "npx"})

	entry, ok := c.Get("calc")
	require.True(t, ok)
	assert.NotNil(t, entry.Tools)
	assert.Empty(t, entry.Tools)
}

func TestWriteBumpsMetadata(t *testing.T) {
	c := New(t.TempDir())
	c.Write("calc", nil, config.ServerConfig{Command: "npx"})
	c.Write("weather", nil, config.ServerConfig{URL: "https://w.example/sse"})

	file := c.Load()
	assert.Equal(t, int64(2), file.Metadata.TotalWrites)
	assert.NotEmpty(t, file.Metadata.CreatedAt)
	assert.NotEmpty(t, file.Metadata.LastGlobalUpdate)
	assert.Len(t, file.MCPServers, 2)
}

func TestMalformedCacheFileIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CacheFileName), []byte("{nope"), 0o644))

	c := New(dir)
	file := c.Load()
	assert.Empty(t, file.MCPServers)

	// Writing over the damaged file succeeds.
	c.Write("calc", []mcp.Tool{{Name: "add"}}, config.ServerConfig{Command: "npx"})
	_, ok := c.Get("calc")
	assert.True(t, ok)
}

func TestRemoveDropsEntry(t *testing.T) {
	c := New(t.TempDir())
	c.Write("calc", nil, config.ServerConfig{Command: "npx"})

	c.Remove("calc")
	_, ok := c.Get("calc")
	assert.False(t, ok)

	// Removing twice is harmless.
	c.Remove("calc")
}

func TestConfigHashStability(t *testing.T) {
	a := config.ServerConfig{Command: "npx", Args: []string{"x"}, Env: map[string]string{"A": "1", "B": "2"}}
	b := config.ServerConfig{Command: "npx", Args: []string{"x"}, Env: map[string]string{"B": "2", "A": "1"}}

	assert.Equal(t, ConfigHash(a), ConfigHash(b), "map key order must not affect the hash")
	assert.NotEqual(t, ConfigHash(a), ConfigHash(config.ServerConfig{Command: "node"}))
}
