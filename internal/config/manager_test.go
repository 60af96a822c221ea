package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xzbridge/internal/bus"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, cfg.MCPEndpoint)
	assert.NotNil(t, cfg.MCPServers)
	assert.NotNil(t, cfg.MCPServerConfig)
}

func TestLoadConfigMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"mcpServers": `)

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestLoadConfigParsesServers(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"mcpEndpoint": "wss://api.example.com/mcp",
		"mcpServers": {
			"calculator": {"command": "npx", "args": ["-y", "calculator-mcp"]},
			"weather": {"url": "https://weather.example.com/sse"}
		}
	}`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, EndpointList{"wss://api.example.com/mcp"}, cfg.MCPEndpoint)
	assert.Equal(t, ServerTypeStdio, cfg.MCPServers["calculator"].ResolveType())
	assert.Equal(t, ServerTypeSSE, cfg.MCPServers["weather"].ResolveType())
}

func TestManagerUpdatePersistsAndPublishes(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	m := NewManager(dir, b)
	require.NoError(t, m.Load())

	var events []bus.ConfigUpdatedEvent
	bus.SubscribeTo(b, bus.TopicConfigUpdated, func(ev bus.ConfigUpdatedEvent) {
		events = append(events, ev)
	})

	require.NoError(t, m.UpdateEndpoints([]string{"wss://a/mcp"}))

	assert.Equal(t, []bus.ConfigUpdatedEvent{{Type: "mcpEndpoint"}}, events)
	assert.Equal(t, EndpointList{"wss://a/mcp"}, m.Get().MCPEndpoint)

	// The change survives a fresh load.
	fresh := NewManager(dir, nil)
	require.NoError(t, fresh.Load())
	assert.Equal(t, EndpointList{"wss://a/mcp"}, fresh.Get().MCPEndpoint)
}

func TestManagerUpdateErrorAborts(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	require.NoError(t, m.Load())

	require.NoError(t, m.UpdateEndpoints([]string{"wss://a/mcp"}))
	err := m.Update("mcpEndpoint", func(c *Config) error {
		c.MCPEndpoint = nil
		return assert.AnError
	})
	require.Error(t, err)

	// In-memory state unchanged.
	assert.Equal(t, EndpointList{"wss://a/mcp"}, m.Get().MCPEndpoint)
}

func TestManagerAddRemoveServerAnnounces(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	m := NewManager(dir, b)
	require.NoError(t, m.Load())

	var added, removed []string
	bus.SubscribeTo(b, bus.TopicServerAdded, func(ev bus.ServerEvent) { added = append(added, ev.Name) })
	bus.SubscribeTo(b, bus.TopicServerRemoved, func(ev bus.ServerEvent) { removed = append(removed, ev.Name) })

	require.NoError(t, m.AddServer("calc", ServerConfig{Command: "npx"}))
	assert.Error(t, m.AddServer("calc", ServerConfig{Command: "npx"}), "duplicate add must fail")

	require.NoError(t, m.RemoveServer("calc"))
	assert.Error(t, m.RemoveServer("calc"), "removing a missing server must fail")

	assert.Equal(t, []string{"calc"}, added)
	assert.Equal(t, []string{"calc"}, removed)
}

func TestRecordToolUsageBumpsMirrorEntry(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	require.NoError(t, m.Load())

	require.NoError(t, m.Update("serverTools", func(c *Config) error {
		c.MCPServerConfig = map[string]ServerToolsConfig{
			"calc": {Tools: map[string]ToolConfig{"add": {}}},
		}
		return nil
	}))

	when := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	require.NoError(t, m.RecordToolUsage("calc", "add", when))
	require.NoError(t, m.RecordToolUsage("calc", "add", when))

	tc := m.Get().MCPServerConfig["calc"].Tools["add"]
	assert.Equal(t, int64(2), tc.UsageCount)
	assert.Equal(t, "2026-08-24 10:30:00", tc.LastUsedTime)
}

func TestRecordToolUsageIgnoresMissingEntry(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	require.NoError(t, m.Load())

	assert.NoError(t, m.RecordToolUsage("ghost", "add", time.Now()))
}
