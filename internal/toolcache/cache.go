// Package toolcache persists a snapshot of every downstream service's tool
// list next to the config file. The cache is advisory: it is rewritten on
// every successful tools/list, read only by admin/UI queries, and all I/O
// errors are logged and swallowed.
package toolcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"xzbridge/internal/config"
	"xzbridge/pkg/logging"
)

const (
	// CacheFileName is the cache file created next to the config file.
	CacheFileName = "xiaozhi.cache.json"

	// fileVersion versions both the file-level metadata and each entry.
	fileVersion = "1.0.0"

	timeLayout = "2006-01-02 15:04:05"
)

// Entry is the cached snapshot of one service.
type Entry struct {
	Tools        []mcp.Tool          `json:"tools"`
	LastUpdated  string              `json:"lastUpdated"`
	ServerConfig config.ServerConfig `json:"serverConfig"`
	ConfigHash   string              `json:"configHash"`
	Version      string              `json:"version"`
}

// Metadata is the file-level bookkeeping block.
type Metadata struct {
	LastGlobalUpdate string `json:"lastGlobalUpdate"`
	TotalWrites      int64  `json:"totalWrites"`
	CreatedAt        string `json:"createdAt"`
}

// File is the on-disk shape of the cache.
type File struct {
	Version    string           `json:"version"`
	MCPServers map[string]Entry `json:"mcpServers"`
	Metadata   Metadata         `json:"metadata"`
}

// Cache manages the cache file. Writes are serialised by an internal mutex
// and performed atomically (temp file + rename), so readers never need a
// lock.
type Cache struct {
	mu   sync.Mutex
	path string
}

// New creates a cache rooted in the given directory.
func New(dir string) *Cache {
	return &Cache{path: filepath.Join(dir, CacheFileName)}
}

// Path returns the absolute path of the cache file.
func (c *Cache) Path() string { return c.path }

// ConfigHash computes the SHA-256 hash of a stable serialisation of the
// service config. Identical configs hash identically across runs and
// processes: encoding/json emits struct fields in declaration order and map
// keys sorted.
func ConfigHash(sc config.ServerConfig) string {
	data, err := json.Marshal(sc)
	if err != nil {
		// A ServerConfig is plain data; marshalling cannot realistically
		// fail, but hash the error text rather than panic.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Write records the tool list of a service. It never returns an error: the
// cache is advisory and every failure is logged and swallowed.
func (c *Cache) Write(serviceName string, tools []mcp.Tool, sc config.ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file := c.loadLocked()
	now := time.Now().Format(timeLayout)

	if tools == nil {
		tools = []mcp.Tool{}
	}
	file.MCPServers[serviceName] = Entry{
		Tools:        tools,
		LastUpdated:  now,
		ServerConfig: sc,
		ConfigHash:   ConfigHash(sc),
		Version:      fileVersion,
	}
	file.Metadata.LastGlobalUpdate = now
	file.Metadata.TotalWrites++
	if file.Metadata.CreatedAt == "" {
		file.Metadata.CreatedAt = now
	}

	if err := c.saveLocked(file); err != nil {
		logging.Warn("ToolCache", "failed to write tool cache for %s: %v", serviceName, err)
		return
	}
	logging.Debug("ToolCache", "cached %d tools for %s", len(tools), serviceName)
}

// Remove drops a service's entry, if present.
func (c *Cache) Remove(serviceName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file := c.loadLocked()
	if _, ok := file.MCPServers[serviceName]; !ok {
		return
	}
	delete(file.MCPServers, serviceName)
	file.Metadata.LastGlobalUpdate = time.Now().Format(timeLayout)
	file.Metadata.TotalWrites++

	if err := c.saveLocked(file); err != nil {
		logging.Warn("ToolCache", "failed to remove cache entry for %s: %v", serviceName, err)
	}
}

// Get returns the cached entry for a service. Intended for admin/UI
// queries; the runtime never reads the cache.
func (c *Cache) Get(serviceName string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file := c.loadLocked()
	entry, ok := file.MCPServers[serviceName]
	return entry, ok
}

// Load returns the whole cache file content.
func (c *Cache) Load() File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

// loadLocked reads the cache file, tolerating a missing or malformed file
// by rebuilding an empty structure.
func (c *Cache) loadLocked() File {
	empty := File{
		Version:    fileVersion,
		MCPServers: make(map[string]Entry),
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("ToolCache", "failed to read cache file %s: %v", c.path, err)
		}
		return empty
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		logging.Warn("ToolCache", "cache file %s is malformed, rebuilding: %v", c.path, err)
		return empty
	}
	if file.MCPServers == nil {
		file.MCPServers = make(map[string]Entry)
	}
	if file.Version == "" {
		file.Version = fileVersion
	}
	return file
}

// saveLocked serialises the file and writes it atomically.
func (c *Cache) saveLocked(file File) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialise cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}
