package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"xzbridge/internal/bus"
	"xzbridge/pkg/logging"
)

// Manager owns the configuration file: it is the single writer, keeps the
// in-memory copy coherent, and emits config:updated on the bus after every
// mutation. Readers call Get whenever a change notification arrives instead
// of holding references into manager state.
type Manager struct {
	mu   sync.RWMutex
	dir  string
	path string
	cfg  Config
	bus  *bus.Bus

	// lastSelfWrite suppresses the fsnotify echo of our own saves.
	lastSelfWrite time.Time

	watcher   *fsnotify.Watcher
	watchStop context.CancelFunc
}

// NewManager creates a config manager rooted at dir. Load must be called
// before first use.
func NewManager(dir string, b *bus.Bus) *Manager {
	return &Manager{
		dir:  dir,
		path: filepath.Join(dir, ConfigFileName),
		bus:  b,
	}
}

// Path returns the absolute path of the config file.
func (m *Manager) Path() string { return m.path }

// Dir returns the config directory.
func (m *Manager) Dir() string { return m.dir }

// Load reads the configuration from disk, replacing the in-memory copy.
func (m *Manager) Load() error {
	cfg, err := LoadConfig(m.dir)
	if err != nil {
		if m.bus != nil {
			m.bus.Publish(bus.TopicConfigError, bus.ConfigErrorEvent{Err: err})
		}
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a snapshot of the current configuration. The nested maps and
// slices are shared; callers must treat the result as read-only and mutate
// only through Update.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update applies fn to the configuration under the write lock, persists the
// result atomically, and publishes config:updated with the given change
// type. The event is emitted only after the manager's own state is coherent.
func (m *Manager) Update(changeType string, fn func(*Config) error) error {
	m.mu.Lock()
	next := m.cfg
	if err := fn(&next); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.saveLocked(next); err != nil {
		m.mu.Unlock()
		if m.bus != nil {
			m.bus.Publish(bus.TopicConfigError, bus.ConfigErrorEvent{Err: err})
		}
		return err
	}
	m.cfg = next
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.TopicConfigUpdated, bus.ConfigUpdatedEvent{Type: changeType})
	}
	return nil
}

// saveLocked serialises cfg and writes it with a temp-file + rename so
// readers never observe a partial file. Caller holds the write lock.
func (m *Manager) saveLocked(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialise config: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config temp file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	m.lastSelfWrite = time.Now()
	return nil
}

// UpdateEndpoints persists the upstream endpoint list.
func (m *Manager) UpdateEndpoints(endpoints []string) error {
	return m.Update("mcpEndpoint", func(c *Config) error {
		c.MCPEndpoint = EndpointList(append([]string(nil), endpoints...))
		return nil
	})
}

// AddServer adds a downstream server config and announces it on the bus.
func (m *Manager) AddServer(name string, sc ServerConfig) error {
	err := m.Update("mcpServers", func(c *Config) error {
		if _, exists := c.MCPServers[name]; exists {
			return fmt.Errorf("server %s already configured", name)
		}
		servers := make(map[string]ServerConfig, len(c.MCPServers)+1)
		for k, v := range c.MCPServers {
			servers[k] = v
		}
		servers[name] = sc
		c.MCPServers = servers
		return nil
	})
	if err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicServerAdded, bus.ServerEvent{Name: name})
	}
	return nil
}

// RemoveServer removes a downstream server config and announces the removal.
func (m *Manager) RemoveServer(name string) error {
	err := m.Update("mcpServers", func(c *Config) error {
		if _, exists := c.MCPServers[name]; !exists {
			return fmt.Errorf("server %s is not configured", name)
		}
		servers := make(map[string]ServerConfig, len(c.MCPServers))
		for k, v := range c.MCPServers {
			if k != name {
				servers[k] = v
			}
		}
		c.MCPServers = servers
		return nil
	})
	if err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicServerRemoved, bus.ServerEvent{Name: name})
	}
	return nil
}

// RecordToolUsage bumps usageCount and lastUsedTime of the mirror entry in
// the enable-flag table, when one exists. Missing entries are ignored: the
// table is reconciled elsewhere.
func (m *Manager) RecordToolUsage(service, tool string, when time.Time) error {
	return m.Update("serverTools", func(c *Config) error {
		sc, ok := c.MCPServerConfig[service]
		if !ok {
			return nil
		}
		tc, ok := sc.Tools[tool]
		if !ok {
			return nil
		}
		tc.UsageCount++
		tc.LastUsedTime = when.Format("2006-01-02 15:04:05")

		tools := make(map[string]ToolConfig, len(sc.Tools))
		for k, v := range sc.Tools {
			tools[k] = v
		}
		tools[tool] = tc

		table := make(map[string]ServerToolsConfig, len(c.MCPServerConfig))
		for k, v := range c.MCPServerConfig {
			table[k] = v
		}
		table[service] = ServerToolsConfig{Tools: tools}
		c.MCPServerConfig = table
		return nil
	})
}

// Watch starts observing the config file for external edits. A changed file
// is reloaded after a short debounce and announced as a full config:updated.
// Saves performed through this manager are suppressed.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory %s: %w", m.dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.watcher = watcher
	m.watchStop = cancel
	m.mu.Unlock()

	go m.watchLoop(watchCtx, watcher)
	logging.Info("Config", "watching %s for changes", m.path)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			watcher.Close()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ConfigFileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			m.mu.RLock()
			selfWrite := time.Since(m.lastSelfWrite) < time.Second
			m.mu.RUnlock()
			if selfWrite {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Config", "watcher error: %v", err)
		case <-reload:
			logging.Info("Config", "config file changed externally, reloading")
			if err := m.Load(); err != nil {
				logging.Error("Config", err, "failed to reload changed config")
				continue
			}
			if m.bus != nil {
				m.bus.Publish(bus.TopicConfigUpdated, bus.ConfigUpdatedEvent{Type: ""})
			}
		}
	}
}

// Close stops the watcher, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	stop := m.watchStop
	m.watchStop = nil
	m.watcher = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}
