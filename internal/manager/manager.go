// Package manager aggregates every downstream MCP service and the custom
// tool catalog into a single tool surface. It owns service lifecycles,
// resolves public tool names back to their origin, and keeps per-tool usage
// stats coherent under concurrent calls.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"xzbridge/internal/api"
	"xzbridge/internal/bus"
	"xzbridge/internal/config"
	"xzbridge/internal/customtool"
	"xzbridge/internal/downstream"
	"xzbridge/internal/metrics"
	"xzbridge/internal/toolcache"
	"xzbridge/internal/transport"
	"xzbridge/pkg/logging"
)

// Service is the downstream service surface the manager depends on.
// *downstream.Service implements it; tests substitute fakes.
type Service interface {
	Name() string
	State() downstream.State
	Tools() []mcp.Tool
	HasTool(name string) bool
	Connect(ctx context.Context) error
	Disconnect() error
	Reconnect(ctx context.Context) error
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	LastError() error
}

// ServiceFactory builds a Service for one configured downstream server.
type ServiceFactory func(name string, sc config.ServerConfig) Service

// ServiceStatus is a point-in-time snapshot of one managed service.
type ServiceStatus struct {
	Name      string           `json:"name"`
	State     downstream.State `json:"state"`
	ToolCount int              `json:"toolCount"`
	LastError string           `json:"lastError,omitempty"`
}

// Manager is the aggregation hub: it maps configured servers to live
// services, merges their catalogs with the custom tools under the public
// naming scheme, and routes tool calls back to their origin.
type Manager struct {
	cfg    *config.Manager
	custom *customtool.Handler
	cache  *toolcache.Cache
	bus    *bus.Bus

	mu         sync.RWMutex
	services   map[string]Service
	newService ServiceFactory

	// statsLocks serialises the read-modify-write of usage stats per
	// service/tool key so concurrent calls to the same tool never lose a
	// count.
	statsMu    sync.Mutex
	statsLocks map[string]*sync.Mutex

	// onToolsChanged fans out to the upstream side; set by the endpoint
	// layer.
	callbackMu     sync.RWMutex
	onToolsChanged func()

	unsubs []func()
}

// NewManager wires a manager over the given collaborators. The custom
// handler's downstream dispatch is pointed at the new manager.
func NewManager(cfg *config.Manager, custom *customtool.Handler, cache *toolcache.Cache, b *bus.Bus) *Manager {
	m := &Manager{
		cfg:        cfg,
		custom:     custom,
		cache:      cache,
		bus:        b,
		services:   make(map[string]Service),
		statsLocks: make(map[string]*sync.Mutex),
	}
	m.newService = m.buildService
	if custom != nil {
		custom.SetDownstream(m)
	}
	return m
}

// SetServiceFactory replaces the service constructor. Intended for tests.
func (m *Manager) SetServiceFactory(f ServiceFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newService = f
}

// SetOnToolsChanged installs the callback invoked whenever the aggregated
// tool surface may have changed.
func (m *Manager) SetOnToolsChanged(fn func()) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onToolsChanged = fn
}

func (m *Manager) notifyToolsChanged() {
	m.callbackMu.RLock()
	fn := m.onToolsChanged
	m.callbackMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// buildService is the production factory: a downstream service over a fresh
// transport per connection attempt.
func (m *Manager) buildService(name string, sc config.ServerConfig) Service {
	return downstream.New(name, sc, func() (transport.Client, error) {
		return transport.NewClient(name, sc, m.cfg.Get().ModelScope)
	}, downstream.Options{
		Cache: m.cache,
		OnToolsChanged: func(service string) {
			if m.bus != nil {
				m.bus.Publish(bus.TopicSyncServerToolsUpdated, bus.SyncEvent{Service: service})
			}
			m.notifyToolsChanged()
		},
		OnStateChanged: func(service string, state downstream.State) {
			if state == downstream.StateReconnecting {
				metrics.Reconnects.WithLabelValues(service).Inc()
			}
			if state == downstream.StateConnected && m.bus != nil {
				m.bus.Publish(bus.TopicSyncServerToolsUpdated, bus.SyncEvent{Service: service})
			}
			m.updateConnectedGauge()
			m.notifyToolsChanged()
		},
	})
}

// Start subscribes the manager to configuration events. Call once, before
// StartAllServices.
func (m *Manager) Start() {
	if m.bus == nil {
		return
	}
	m.unsubs = append(m.unsubs,
		bus.SubscribeTo(m.bus, bus.TopicServerAdded, m.handleServerAdded),
		bus.SubscribeTo(m.bus, bus.TopicServerRemoved, m.handleServerRemoved),
		bus.SubscribeTo(m.bus, bus.TopicConfigUpdated, m.handleConfigUpdated),
	)
}

// StartAllServices builds a service for every configured server and connects
// them in parallel. A failing service does not abort the rest; failures are
// logged and left to each service's own reconnect machinery.
func (m *Manager) StartAllServices(ctx context.Context) error {
	conf := m.cfg.Get()

	m.mu.Lock()
	for name, sc := range conf.MCPServers {
		if _, exists := m.services[name]; !exists {
			m.services[name] = m.newService(name, sc)
		}
	}
	targets := make([]Service, 0, len(m.services))
	for _, svc := range m.services {
		targets = append(targets, svc)
	}
	m.mu.Unlock()

	var g errgroup.Group
	var failed int64
	var failedMu sync.Mutex
	for _, svc := range targets {
		svc := svc
		g.Go(func() error {
			if err := svc.Connect(ctx); err != nil {
				logging.Warn("Manager", "service %s failed to start: %v", svc.Name(), err)
				failedMu.Lock()
				failed++
				failedMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	m.updateConnectedGauge()
	logging.Info("Manager", "started %d services (%d failed initial connect)", len(targets), failed)
	return nil
}

// StopAllServices disconnects every managed service in parallel.
func (m *Manager) StopAllServices() {
	m.mu.RLock()
	targets := make([]Service, 0, len(m.services))
	for _, svc := range m.services {
		targets = append(targets, svc)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, svc := range targets {
		wg.Add(1)
		go func(s Service) {
			defer wg.Done()
			s.Disconnect()
		}(svc)
	}
	wg.Wait()
	m.updateConnectedGauge()
}

// Shutdown unsubscribes from the bus and stops every service.
func (m *Manager) Shutdown() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.StopAllServices()
}

// GetService returns a managed service by name.
func (m *Manager) GetService(name string) (Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	return svc, ok
}

// ServiceNames returns the managed service names, sorted.
func (m *Manager) ServiceNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceTools returns the live catalog of one managed service.
func (m *Manager) ServiceTools(name string) ([]mcp.Tool, bool) {
	svc, ok := m.GetService(name)
	if !ok {
		return nil, false
	}
	return svc.Tools(), true
}

// ConnectedServiceNames returns the names of services currently connected,
// sorted.
func (m *Manager) ConnectedServiceNames() []string {
	var connected []string
	for _, name := range m.ServiceNames() {
		if svc, ok := m.GetService(name); ok && svc.State() == downstream.StateConnected {
			connected = append(connected, name)
		}
	}
	return connected
}

// GetServiceStatus snapshots every managed service.
func (m *Manager) GetServiceStatus() []ServiceStatus {
	statuses := make([]ServiceStatus, 0)
	for _, name := range m.ServiceNames() {
		svc, ok := m.GetService(name)
		if !ok {
			continue
		}
		st := ServiceStatus{
			Name:      name,
			State:     svc.State(),
			ToolCount: len(svc.Tools()),
		}
		if err := svc.LastError(); err != nil {
			st.LastError = err.Error()
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// RestartService reconnects one service, announcing the restart lifecycle on
// the bus.
func (m *Manager) RestartService(ctx context.Context, name string) error {
	svc, ok := m.GetService(name)
	if !ok {
		return api.NewNotFoundError("service", name)
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicRestartStarted, bus.RestartEvent{Service: name})
	}
	if err := svc.Reconnect(ctx); err != nil {
		if m.bus != nil {
			m.bus.Publish(bus.TopicRestartFailed, bus.RestartEvent{Service: name, Err: err})
		}
		return err
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicRestartCompleted, bus.RestartEvent{Service: name})
	}
	return nil
}

// GetAllTools returns the aggregated public catalog: custom tools first,
// then each connected service's tools under their prefixed public names.
// Per-tool enable flags gate exposure only; a custom tool shadows a prefixed
// name outright.
func (m *Manager) GetAllTools() []mcp.Tool {
	conf := m.cfg.Get()

	var tools []mcp.Tool
	seen := make(map[string]struct{})
	if m.custom != nil {
		tools = m.custom.GetTools()
		for _, t := range tools {
			seen[t.Name] = struct{}{}
		}
	}

	for _, name := range m.ServiceNames() {
		svc, ok := m.GetService(name)
		if !ok || svc.State() != downstream.StateConnected {
			continue
		}
		table := conf.MCPServerConfig[name].Tools
		for _, t := range svc.Tools() {
			if tc, ok := table[t.Name]; ok && !tc.Enabled() {
				continue
			}
			public := PublicToolName(name, t.Name)
			if _, shadowed := seen[public]; shadowed {
				continue
			}
			seen[public] = struct{}{}
			t.Name = public
			tools = append(tools, t)
		}
	}
	return tools
}

// CallTool routes a public tool invocation: custom tools first, then the
// prefixed downstream namespace. A disabled downstream tool behaves as
// absent.
func (m *Manager) CallTool(ctx context.Context, publicName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if m.custom != nil && m.custom.HasTool(publicName) {
		result, err := m.custom.CallTool(ctx, publicName, args)
		if err != nil {
			metrics.ToolCalls.WithLabelValues("custom", "error").Inc()
			return nil, err
		}
		metrics.ToolCalls.WithLabelValues("custom", "ok").Inc()
		m.recordCustomUsage(publicName)
		return result, nil
	}

	service, tool, ok := m.resolve(publicName)
	if !ok {
		metrics.ToolCalls.WithLabelValues("downstream", "error").Inc()
		return nil, api.NewNotFoundError("tool", publicName)
	}

	if tc, configured := m.cfg.Get().MCPServerConfig[service].Tools[tool]; configured && !tc.Enabled() {
		metrics.ToolCalls.WithLabelValues("downstream", "error").Inc()
		return nil, api.NewNotFoundError("tool", publicName)
	}

	svc, exists := m.GetService(service)
	if !exists {
		metrics.ToolCalls.WithLabelValues("downstream", "error").Inc()
		return nil, api.NewNotFoundError("tool", publicName)
	}
	result, err := svc.CallTool(ctx, tool, args)
	if err != nil {
		metrics.ToolCalls.WithLabelValues("downstream", "error").Inc()
		return nil, err
	}
	metrics.ToolCalls.WithLabelValues("downstream", "ok").Inc()
	m.recordDownstreamUsage(service, tool)
	return result, nil
}

// CallServiceTool dispatches directly to a named service, bypassing the
// public namespace. Used by mcp-handler custom tools.
func (m *Manager) CallServiceTool(ctx context.Context, serviceName, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	svc, ok := m.GetService(serviceName)
	if !ok {
		return nil, api.NewNotFoundError("service", serviceName)
	}
	result, err := svc.CallTool(ctx, toolName, args)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s/%s failed: %w", serviceName, toolName, err)
	}
	m.recordDownstreamUsage(serviceName, toolName)
	return result, nil
}

// resolve maps a public name back to (service, tool). When the normalised
// prefixes of two services collide, the one whose live catalog contains the
// tool wins.
func (m *Manager) resolve(publicName string) (service, tool string, ok bool) {
	var fallbackService, fallbackTool string
	for _, name := range m.ServiceNames() {
		t, match := splitPublicName(name, publicName)
		if !match {
			continue
		}
		svc, exists := m.GetService(name)
		if exists && svc.HasTool(t) {
			return name, t, true
		}
		if fallbackService == "" {
			fallbackService, fallbackTool = name, t
		}
	}
	if fallbackService != "" {
		return fallbackService, fallbackTool, true
	}
	return "", "", false
}

// HasCustomMCPTool reports whether the custom catalog contains name. Any
// internal failure degrades to false: callers probe, they do not depend.
func (m *Manager) HasCustomMCPTool(name string) (has bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Manager", "custom tool probe for %s panicked: %v", name, r)
			has = false
		}
	}()
	if m.custom == nil {
		return false
	}
	return m.custom.HasTool(name)
}

// GetCustomMCPTools returns the custom catalog records. Any internal failure
// degrades to an empty list.
func (m *Manager) GetCustomMCPTools() (tools []config.CustomToolConfig) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Manager", "custom tool listing panicked: %v", r)
			tools = []config.CustomToolConfig{}
		}
	}()
	if m.custom == nil {
		return []config.CustomToolConfig{}
	}
	return m.custom.List()
}

// recordDownstreamUsage bumps the persisted usage stats of a downstream
// tool. The per-key lock keeps concurrent bumps of the same tool sequential.
func (m *Manager) recordDownstreamUsage(service, tool string) {
	lock := m.statsLock(service + "/" + tool)
	lock.Lock()
	defer lock.Unlock()
	if err := m.cfg.RecordToolUsage(service, tool, time.Now()); err != nil {
		logging.Warn("Manager", "failed to record usage for %s/%s: %v", service, tool, err)
	}
}

func (m *Manager) recordCustomUsage(name string) {
	lock := m.statsLock("custom/" + name)
	lock.Lock()
	defer lock.Unlock()
	m.custom.RecordUsage(name, time.Now())
}

func (m *Manager) statsLock(key string) *sync.Mutex {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	lock, ok := m.statsLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.statsLocks[key] = lock
	}
	return lock
}

func (m *Manager) updateConnectedGauge() {
	metrics.ConnectedServices.Set(float64(len(m.ConnectedServiceNames())))
}

// handleServerAdded brings up a freshly configured service.
func (m *Manager) handleServerAdded(ev bus.ServerEvent) {
	sc, ok := m.cfg.Get().MCPServers[ev.Name]
	if !ok {
		logging.Warn("Manager", "server %s announced but not in config", ev.Name)
		return
	}

	m.mu.Lock()
	if _, exists := m.services[ev.Name]; exists {
		m.mu.Unlock()
		return
	}
	svc := m.newService(ev.Name, sc)
	m.services[ev.Name] = svc
	m.mu.Unlock()

	go func() {
		if err := svc.Connect(context.Background()); err != nil {
			logging.Warn("Manager", "newly added service %s failed to connect: %v", ev.Name, err)
		}
	}()
}

// handleServerRemoved tears down a deconfigured service and drops its cache
// entry.
func (m *Manager) handleServerRemoved(ev bus.ServerEvent) {
	m.mu.Lock()
	svc, ok := m.services[ev.Name]
	delete(m.services, ev.Name)
	m.mu.Unlock()
	if !ok {
		return
	}

	svc.Disconnect()
	if m.cache != nil {
		m.cache.Remove(ev.Name)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicSyncServiceToolsRemoved, bus.SyncEvent{Service: ev.Name})
	}
	m.updateConnectedGauge()
	m.notifyToolsChanged()
}

// handleConfigUpdated reacts to config slices the manager projects into the
// public catalog.
func (m *Manager) handleConfigUpdated(ev bus.ConfigUpdatedEvent) {
	switch ev.Type {
	case "customMCP", "":
		if m.custom != nil {
			if err := m.custom.Initialize(m.cfg.Get().CustomMCP.Tools); err != nil {
				logging.Error("Manager", err, "failed to reload custom tools")
				if m.bus != nil {
					m.bus.Publish(bus.TopicConfigError, bus.ConfigErrorEvent{Err: err})
				}
				return
			}
		}
		// Reinitializing rebuilds the custom catalog from config alone,
		// dropping reconciled service aliases; the syncer restores them.
		if m.bus != nil {
			m.bus.Publish(bus.TopicSyncGeneralConfig, bus.SyncEvent{})
		}
		m.notifyToolsChanged()
	case "serverTools":
		// Enable flags are read live on list/call; only the visible surface
		// changes.
		m.notifyToolsChanged()
	}
}
