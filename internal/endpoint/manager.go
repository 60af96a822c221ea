package endpoint

import (
	"context"
	"sync"

	"xzbridge/internal/api"
	"xzbridge/internal/bus"
	"xzbridge/internal/config"
	"xzbridge/internal/metrics"
	"xzbridge/internal/protocol"
	"xzbridge/pkg/logging"
)

// ReconnectResult is the per-endpoint outcome of a ReconnectAll sweep.
type ReconnectResult struct {
	Endpoint string `json:"endpoint"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// ReconnectSummary aggregates a ReconnectAll sweep.
type ReconnectSummary struct {
	SuccessCount int               `json:"successCount"`
	FailureCount int               `json:"failureCount"`
	Results      []ReconnectResult `json:"results"`
}

// Options carries the manager-level connection settings applied to every
// endpoint.
type Options struct {
	Reconnect config.ReconnectPolicy
	QueueSize int
}

// Manager owns the set of upstream endpoint connections. All endpoints serve
// the same aggregated tool surface; the manager fans tool-change
// notifications out to every live connection and mirrors membership into the
// persisted configuration.
type Manager struct {
	cfg *config.Manager
	bus *bus.Bus

	mu          sync.Mutex
	initialized bool
	conns       map[string]*Connection
	order       []string
	opts        Options

	provider protocol.ToolProvider
	// heartbeat is invoked for every upstream ping; the status layer stamps
	// liveness with it.
	heartbeat func(url string)

	// lastToolNames is the public name snapshot used to decide whether a
	// tools/list_changed push is due.
	toolsMu       sync.Mutex
	lastToolNames map[string]struct{}
}

// NewManager creates an uninitialized endpoint manager.
func NewManager(cfg *config.Manager, b *bus.Bus) *Manager {
	return &Manager{
		cfg:           cfg,
		bus:           b,
		conns:         make(map[string]*Connection),
		opts:          Options{Reconnect: config.DefaultEndpointReconnectPolicy},
		lastToolNames: make(map[string]struct{}),
	}
}

// SetHeartbeat installs the per-ping liveness callback.
func (m *Manager) SetHeartbeat(fn func(url string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat = fn
}

// Initialize records the endpoint set and builds a connection object per
// URL without dialing. Calling it again reconciles: new URLs are added,
// absent ones are torn down. Idempotent for an unchanged set.
func (m *Manager) Initialize(endpoints []string) error {
	m.mu.Lock()

	keep := make(map[string]struct{}, len(endpoints))
	var removed []*Connection
	order := make([]string, 0, len(endpoints))

	for _, url := range endpoints {
		if url == "" {
			m.mu.Unlock()
			return api.NewValidationError("endpoint URL must not be empty")
		}
		if _, dup := keep[url]; dup {
			continue
		}
		keep[url] = struct{}{}
		order = append(order, url)
		if _, exists := m.conns[url]; !exists {
			m.conns[url] = m.buildConnLocked(url)
		}
	}
	for url, conn := range m.conns {
		if _, ok := keep[url]; !ok {
			removed = append(removed, conn)
			delete(m.conns, url)
		}
	}
	m.order = order
	m.initialized = true
	m.mu.Unlock()

	for _, conn := range removed {
		conn.Disconnect()
	}
	logging.Info("Endpoint", "initialized with %d endpoints", len(order))
	return nil
}

// buildConnLocked constructs a connection with the manager's current options
// and handler. Caller holds m.mu.
func (m *Manager) buildConnLocked(url string) *Connection {
	conn := NewConnection(url, m.handlerForLocked(url), ConnOptions{
		Reconnect: m.opts.Reconnect,
		QueueSize: m.opts.QueueSize,
		OnStatusChanged: func(url string, status Status) {
			m.onStatusChanged(url, status)
		},
	})
	return conn
}

// handlerForLocked builds the protocol handler for one endpoint, or nil when
// no service manager is installed yet. Caller holds m.mu.
func (m *Manager) handlerForLocked(url string) MessageHandler {
	if m.provider == nil {
		return nil
	}
	h := protocol.NewHandler(m.provider)
	heartbeat := m.heartbeat
	if heartbeat != nil {
		h.SetOnPing(func() { heartbeat(url) })
	}
	return h
}

// SetServiceManager installs (or hot-swaps) the tool surface served to the
// upstream. Existing connections pick up the new handler for subsequent
// messages; in-flight messages finish on the old one.
func (m *Manager) SetServiceManager(provider protocol.ToolProvider) {
	m.mu.Lock()
	m.provider = provider
	conns := make([]*Connection, 0, len(m.conns))
	handlers := make([]MessageHandler, 0, len(m.conns))
	for url, conn := range m.conns {
		conns = append(conns, conn)
		handlers = append(handlers, m.handlerForLocked(url))
	}
	m.mu.Unlock()

	for i, conn := range conns {
		conn.SetHandler(handlers[i])
	}
}

// Connect dials every endpoint in parallel. A failed dial does not abort the
// rest; each connection retries on its own policy.
func (m *Manager) Connect(ctx context.Context) error {
	conns, err := m.snapshot()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				logging.Warn("Endpoint", "initial connect to %s failed: %v", c.URL(), err)
			}
		}(conn)
	}
	wg.Wait()
	return nil
}

// Disconnect closes every endpoint in parallel.
func (m *Manager) Disconnect() {
	conns, err := m.snapshot()
	if err != nil {
		return
	}
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Disconnect()
		}(conn)
	}
	wg.Wait()
}

// AddEndpoint persists a new endpoint URL and dials it in the background.
func (m *Manager) AddEndpoint(url string) error {
	if url == "" {
		return api.NewValidationError("endpoint URL must not be empty")
	}

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return api.NewNotInitializedError("endpoint manager")
	}
	if _, exists := m.conns[url]; exists {
		m.mu.Unlock()
		return api.NewConflictError("endpoint", url)
	}
	conn := m.buildConnLocked(url)
	m.conns[url] = conn
	m.order = append(m.order, url)
	endpoints := append([]string(nil), m.order...)
	m.mu.Unlock()

	if err := m.cfg.UpdateEndpoints(endpoints); err != nil {
		return err
	}
	go func() {
		if err := conn.Connect(context.Background()); err != nil {
			logging.Warn("Endpoint", "connect to added endpoint %s failed: %v", url, err)
		}
	}()
	return nil
}

// RemoveEndpoint disconnects and forgets an endpoint, persisting the new
// set.
func (m *Manager) RemoveEndpoint(url string) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return api.NewNotInitializedError("endpoint manager")
	}
	conn, ok := m.conns[url]
	if !ok {
		m.mu.Unlock()
		return api.NewNotFoundError("endpoint", url)
	}
	delete(m.conns, url)
	for i, u := range m.order {
		if u == url {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	endpoints := append([]string(nil), m.order...)
	m.mu.Unlock()

	conn.Disconnect()
	return m.cfg.UpdateEndpoints(endpoints)
}

// ClearEndpoints disconnects everything and persists an empty set.
func (m *Manager) ClearEndpoints() error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return api.NewNotInitializedError("endpoint manager")
	}
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Connection)
	m.order = nil
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Disconnect()
	}
	return m.cfg.UpdateEndpoints(nil)
}

// DisconnectEndpoint closes one endpoint without forgetting it.
func (m *Manager) DisconnectEndpoint(url string) error {
	conn, err := m.lookup(url)
	if err != nil {
		return err
	}
	conn.Disconnect()
	return nil
}

// ReconnectEndpoint forces a fresh dial cycle on one endpoint.
func (m *Manager) ReconnectEndpoint(ctx context.Context, url string) error {
	conn, err := m.lookup(url)
	if err != nil {
		return err
	}
	return conn.Reconnect(ctx)
}

// ReconnectAll reconnects every endpoint and reports the per-endpoint
// outcome.
func (m *Manager) ReconnectAll(ctx context.Context) (ReconnectSummary, error) {
	conns, err := m.snapshot()
	if err != nil {
		return ReconnectSummary{}, err
	}

	summary := ReconnectSummary{Results: make([]ReconnectResult, 0, len(conns))}
	for _, conn := range conns {
		result := ReconnectResult{Endpoint: conn.URL()}
		if err := conn.Reconnect(ctx); err != nil {
			result.Error = err.Error()
			summary.FailureCount++
		} else {
			result.Success = true
			summary.SuccessCount++
		}
		summary.Results = append(summary.Results, result)
	}
	return summary, nil
}

// GetEndpoints returns the configured endpoint URLs in insertion order.
func (m *Manager) GetEndpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// GetConnectionStatus returns the current status per endpoint.
func (m *Manager) GetConnectionStatus() map[string]Status {
	m.mu.Lock()
	conns := make(map[string]*Connection, len(m.conns))
	for url, conn := range m.conns {
		conns[url] = conn
	}
	m.mu.Unlock()

	statuses := make(map[string]Status, len(conns))
	for url, conn := range conns {
		statuses[url] = conn.Status()
	}
	return statuses
}

// IsAnyConnected reports whether at least one endpoint is connected.
func (m *Manager) IsAnyConnected() bool {
	for _, status := range m.GetConnectionStatus() {
		if status == StatusConnected {
			return true
		}
	}
	return false
}

// IsEndpointConnected reports whether the given endpoint is connected.
func (m *Manager) IsEndpointConnected(url string) bool {
	m.mu.Lock()
	conn, ok := m.conns[url]
	m.mu.Unlock()
	return ok && conn.Status() == StatusConnected
}

// UpdateOptions replaces the connection options applied to endpoints created
// from now on. Live connections keep their current options until
// reconnected through a reconcile.
func (m *Manager) UpdateOptions(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.Reconnect.InitialInterval == 0 {
		opts.Reconnect = config.DefaultEndpointReconnectPolicy
	}
	m.opts = opts
}

// GetCurrentConfig returns the endpoint set and options in effect.
func (m *Manager) GetCurrentConfig() ([]string, Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...), m.opts
}

// NotifyToolsChanged recomputes the public tool-name snapshot and, when it
// differs from the previous one, pushes tools/list_changed to every
// connected endpoint.
func (m *Manager) NotifyToolsChanged() {
	m.mu.Lock()
	provider := m.provider
	m.mu.Unlock()
	if provider == nil {
		return
	}

	names := make(map[string]struct{})
	for _, t := range provider.GetAllTools() {
		names[t.Name] = struct{}{}
	}

	m.toolsMu.Lock()
	changed := len(names) != len(m.lastToolNames)
	if !changed {
		for name := range names {
			if _, ok := m.lastToolNames[name]; !ok {
				changed = true
				break
			}
		}
	}
	m.lastToolNames = names
	m.toolsMu.Unlock()

	if !changed {
		return
	}

	conns, err := m.snapshot()
	if err != nil {
		return
	}
	for _, conn := range conns {
		conn.NotifyToolsChanged()
	}
	logging.Debug("Endpoint", "tool surface changed, notified %d endpoints", len(conns))
}

// Cleanup disconnects everything and resets the manager to the
// uninitialized state.
func (m *Manager) Cleanup() {
	m.Disconnect()
	m.mu.Lock()
	m.conns = make(map[string]*Connection)
	m.order = nil
	m.initialized = false
	m.mu.Unlock()
}

func (m *Manager) lookup(url string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, api.NewNotInitializedError("endpoint manager")
	}
	conn, ok := m.conns[url]
	if !ok {
		return nil, api.NewNotFoundError("endpoint", url)
	}
	return conn, nil
}

func (m *Manager) snapshot() ([]*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, api.NewNotInitializedError("endpoint manager")
	}
	urls := append([]string(nil), m.order...)
	conns := make([]*Connection, 0, len(urls))
	for _, url := range urls {
		conns = append(conns, m.conns[url])
	}
	return conns, nil
}

func (m *Manager) onStatusChanged(url string, status Status) {
	connected := 0
	for _, s := range m.GetConnectionStatus() {
		if s == StatusConnected {
			connected++
		}
	}
	metrics.ConnectedEndpoints.Set(float64(connected))

	if m.bus != nil {
		m.bus.Publish(bus.TopicEndpointStatusChanged, bus.EndpointStatusEvent{
			URL:    url,
			Status: string(status),
		})
	}
}
