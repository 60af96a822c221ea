package downstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"xzbridge/internal/api"
	"xzbridge/internal/config"
	"xzbridge/internal/toolcache"
	"xzbridge/internal/transport"
	"xzbridge/pkg/logging"
)

// State is the connection state of a downstream service.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ClientFactory builds a fresh transport client. Each (re)connect uses a new
// client so a broken transport never leaks into the next attempt.
type ClientFactory func() (transport.Client, error)

// Options carries the optional collaborators of a Service.
type Options struct {
	// Cache, when set, receives a snapshot after every successful tools/list.
	Cache *toolcache.Cache

	// OnToolsChanged, when set, is invoked (on the service's goroutine) after
	// the tool catalog changes while connected.
	OnToolsChanged func(service string)

	// OnStateChanged, when set, is invoked after every state transition.
	OnStateChanged func(service string, state State)
}

// Service is one downstream MCP client with lifecycle management: it owns
// its transport, probes liveness with a lightweight tools/list ping, and
// reconnects with configurable backoff.
//
// State machine:
//
//	disconnected -> connecting -> connected <-> reconnecting
//	                     \------------ failed (reconnect exhausted)
//
// A manual Disconnect vetoes any pending or future reconnect until the next
// Connect or Reconnect.
type Service struct {
	name    string
	cfg     config.ServerConfig
	factory ClientFactory
	opts    Options

	mu      sync.RWMutex
	state   State
	client  transport.Client
	tools   []mcp.Tool
	toolIdx map[string]mcp.Tool

	attempts         int
	lastError        error
	manualDisconnect bool
	reconnectTimer   *time.Timer

	pingFailures int
	lastPingTime time.Time
	pingCancel   context.CancelFunc
}

// New creates a downstream service in the disconnected state.
func New(name string, cfg config.ServerConfig, factory ClientFactory, opts Options) *Service {
	return &Service{
		name:    name,
		cfg:     cfg,
		factory: factory,
		opts:    opts,
		state:   StateDisconnected,
		toolIdx: make(map[string]mcp.Tool),
	}
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Config returns the service configuration.
func (s *Service) Config() config.ServerConfig { return s.cfg }

// State returns the current connection state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Tools returns a copy of the cached tool catalog.
func (s *Service) Tools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]mcp.Tool, len(s.tools))
	copy(tools, s.tools)
	return tools
}

// HasTool reports whether the cached catalog contains the given tool.
func (s *Service) HasTool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.toolIdx[name]
	return ok
}

// Attempts returns the current reconnect attempt counter.
func (s *Service) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// PingFailures returns the consecutive ping failure count.
func (s *Service) PingFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingFailures
}

// LastPingTime returns the time of the last successful ping probe.
func (s *Service) LastPingTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPingTime
}

// LastError returns the most recent connection error.
func (s *Service) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Connect establishes the connection, fetches the initial tool catalog and
// starts the ping loop. It clears a previous manual-disconnect veto.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.manualDisconnect = false
	s.attempts = 0
	s.mu.Unlock()

	return s.connect(ctx)
}

// connect performs one connection attempt. It does not touch the
// manual-disconnect flag; reconnect attempts reuse it.
func (s *Service) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	client, err := s.factory()
	if err != nil {
		return s.connectFailed(err)
	}

	policy := s.cfg.EffectiveReconnect()
	initCtx, cancel := context.WithTimeout(ctx, time.Duration(policy.Timeout)*time.Millisecond)
	err = client.Initialize(initCtx)
	cancel()
	if err != nil {
		client.Close()
		return s.connectFailed(err)
	}

	listCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.EffectiveTimeout())*time.Millisecond)
	tools, err := client.ListTools(listCtx)
	cancel()
	if err != nil {
		client.Close()
		return s.connectFailed(err)
	}

	s.mu.Lock()
	if s.manualDisconnect {
		// Disconnect raced the attempt; drop the fresh client.
		s.mu.Unlock()
		client.Close()
		return api.NewNotConnectedError(s.name)
	}
	s.client = client
	s.storeToolsLocked(tools)
	s.state = StateConnected
	s.attempts = 0
	s.pingFailures = 0
	s.lastError = nil

	pingCtx, pingCancel := context.WithCancel(context.Background())
	s.pingCancel = pingCancel
	s.mu.Unlock()

	s.notifyState(StateConnected)
	s.writeCache(tools)

	if ping := s.cfg.EffectivePing(); ping.Enabled {
		go s.pingLoop(pingCtx, ping)
	}

	logging.Info("Downstream", "service %s connected with %d tools", s.name, len(tools))
	return nil
}

// connectFailed records the error and schedules a reconnect when policy
// allows.
func (s *Service) connectFailed(err error) error {
	logging.Warn("Downstream", "service %s connection failed: %v", s.name, err)

	s.mu.Lock()
	s.lastError = err
	s.scheduleReconnectLocked()
	state := s.state
	s.mu.Unlock()

	s.notifyState(state)
	return api.NewTransportError("connect", err)
}

// Disconnect takes the service offline and vetoes any pending or future
// reconnect until the next Connect or Reconnect. It returns promptly.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	s.manualDisconnect = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.pingCancel != nil {
		s.pingCancel()
		s.pingCancel = nil
	}
	client := s.client
	s.client = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.notifyState(StateDisconnected)

	if client != nil {
		if err := client.Close(); err != nil {
			logging.Warn("Downstream", "error closing client for %s: %v", s.name, err)
		}
	}
	logging.Info("Downstream", "service %s disconnected", s.name)
	return nil
}

// Reconnect forces a fresh connection cycle, clearing any manual-disconnect
// veto.
func (s *Service) Reconnect(ctx context.Context) error {
	s.Disconnect()
	return s.Connect(ctx)
}

// CallTool forwards a tool invocation to the downstream server. It fails
// with a NotConnectedError unless connected and a NotFoundError when the
// tool is absent from the cached catalog. A single call timeout is surfaced
// as an error without flipping the connection state.
func (s *Service) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	s.mu.RLock()
	if s.state != StateConnected || s.client == nil {
		s.mu.RUnlock()
		return nil, api.NewNotConnectedError(fmt.Sprintf("service %s", s.name))
	}
	if _, ok := s.toolIdx[name]; !ok {
		s.mu.RUnlock()
		return nil, api.NewNotFoundError("tool", name)
	}
	client := s.client
	s.mu.RUnlock()

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.EffectiveTimeout())*time.Millisecond)
	defer cancel()

	result, err := client.CallTool(callCtx, name, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s on service %s failed: %w", name, s.name, err)
	}
	return result, nil
}

// RefreshTools re-runs tools/list and updates the cached catalog.
func (s *Service) RefreshTools(ctx context.Context) error {
	s.mu.RLock()
	if s.state != StateConnected || s.client == nil {
		s.mu.RUnlock()
		return api.NewNotConnectedError(fmt.Sprintf("service %s", s.name))
	}
	client := s.client
	s.mu.RUnlock()

	listCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.EffectiveTimeout())*time.Millisecond)
	defer cancel()

	tools, err := client.ListTools(listCtx)
	if err != nil {
		return fmt.Errorf("failed to refresh tools for %s: %w", s.name, err)
	}

	s.updateTools(tools)
	return nil
}

// pingLoop probes the downstream with a lightweight tools/list every
// interval. Consecutive failures beyond maxFailures synthesise a connection
// error and hand control to the reconnect machinery.
func (s *Service) pingLoop(ctx context.Context, policy config.PingPolicy) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(policy.StartDelay) * time.Millisecond):
	}

	ticker := time.NewTicker(time.Duration(policy.Interval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.probe(ctx, policy) {
				continue
			}
			s.mu.RLock()
			failures := s.pingFailures
			s.mu.RUnlock()
			if failures >= policy.MaxFailures {
				err := fmt.Errorf("ping failed %d consecutive times", failures)
				logging.Warn("Downstream", "service %s unhealthy: %v", s.name, err)
				s.handleConnectionError(err)
				return
			}
		}
	}
}

// probe runs a single ping. It returns true on success.
func (s *Service) probe(ctx context.Context, policy config.PingPolicy) bool {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(policy.Timeout)*time.Millisecond)
	tools, err := client.ListTools(probeCtx)
	cancel()

	if err != nil {
		s.mu.Lock()
		s.pingFailures++
		failures := s.pingFailures
		s.mu.Unlock()
		logging.Debug("Downstream", "ping %d/%d failed for %s: %v", failures, policy.MaxFailures, s.name, err)
		return false
	}

	s.mu.Lock()
	s.pingFailures = 0
	s.lastPingTime = time.Now()
	s.mu.Unlock()

	// The probe already paid for a tools/list; use it to keep the catalog
	// fresh.
	s.updateTools(tools)
	return true
}

// handleConnectionError tears down the broken transport and schedules a
// reconnect, unless a manual disconnect vetoed it.
func (s *Service) handleConnectionError(err error) {
	s.mu.Lock()
	if s.manualDisconnect || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	if s.pingCancel != nil {
		s.pingCancel()
		s.pingCancel = nil
	}
	client := s.client
	s.client = nil
	s.lastError = err
	s.scheduleReconnectLocked()
	state := s.state
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	s.notifyState(state)
}

// scheduleReconnectLocked advances the reconnect state machine. Caller
// holds the write lock.
func (s *Service) scheduleReconnectLocked() {
	policy := s.cfg.EffectiveReconnect()
	if !policy.Enabled || s.manualDisconnect {
		s.state = StateFailed
		return
	}

	s.attempts++
	if s.attempts > policy.MaxAttempts {
		logging.Error("Downstream", s.lastError, "service %s exhausted %d reconnect attempts", s.name, policy.MaxAttempts)
		s.state = StateFailed
		return
	}

	interval := NextInterval(policy, s.attempts)
	s.state = StateReconnecting
	logging.Info("Downstream", "service %s reconnecting in %s (attempt %d/%d)",
		s.name, interval, s.attempts, policy.MaxAttempts)

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(interval, s.attemptReconnect)
}

// attemptReconnect runs on the reconnect timer.
func (s *Service) attemptReconnect() {
	s.mu.RLock()
	vetoed := s.manualDisconnect
	s.mu.RUnlock()
	if vetoed {
		return
	}

	policy := s.cfg.EffectiveReconnect()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(policy.Timeout)*time.Millisecond)
	defer cancel()

	// connect schedules the next attempt itself on failure.
	if err := s.connect(ctx); err != nil {
		logging.Debug("Downstream", "reconnect attempt for %s failed: %v", s.name, err)
	}
}

// updateTools replaces the cached catalog and fans out change
// notifications when the visible tool set actually changed.
func (s *Service) updateTools(tools []mcp.Tool) {
	s.mu.Lock()
	changed := len(tools) != len(s.tools)
	if !changed {
		for _, t := range tools {
			if _, ok := s.toolIdx[t.Name]; !ok {
				changed = true
				break
			}
		}
	}
	s.storeToolsLocked(tools)
	s.mu.Unlock()

	if changed {
		s.writeCache(tools)
		if s.opts.OnToolsChanged != nil {
			s.opts.OnToolsChanged(s.name)
		}
	}
}

// storeToolsLocked replaces the tool catalog. Caller holds the write lock.
func (s *Service) storeToolsLocked(tools []mcp.Tool) {
	s.tools = tools
	s.toolIdx = make(map[string]mcp.Tool, len(tools))
	for _, t := range tools {
		s.toolIdx[t.Name] = t
	}
}

func (s *Service) writeCache(tools []mcp.Tool) {
	if s.opts.Cache != nil {
		s.opts.Cache.Write(s.name, tools, s.cfg)
	}
}

func (s *Service) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.notifyState(state)
}

func (s *Service) notifyState(state State) {
	if s.opts.OnStateChanged != nil {
		s.opts.OnStateChanged(s.name, state)
	}
}
