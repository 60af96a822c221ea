// Package toolsync keeps two projections of each downstream service's live
// tool catalog up to date: the per-tool enable-flag table persisted in the
// configuration, and the service__tool aliases registered in the custom-tool
// catalog so a tool can be exposed under a renamed identity.
package toolsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"xzbridge/internal/api"
	"xzbridge/internal/bus"
	"xzbridge/internal/config"
	"xzbridge/internal/customtool"
	"xzbridge/pkg/logging"
)

// errNoChange aborts a config update that would rewrite an identical table.
var errNoChange = errors.New("no change")

// aliasSeparator joins service and tool in a managed alias name.
const aliasSeparator = "__"

// ServiceSource exposes the live services the reconciler projects from.
type ServiceSource interface {
	ServiceNames() []string
	ServiceTools(name string) ([]mcp.Tool, bool)
}

// Syncer reconciles service tool catalogs into config mirrors and custom
// aliases. Reconciliations for the same service coalesce: a request arriving
// while one is running marks it dirty and the running pass re-runs once.
type Syncer struct {
	cfg    *config.Manager
	custom *customtool.Handler
	source ServiceSource
	bus    *bus.Bus

	mu       sync.Mutex
	inFlight map[string]bool
	pending  map[string]bool

	unsubs []func()
}

// New creates a syncer. Start must be called to subscribe it to the bus.
func New(cfg *config.Manager, custom *customtool.Handler, source ServiceSource, b *bus.Bus) *Syncer {
	return &Syncer{
		cfg:      cfg,
		custom:   custom,
		source:   source,
		bus:      b,
		inFlight: make(map[string]bool),
		pending:  make(map[string]bool),
	}
}

// Start subscribes the syncer to the reconciliation triggers.
func (s *Syncer) Start() {
	if s.bus == nil {
		return
	}
	s.unsubs = append(s.unsubs,
		bus.SubscribeTo(s.bus, bus.TopicSyncServerToolsUpdated, func(ev bus.SyncEvent) {
			s.Reconcile(ev.Service)
		}),
		bus.SubscribeTo(s.bus, bus.TopicSyncRequestServiceTools, func(ev bus.SyncEvent) {
			s.Reconcile(ev.Service)
		}),
		bus.SubscribeTo(s.bus, bus.TopicSyncServiceToolsRemoved, func(ev bus.SyncEvent) {
			s.RemoveService(ev.Service)
		}),
		bus.SubscribeTo(s.bus, bus.TopicSyncGeneralConfig, func(bus.SyncEvent) {
			s.ReconcileAll()
		}),
	)
}

// Stop unsubscribes the syncer.
func (s *Syncer) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// ReconcileAll reconciles every known service.
func (s *Syncer) ReconcileAll() {
	for _, name := range s.source.ServiceNames() {
		s.Reconcile(name)
	}
}

// Reconcile projects one service's live catalog into its mirrors. Concurrent
// requests for the same service coalesce into at most one trailing re-run.
func (s *Syncer) Reconcile(service string) {
	s.mu.Lock()
	if s.inFlight[service] {
		s.pending[service] = true
		s.mu.Unlock()
		return
	}
	s.inFlight[service] = true
	s.mu.Unlock()

	for {
		s.reconcileOnce(service)

		s.mu.Lock()
		if !s.pending[service] {
			delete(s.inFlight, service)
			s.mu.Unlock()
			return
		}
		delete(s.pending, service)
		s.mu.Unlock()
	}
}

// reconcileOnce runs a single reconciliation pass. The pass is idempotent:
// applying it twice against an unchanged catalog is a no-op, so trigger
// ordering does not matter.
func (s *Syncer) reconcileOnce(service string) {
	tools, ok := s.source.ServiceTools(service)
	if !ok {
		logging.Debug("ToolSync", "service %s unknown, skipping reconcile", service)
		return
	}

	if err := s.syncEnableTable(service, tools); err != nil && !errors.Is(err, errNoChange) {
		logging.Error("ToolSync", err, "failed to sync enable table for %s", service)
	}
	s.syncAliases(service, tools)
}

// syncEnableTable makes the persisted per-tool table mirror the live
// catalog: new tools gain a default-enabled entry, vanished tools lose
// theirs, surviving entries keep their flag and stats.
func (s *Syncer) syncEnableTable(service string, tools []mcp.Tool) error {
	return s.cfg.Update("serverTools", func(c *config.Config) error {
		existing := c.MCPServerConfig[service].Tools

		next := make(map[string]config.ToolConfig, len(tools))
		changed := len(existing) != len(tools)
		for _, t := range tools {
			if tc, ok := existing[t.Name]; ok {
				next[t.Name] = tc
			} else {
				next[t.Name] = config.ToolConfig{Description: t.Description}
				changed = true
			}
		}
		if !changed {
			return errNoChange
		}

		table := make(map[string]config.ServerToolsConfig, len(c.MCPServerConfig)+1)
		for k, v := range c.MCPServerConfig {
			table[k] = v
		}
		table[service] = config.ServerToolsConfig{Tools: next}
		c.MCPServerConfig = table
		return nil
	})
}

// syncAliases maintains the service__tool custom aliases for every enabled
// live tool, and removes stale aliases for tools that are gone or disabled.
// Only aliases whose handler points back at this service are touched; a
// user-defined tool that happens to share the name shape is left alone.
func (s *Syncer) syncAliases(service string, tools []mcp.Tool) {
	table := s.cfg.Get().MCPServerConfig[service].Tools

	desired := make(map[string]mcp.Tool, len(tools))
	for _, t := range tools {
		if tc, ok := table[t.Name]; ok && !tc.Enabled() {
			continue
		}
		desired[AliasName(service, t.Name)] = t
	}

	prefix := service + aliasSeparator
	for _, existing := range s.custom.List() {
		if !strings.HasPrefix(existing.Name, prefix) {
			continue
		}
		mc, managed := managedAlias(existing, service)
		if !managed {
			continue
		}
		if _, keep := desired[existing.Name]; keep {
			delete(desired, existing.Name)
			continue
		}
		if err := s.custom.Remove(existing.Name); err != nil {
			logging.Warn("ToolSync", "failed to remove stale alias %s: %v", existing.Name, err)
		} else {
			logging.Debug("ToolSync", "removed alias %s (tool %s gone)", existing.Name, mc.ToolName)
		}
	}

	for alias, t := range desired {
		entry, err := aliasEntry(alias, service, t)
		if err != nil {
			logging.Warn("ToolSync", "failed to build alias %s: %v", alias, err)
			continue
		}
		if err := s.custom.Add(entry); err != nil {
			if api.IsConflict(err) {
				// Name already taken by a user-defined tool; theirs wins.
				continue
			}
			logging.Warn("ToolSync", "failed to register alias %s: %v", alias, err)
		}
	}
}

// RemoveService drops every managed alias of a removed service and its
// persisted enable table.
func (s *Syncer) RemoveService(service string) {
	prefix := service + aliasSeparator
	for _, existing := range s.custom.List() {
		if !strings.HasPrefix(existing.Name, prefix) {
			continue
		}
		if _, managed := managedAlias(existing, service); !managed {
			continue
		}
		if err := s.custom.Remove(existing.Name); err != nil {
			logging.Warn("ToolSync", "failed to remove alias %s: %v", existing.Name, err)
		}
	}

	err := s.cfg.Update("serverTools", func(c *config.Config) error {
		if _, ok := c.MCPServerConfig[service]; !ok {
			return errNoChange
		}
		table := make(map[string]config.ServerToolsConfig, len(c.MCPServerConfig))
		for k, v := range c.MCPServerConfig {
			if k != service {
				table[k] = v
			}
		}
		c.MCPServerConfig = table
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		logging.Error("ToolSync", err, "failed to drop enable table for %s", service)
	}
}

// AliasName is the managed alias identity of a service tool.
func AliasName(service, tool string) string {
	return service + aliasSeparator + tool
}

// managedAlias reports whether a custom tool is an alias managed for the
// given service, returning its handler config when it is.
func managedAlias(tc config.CustomToolConfig, service string) (config.MCPHandlerConfig, bool) {
	if tc.Handler.Type != config.HandlerTypeMCP {
		return config.MCPHandlerConfig{}, false
	}
	var mc config.MCPHandlerConfig
	if err := json.Unmarshal(tc.Handler.Config, &mc); err != nil {
		return config.MCPHandlerConfig{}, false
	}
	if mc.ServiceName != service {
		return config.MCPHandlerConfig{}, false
	}
	return mc, true
}

// aliasEntry builds the custom-tool record for one managed alias.
func aliasEntry(alias, service string, t mcp.Tool) (config.CustomToolConfig, error) {
	handlerCfg, err := json.Marshal(config.MCPHandlerConfig{
		ServiceName: service,
		ToolName:    t.Name,
	})
	if err != nil {
		return config.CustomToolConfig{}, fmt.Errorf("failed to serialise alias handler: %w", err)
	}

	schema := t.RawInputSchema
	if len(schema) == 0 {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return config.CustomToolConfig{}, fmt.Errorf("failed to serialise alias schema: %w", err)
		}
		schema = data
	}

	return config.CustomToolConfig{
		Name:        alias,
		Description: t.Description,
		InputSchema: schema,
		Handler: config.HandlerConfig{
			Type:   config.HandlerTypeMCP,
			Config: handlerCfg,
		},
	}, nil
}
