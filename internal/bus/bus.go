package bus

import (
	"sync"

	"xzbridge/pkg/logging"
)

// Topic identifies a well-known event stream on the bus.
type Topic string

// Well-known topics. Subscribers must treat every event as "at least once,
// eventually consistent" and re-read whichever state slice they depend on.
const (
	TopicConfigUpdated Topic = "config:updated"
	TopicConfigError   Topic = "config:error"

	TopicServerAdded   Topic = "mcp:server:added"
	TopicServerRemoved Topic = "mcp:server:removed"

	TopicRestartStarted   Topic = "service:restart:started"
	TopicRestartCompleted Topic = "service:restart:completed"
	TopicRestartFailed    Topic = "service:restart:failed"

	TopicSyncRequestServiceTools Topic = "tool-sync:request-service-tools"
	TopicSyncServerToolsUpdated  Topic = "tool-sync:server-tools-updated"
	TopicSyncGeneralConfig       Topic = "tool-sync:general-config-updated"
	TopicSyncServiceToolsRemoved Topic = "tool-sync:service-tools-removed"

	// The npm install lifecycle is emitted by the external server installer;
	// nothing in this process publishes it, but subscribers may rely on the
	// names.
	TopicNpmInstallStarted   Topic = "npm:install:started"
	TopicNpmInstallLog       Topic = "npm:install:log"
	TopicNpmInstallCompleted Topic = "npm:install:completed"
	TopicNpmInstallFailed    Topic = "npm:install:failed"

	TopicStatusUpdated Topic = "status:updated"
	TopicStatusError   Topic = "status:error"

	TopicEndpointStatusChanged Topic = "endpoint:status:changed"
)

// ConfigUpdatedEvent is published after the config manager's own state is
// coherent. Type narrows which slice of the config changed ("mcpEndpoint",
// "mcpServers", "serverTools", "customMCP", "platforms", "connection", or
// "" for a full reload).
type ConfigUpdatedEvent struct {
	Type string
}

// ConfigErrorEvent carries a global configuration error.
type ConfigErrorEvent struct {
	Err error
}

// ServerEvent is published when a downstream MCP service is added to or
// removed from the configuration.
type ServerEvent struct {
	Name string
}

// RestartEvent tracks a service restart lifecycle transition.
type RestartEvent struct {
	Service string
	Err     error
}

// SyncEvent carries tool-sync reconciliation triggers.
type SyncEvent struct {
	Service string
}

// StatusEvent is published when the upstream liveness status changes.
type StatusEvent struct {
	Status string
}

// EndpointStatusEvent is published when one upstream endpoint's connection
// status changes.
type EndpointStatusEvent struct {
	URL    string
	Status string
}

// Handler is a subscriber callback. Handlers run synchronously on the
// emitter's goroutine; a panicking handler is recovered and logged and does
// not abort delivery to the remaining subscribers.
type Handler func(payload any)

// Bus is an in-process pub/sub hub with well-known typed topics. A single
// process-wide instance is shared by all subsystems; see Global.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[uint64]Handler
	nextID      uint64
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Topic]map[uint64]Handler),
	}
}

// Publish delivers payload to every handler subscribed to topic. Delivery
// order between handlers is not guaranteed. The call returns once every
// handler has run.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[topic]))
	for _, h := range b.subscribers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(topic, h, payload)
	}
}

func (b *Bus) invoke(topic Topic, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("EventBus", nil, "handler for %s panicked: %v", topic, r)
		}
	}()
	h(payload)
}

// Subscribe registers a handler for topic and returns a function that
// removes the subscription.
func (b *Bus) Subscribe(topic Topic, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[uint64]Handler)
	}
	b.subscribers[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
}

// SubscribeOnce registers a handler that is invoked at most once and then
// removed. The returned function cancels the subscription if it has not
// fired yet.
func (b *Bus) SubscribeOnce(topic Topic, handler Handler) (unsubscribe func()) {
	var once sync.Once
	var unsub func()
	unsub = b.Subscribe(topic, func(payload any) {
		once.Do(func() {
			unsub()
			handler(payload)
		})
	})
	return unsub
}

// Close drops every subscription. Publish on a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[Topic]map[uint64]Handler)
}

// SubscribeTo registers a handler that only fires for payloads of type T.
// Payloads of any other type on the same topic are ignored.
func SubscribeTo[T any](b *Bus, topic Topic, handler func(T)) (unsubscribe func()) {
	return b.Subscribe(topic, func(payload any) {
		if v, ok := payload.(T); ok {
			handler(v)
		}
	})
}

var (
	globalMu  sync.Mutex
	globalBus *Bus
)

// Global returns the process-wide bus, creating it on first use.
func Global() *Bus {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBus == nil {
		globalBus = New()
	}
	return globalBus
}

// ResetGlobal tears down the process-wide bus. Intended for shutdown and
// tests.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBus != nil {
		globalBus.Close()
		globalBus = nil
	}
}
