// Package status tracks the bridge's liveness as seen from the upstream
// side: the last heartbeat, the derived connected flag, which downstream
// services are active, and the progress of a service restart.
package status

import (
	"sync"
	"time"

	"xzbridge/internal/bus"
	"xzbridge/pkg/logging"
)

// Restart phases.
const (
	RestartPhaseRestarting = "restarting"
	RestartPhaseCompleted  = "completed"
	RestartPhaseFailed     = "failed"
)

// RestartStatus describes the most recent restart lifecycle observed on the
// bus.
type RestartStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time view of the bridge status.
type Snapshot struct {
	Connected        bool           `json:"connected"`
	LastHeartbeat    time.Time      `json:"lastHeartbeat,omitempty"`
	ActiveMCPServers []string       `json:"activeMCPServers"`
	Restart          *RestartStatus `json:"restart,omitempty"`
}

// ServiceSource reports which downstream services are currently connected.
type ServiceSource interface {
	ConnectedServiceNames() []string
}

// Service derives the connected flag from upstream heartbeats: a ping stamps
// liveness, and silence beyond the timeout flips the flag back to
// disconnected.
type Service struct {
	bus     *bus.Bus
	source  ServiceSource
	timeout time.Duration

	mu            sync.Mutex
	connected     bool
	lastHeartbeat time.Time
	timer         *time.Timer
	restart       *RestartStatus

	unsubs []func()
}

// New creates a status service. timeout bounds the silence tolerated between
// heartbeats before the bridge is considered disconnected.
func New(source ServiceSource, b *bus.Bus, timeout time.Duration) *Service {
	return &Service{
		bus:     b,
		source:  source,
		timeout: timeout,
	}
}

// Start subscribes the service to the restart lifecycle topics.
func (s *Service) Start() {
	if s.bus == nil {
		return
	}
	s.unsubs = append(s.unsubs,
		bus.SubscribeTo(s.bus, bus.TopicRestartStarted, func(ev bus.RestartEvent) {
			s.setRestart(ev.Service, RestartPhaseRestarting, nil)
		}),
		bus.SubscribeTo(s.bus, bus.TopicRestartCompleted, func(ev bus.RestartEvent) {
			s.setRestart(ev.Service, RestartPhaseCompleted, nil)
		}),
		bus.SubscribeTo(s.bus, bus.TopicRestartFailed, func(ev bus.RestartEvent) {
			s.setRestart(ev.Service, RestartPhaseFailed, ev.Err)
		}),
	)
}

// Stop unsubscribes and stops the heartbeat timer.
func (s *Service) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// Beat records an upstream heartbeat and re-arms the timeout.
func (s *Service) Beat(endpoint string) {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	becameConnected := !s.connected
	s.connected = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.timeout, s.onTimeout)
	s.mu.Unlock()

	logging.Debug("Status", "heartbeat from %s", endpoint)
	if becameConnected {
		s.publish("connected")
	}
}

// onTimeout flips the connected flag after heartbeat silence.
func (s *Service) onTimeout() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.mu.Unlock()

	logging.Warn("Status", "no heartbeat for %s, marking disconnected", s.timeout)
	s.publish("disconnected")
}

// Connected reports the derived liveness flag.
func (s *Service) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Service) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Snapshot returns the current status view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Connected:     s.connected,
		LastHeartbeat: s.lastHeartbeat,
	}
	if s.restart != nil {
		copied := *s.restart
		snap.Restart = &copied
	}
	s.mu.Unlock()

	snap.ActiveMCPServers = []string{}
	if s.source != nil {
		if names := s.source.ConnectedServiceNames(); names != nil {
			snap.ActiveMCPServers = names
		}
	}
	return snap
}

func (s *Service) setRestart(service, phase string, err error) {
	s.mu.Lock()
	restart := &RestartStatus{
		Service:   service,
		Status:    phase,
		Timestamp: time.Now(),
	}
	if err != nil {
		restart.Error = err.Error()
	}
	s.restart = restart
	s.mu.Unlock()

	s.publish(phase)
}

func (s *Service) publish(status string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicStatusUpdated, bus.StatusEvent{Status: status})
}
