package status

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xzbridge/internal/bus"
)

type fakeSource struct {
	names []string
}

func (f *fakeSource) ConnectedServiceNames() []string { return f.names }

func TestBeatMarksConnected(t *testing.T) {
	s := New(&fakeSource{}, nil, time.Minute)
	defer s.Stop()

	assert.False(t, s.Connected())
	s.Beat("wss://a/mcp")
	assert.True(t, s.Connected())
	assert.WithinDuration(t, time.Now(), s.LastHeartbeat(), time.Second)
}

func TestSilenceFlipsDisconnected(t *testing.T) {
	b := bus.New()
	var statuses []string
	bus.SubscribeTo(b, bus.TopicStatusUpdated, func(ev bus.StatusEvent) {
		statuses = append(statuses, ev.Status)
	})

	s := New(&fakeSource{}, b, 30*time.Millisecond)
	defer s.Stop()

	s.Beat("wss://a/mcp")
	require.True(t, s.Connected())

	assert.Eventually(t, func() bool { return !s.Connected() }, time.Second, 5*time.Millisecond)
	assert.Contains(t, statuses, "connected")
	assert.Contains(t, statuses, "disconnected")
}

func TestBeatReArmsTimeout(t *testing.T) {
	s := New(&fakeSource{}, nil, 60*time.Millisecond)
	defer s.Stop()

	s.Beat("wss://a/mcp")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		s.Beat("wss://a/mcp")
	}
	assert.True(t, s.Connected(), "regular heartbeats must keep the flag up")
}

func TestSnapshotReportsActiveServices(t *testing.T) {
	s := New(&fakeSource{names: []string{"calc", "weather"}}, nil, time.Minute)
	defer s.Stop()
	s.Beat("wss://a/mcp")

	snap := s.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, []string{"calc", "weather"}, snap.ActiveMCPServers)
	assert.Nil(t, snap.Restart)
}

func TestSnapshotWithoutSourceHasEmptyServices(t *testing.T) {
	s := New(nil, nil, time.Minute)
	defer s.Stop()

	snap := s.Snapshot()
	assert.NotNil(t, snap.ActiveMCPServers)
	assert.Empty(t, snap.ActiveMCPServers)
}

func TestRestartLifecycleTracking(t *testing.T) {
	b := bus.New()
	s := New(&fakeSource{}, b, time.Minute)
	s.Start()
	defer s.Stop()

	b.Publish(bus.TopicRestartStarted, bus.RestartEvent{Service: "calc"})
	snap := s.Snapshot()
	require.NotNil(t, snap.Restart)
	assert.Equal(t, RestartPhaseRestarting, snap.Restart.Status)
	assert.Equal(t, "calc", snap.Restart.Service)

	b.Publish(bus.TopicRestartFailed, bus.RestartEvent{Service: "calc", Err: errors.New("spawn failed")})
	snap = s.Snapshot()
	require.NotNil(t, snap.Restart)
	assert.Equal(t, RestartPhaseFailed, snap.Restart.Status)
	assert.Equal(t, "spawn failed", snap.Restart.Error)
	assert.False(t, snap.Restart.Timestamp.IsZero())
}
