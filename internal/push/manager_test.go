package push

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shantyman/internal/metrics"
	"shantyman/internal/session"
	"shantyman/pkg/config"
	"shantyman/pkg/eventbus"
	"shantyman/pkg/logging"
	"shantyman/pkg/protocol"
)

// fakeTransport records framed writes and can be told to fail.
type fakeTransport struct {
	mu      sync.Mutex
	frames  []protocol.Frame
	failing bool
	closed  bool
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing {
		return fmt.Errorf("transport write failure")
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) fail() {
	t.mu.Lock()
	t.failing = true
	t.mu.Unlock()
}

func (t *fakeTransport) framesOfType(frameType string) []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Frame, 0)
	for _, f := range t.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func newTestManager(policy config.TimeoutPolicy) (*Manager, *session.Registry) {
	logger := logging.NewLogger()
	logger.SetLevel(logging.ErrorLevel)
	registry := session.NewRegistry(eventbus.New(logger), config.DefaultTimeoutPolicy(), logger)
	return NewManager(registry, policy, logger, nil), registry
}

func TestConnectSendsConnectedFrame(t *testing.T) {
	m, _ := newTestManager(config.DefaultTimeoutPolicy())
	transport := &fakeTransport{}

	require.NoError(t, m.Connect("client-1", "acme/repo", transport))
	defer m.Shutdown()

	connected := transport.framesOfType(protocol.FrameConnected)
	require.Len(t, connected, 1)
	data := connected[0].Data.(map[string]interface{})
	assert.Equal(t, "client-1", data["clientId"])
	assert.Equal(t, "acme/repo", data["repository"])
	assert.NotZero(t, connected[0].Timestamp)
	assert.True(t, m.Connected("client-1"))
}

func TestSendToUnknownClient(t *testing.T) {
	m, _ := newTestManager(config.DefaultTimeoutPolicy())
	err := m.Send("ghost", protocol.NewFrame(protocol.FrameHeartbeat, nil))
	assert.Error(t, err)
}

func TestWriteFailureTearsDownImmediately(t *testing.T) {
	m, registry := newTestManager(config.DefaultTimeoutPolicy())
	_, err := registry.Create("client-1", "acme/repo", nil)
	require.NoError(t, err)

	transport := &fakeTransport{}
	require.NoError(t, m.Connect("client-1", "acme/repo", transport))

	transport.fail()
	err = m.Send("client-1", protocol.NewFrame(protocol.FrameAudioBuffer, nil))
	require.Error(t, err)

	assert.False(t, m.Connected("client-1"))
	assert.True(t, transport.isClosed())
	state, ok := registry.State("client-1")
	require.True(t, ok)
	assert.Equal(t, session.StateDisconnected, state)
}

func TestDisconnectSendsFinalFrame(t *testing.T) {
	m, _ := newTestManager(config.DefaultTimeoutPolicy())
	transport := &fakeTransport{}

	require.NoError(t, m.Connect("client-1", "acme/repo", transport))
	m.Disconnect("client-1")

	assert.Len(t, transport.framesOfType(protocol.FrameDisconnected), 1)
	assert.True(t, transport.isClosed())
	assert.False(t, m.Connected("client-1"))
	assert.Equal(t, 0, m.Count())
}

func TestHeartbeatsUnderStaleThreshold(t *testing.T) {
	policy := config.DefaultTimeoutPolicy()
	policy.HeartbeatInterval = 20 * time.Millisecond
	policy.ConnectionStaleTimeout = time.Second

	m, _ := newTestManager(policy)
	transport := &fakeTransport{}
	require.NoError(t, m.Connect("client-1", "acme/repo", transport))
	defer m.Shutdown()

	// Idle longer than several heartbeat intervals but well under the
	// stale threshold: heartbeats flow and the connection survives.
	assert.Eventually(t, func() bool {
		return len(transport.framesOfType(protocol.FrameHeartbeat)) >= 3
	}, time.Second, 5*time.Millisecond)
	assert.True(t, m.Connected("client-1"))
}

func TestStaleConnectionReaped(t *testing.T) {
	policy := config.DefaultTimeoutPolicy()
	policy.HeartbeatInterval = 10 * time.Millisecond
	policy.ConnectionStaleTimeout = 30 * time.Millisecond

	m, registry := newTestManager(policy)
	_, err := registry.Create("client-1", "acme/repo", nil)
	require.NoError(t, err)

	transport := &fakeTransport{}
	require.NoError(t, m.Connect("client-1", "acme/repo", transport))

	assert.Eventually(t, func() bool {
		return !m.Connected("client-1")
	}, time.Second, 5*time.Millisecond)

	assert.True(t, transport.isClosed())
	state, ok := registry.State("client-1")
	require.True(t, ok)
	assert.Equal(t, session.StateDisconnected, state)
}

func TestTouchKeepsConnectionAlive(t *testing.T) {
	policy := config.DefaultTimeoutPolicy()
	policy.HeartbeatInterval = 10 * time.Millisecond
	policy.ConnectionStaleTimeout = 50 * time.Millisecond

	m, registry := newTestManager(policy)
	_, err := registry.Create("client-1", "acme/repo", nil)
	require.NoError(t, err)

	transport := &fakeTransport{}
	require.NoError(t, m.Connect("client-1", "acme/repo", transport))
	defer m.Shutdown()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.Touch("client-1")
		time.Sleep(20 * time.Millisecond)
	}

	assert.True(t, m.Connected("client-1"))
	state, _ := registry.State("client-1")
	assert.Equal(t, session.StateActive, state)
}

func TestReconnectReplacesConnection(t *testing.T) {
	m, _ := newTestManager(config.DefaultTimeoutPolicy())
	first := &fakeTransport{}
	second := &fakeTransport{}

	require.NoError(t, m.Connect("client-1", "acme/repo", first))
	require.NoError(t, m.Connect("client-1", "acme/repo", second))
	defer m.Shutdown()

	assert.True(t, first.isClosed())
	assert.Equal(t, 1, m.Count())

	require.NoError(t, m.Send("client-1", protocol.NewFrame(protocol.FrameAudioBuffer, nil)))
	assert.Len(t, second.framesOfType(protocol.FrameAudioBuffer), 1)
	assert.Empty(t, first.framesOfType(protocol.FrameAudioBuffer))

	assert.True(t, m.Replaced("client-1", first))
	assert.False(t, m.Replaced("client-1", second))
}

func TestConnectionGaugeTracksReplacements(t *testing.T) {
	logger := logging.NewLogger()
	logger.SetLevel(logging.ErrorLevel)
	registry := session.NewRegistry(eventbus.New(logger), config.DefaultTimeoutPolicy(), logger)

	serviceMetrics := &metrics.Metrics{
		PushConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "test_push_connections_active"},
			[]string{"repository"},
		),
	}
	m := NewManager(registry, config.DefaultTimeoutPolicy(), logger, serviceMetrics)

	gauge := serviceMetrics.PushConnections.WithLabelValues("acme/repo")
	require.NoError(t, m.Connect("client-1", "acme/repo", &fakeTransport{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	// Same client reconnecting must not drift the gauge
	require.NoError(t, m.Connect("client-1", "acme/repo", &fakeTransport{}))
	require.NoError(t, m.Connect("client-1", "acme/repo", &fakeTransport{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	require.NoError(t, m.Connect("client-2", "acme/repo", &fakeTransport{}))
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge))

	m.Disconnect("client-1")
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	failing := &fakeTransport{}
	require.NoError(t, m.Connect("client-3", "acme/repo", failing))
	failing.fail()
	require.Error(t, m.Send("client-3", protocol.NewFrame(protocol.FrameAudioBuffer, nil)))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	m.Shutdown()
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
}

// pingableTransport counts protocol-level pings.
type pingableTransport struct {
	fakeTransport
	pings int
}

func (t *pingableTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return nil
}

func (t *pingableTransport) pingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func TestHeartbeatPingsTransport(t *testing.T) {
	policy := config.DefaultTimeoutPolicy()
	policy.HeartbeatInterval = 10 * time.Millisecond
	policy.ConnectionStaleTimeout = time.Second

	m, _ := newTestManager(policy)
	transport := &pingableTransport{}
	require.NoError(t, m.Connect("client-1", "acme/repo", transport))
	defer m.Shutdown()

	// Each heartbeat carries a protocol ping so a silent client's pong
	// keeps it from being reaped.
	assert.Eventually(t, func() bool {
		return transport.pingCount() >= 3
	}, time.Second, 5*time.Millisecond)
}
