// Package push owns one persistent server-to-client push connection per
// client: framing, heartbeats and stale-connection reaping. Delivery is
// at-most-once; a failed write tears the connection down with no retry
// and no buffering.
package push

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"shantyman/internal/metrics"
	"shantyman/internal/session"
	"shantyman/pkg/config"
	"shantyman/pkg/logging"
	"shantyman/pkg/protocol"
)

type connection struct {
	clientID    string
	topic       string
	transport   Transport
	connectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time

	done chan struct{}
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *connection) idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// Manager tracks push connections and runs their heartbeat timers. The
// manager is the canonical source of transport liveness: teardown here
// is what marks a session Disconnected in the registry.
type Manager struct {
	registry *session.Registry
	policy   config.TimeoutPolicy
	logger   logging.Logger
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewManager creates an empty connection manager. The metrics set may
// be nil (tests).
func NewManager(registry *session.Registry, policy config.TimeoutPolicy, logger logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		registry: registry,
		policy:   policy,
		logger:   logger,
		metrics:  m,
		conns:    make(map[string]*connection),
	}
}

// Connect registers a client's transport, sends the initial connected
// frame and starts the heartbeat timer. An existing connection for the
// same client is swapped out in one step, so the client is never
// observably without a connection during a reconnect, then torn down.
func (m *Manager) Connect(clientID, topic string, transport Transport) error {
	now := time.Now()
	conn := &connection{
		clientID:     clientID,
		topic:        topic,
		transport:    transport,
		connectedAt:  now,
		lastActivity: now,
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	existing := m.conns[clientID]
	m.conns[clientID] = conn
	m.mu.Unlock()

	if existing != nil {
		m.logger.WithField("client_id", clientID).Warn("Replacing existing push connection")
		m.closeConnection(existing, "replaced")
	} else if m.metrics != nil {
		m.metrics.PushConnections.WithLabelValues(topic).Inc()
	}

	frame := protocol.NewFrame(protocol.FrameConnected, map[string]interface{}{
		"clientId":            clientID,
		"repository":          topic,
		"heartbeatIntervalMs": m.policy.HeartbeatInterval.Milliseconds(),
	})
	if err := m.Send(clientID, frame); err != nil {
		return fmt.Errorf("initial frame for %s: %w", clientID, err)
	}

	go m.heartbeatLoop(conn)

	m.logger.WithFields(logging.Fields{
		"client_id":   clientID,
		"topic":       topic,
		"connections": m.Count(),
	}).Info("Push connection established")
	return nil
}

// Send writes one frame to the client. On a transport failure the
// connection is torn down immediately; the caller gets the write error.
func (m *Manager) Send(clientID string, frame protocol.Frame) error {
	m.mu.RLock()
	conn, ok := m.conns[clientID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no push connection for client %s", clientID)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Type, err)
	}
	data = append(data, '\n')

	if err := m.write(conn, data); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"client_id": clientID,
			"type":      frame.Type,
		}).Warn("Push write failed, tearing connection down")
		if m.removeIf(conn) {
			m.closeConnection(conn, "write failure")
		}
		return err
	}

	// Outbound traffic keeps the connection fresh; heartbeats do not
	// count, otherwise a dead client would never go stale.
	if frame.Type != protocol.FrameHeartbeat {
		conn.touch()
	}
	return nil
}

// Touch records inbound client traffic on the connection and the
// session.
func (m *Manager) Touch(clientID string) {
	m.mu.RLock()
	conn, ok := m.conns[clientID]
	m.mu.RUnlock()
	if ok {
		conn.touch()
	}
	m.registry.MonitorActivity(clientID)
}

// Disconnect sends a best-effort final frame and tears the connection
// down.
func (m *Manager) Disconnect(clientID string) {
	conn := m.take(clientID)
	if conn == nil {
		return
	}

	frame := protocol.NewFrame(protocol.FrameDisconnected, nil)
	if data, err := json.Marshal(frame); err == nil {
		_ = m.write(conn, append(data, '\n'))
	}
	m.closeConnection(conn, "disconnect requested")
}

// Connected reports whether the client currently has a live connection.
func (m *Manager) Connected(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[clientID]
	return ok
}

// Replaced reports whether the client's registered connection uses a
// different transport than the given one, meaning the client has
// reconnected and the caller is holding a stale handle.
func (m *Manager) Replaced(clientID string, transport Transport) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[clientID]
	return ok && conn.transport != transport
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Shutdown disconnects every client.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}

// take removes and returns the client's connection, or nil.
func (m *Manager) take(clientID string) *connection {
	m.mu.Lock()
	conn, ok := m.conns[clientID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, clientID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PushConnections.WithLabelValues(conn.topic).Dec()
	}
	return conn
}

// removeIf removes the connection only if it is still the one on
// record, so a teardown never races a replacement connection away.
func (m *Manager) removeIf(conn *connection) bool {
	m.mu.Lock()
	if m.conns[conn.clientID] != conn {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, conn.clientID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PushConnections.WithLabelValues(conn.topic).Dec()
	}
	return true
}

func (m *Manager) write(conn *connection, data []byte) error {
	return conn.transport.WriteMessage(data)
}

// closeConnection finishes teardown for a connection already removed
// from the table: stops the heartbeat, closes the transport and marks
// the session disconnected.
func (m *Manager) closeConnection(conn *connection, reason string) {
	select {
	case <-conn.done:
	default:
		close(conn.done)
	}

	if err := conn.transport.Close(); err != nil {
		m.logger.WithError(err).WithField("client_id", conn.clientID).Debug("Transport close failed")
	}
	m.registry.MarkDisconnected(conn.clientID)

	m.logger.WithFields(logging.Fields{
		"client_id": conn.clientID,
		"topic":     conn.topic,
		"reason":    reason,
		"duration":  time.Since(conn.connectedAt).String(),
	}).Info("Push connection closed")
}

// heartbeatLoop emits heartbeat frames on a fixed cadence and reaps the
// connection once it has been idle past the stale threshold, regardless
// of session registry state.
func (m *Manager) heartbeatLoop(conn *connection) {
	ticker := time.NewTicker(m.policy.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if conn.idle() > m.policy.ConnectionStaleTimeout {
				m.logger.WithFields(logging.Fields{
					"client_id": conn.clientID,
					"idle":      conn.idle().String(),
				}).Info("Reaping stale push connection")
				if m.removeIf(conn) {
					m.closeConnection(conn, "stale")
				}
				return
			}

			// Send handles teardown on failure; stop the loop either
			// way once the connection is gone.
			if err := m.Send(conn.clientID, protocol.NewFrame(protocol.FrameHeartbeat, nil)); err != nil {
				return
			}

			// A protocol ping makes a silent but live client produce
			// pong traffic, which comes back through Touch.
			if pinger, ok := conn.transport.(Pinger); ok {
				_ = pinger.Ping()
			}
		}
	}
}
