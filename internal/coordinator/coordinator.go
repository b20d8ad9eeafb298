// Package coordinator drives the streaming pipeline: generation events
// from the bus are turned into push frames and fanned out to subscribed
// clients. The coordinator owns the session registry; fanout and the
// push manager hold non-owning references.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shantyman/internal/fanout"
	"shantyman/internal/metrics"
	"shantyman/internal/push"
	"shantyman/internal/session"
	"shantyman/pkg/config"
	"shantyman/pkg/eventbus"
	"shantyman/pkg/logging"
	"shantyman/pkg/protocol"
)

// HealthMetrics merges fanout counters with live connection counts.
type HealthMetrics struct {
	fanout.Metrics
	ActiveConnections int `json:"activeConnections"`
	ActiveSessions    int `json:"activeSessions"`
}

// Coordinator wires the bus, registry, fanout and push manager
// together.
type Coordinator struct {
	bus      *eventbus.Bus
	registry *session.Registry
	fanout   *fanout.Fanout
	push     *push.Manager
	logger   logging.Logger
	metrics  *metrics.Metrics

	unsubArtifacts func()
	unsubDisposals func()
	startedAt      time.Time
}

// New builds the pipeline and subscribes it to the bus. The metrics set
// may be nil (tests).
func New(bus *eventbus.Bus, policy config.TimeoutPolicy, logger logging.Logger, m *metrics.Metrics) (*Coordinator, error) {
	registry := session.NewRegistry(bus, policy, logger)
	pushManager := push.NewManager(registry, policy, logger, m)

	c := &Coordinator{
		bus:       bus,
		registry:  registry,
		push:      pushManager,
		logger:    logger,
		metrics:   m,
		startedAt: time.Now(),
	}
	c.fanout = fanout.New(registry, pushManager, logger)

	unsubArtifacts, err := bus.Subscribe(protocol.TopicArtifactGenerated, c.handleArtifact)
	if err != nil {
		return nil, fmt.Errorf("subscribe to generation events: %w", err)
	}
	c.unsubArtifacts = unsubArtifacts

	unsubDisposals, err := bus.Subscribe(protocol.TopicSessionDisposed, c.handleSessionDisposed)
	if err != nil {
		unsubArtifacts()
		return nil, fmt.Errorf("subscribe to disposal events: %w", err)
	}
	c.unsubDisposals = unsubDisposals

	return c, nil
}

// Start runs the registry's idle sweep until the context is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	c.registry.Start(ctx)
}

// Registry exposes the owned session registry.
func (c *Coordinator) Registry() *session.Registry {
	return c.registry
}

// Fanout exposes the fanout layer for stats endpoints.
func (c *Coordinator) Fanout() *fanout.Fanout {
	return c.fanout
}

// Connect is the single entry point for a new client: session record,
// topic subscription and push connection in one step. A push failure
// rolls the session and subscription back instead of leaving them to
// the idle sweep.
func (c *Coordinator) Connect(clientID, topic string, transport push.Transport) error {
	if err := c.fanout.CreateSession(clientID, topic); err != nil {
		return err
	}
	if err := c.push.Connect(clientID, topic, transport); err != nil {
		c.fanout.RemoveClient(clientID)
		if dispErr := c.registry.Dispose(clientID, "connect failed"); dispErr != nil {
			c.logger.WithError(dispErr).WithField("client_id", clientID).Debug("Session already disposed")
		}
		return err
	}
	c.registry.MonitorActivity(clientID)
	return nil
}

// Touch records inbound traffic from the client.
func (c *Coordinator) Touch(clientID string) {
	c.push.Touch(clientID)
}

// ClientGone finishes a client that hung up: connection teardown,
// session disposal, fanout removal (via the disposal event). The
// transport identifies which connection the caller saw die; when the
// client has already reconnected under the same ID, the stale teardown
// is a no-op so the new connection keeps its session. A nil transport
// tears down unconditionally.
func (c *Coordinator) ClientGone(clientID string, transport push.Transport) {
	if transport != nil && c.push.Replaced(clientID, transport) {
		c.logger.WithField("client_id", clientID).Debug("Ignoring teardown for a replaced connection")
		return
	}

	c.push.Disconnect(clientID)
	if err := c.registry.Dispose(clientID, "client disconnect"); err != nil {
		c.logger.WithError(err).WithField("client_id", clientID).Debug("Session already disposed")
	}
}

// GenerateTestArtifact pushes a parameter artifact through the normal
// broadcast path, for operability checks and test harnesses. Returns
// the delivery count.
func (c *Coordinator) GenerateTestArtifact(topic string, params protocol.MusicalParameters) int {
	return c.dispatch(protocol.ArtifactEvent{
		TopicID: topic,
		Params:  protocol.Artifact{Parameters: &params},
	})
}

// GetHealthMetrics merges fanout metrics with live connection counts.
func (c *Coordinator) GetHealthMetrics() HealthMetrics {
	return HealthMetrics{
		Metrics:           c.fanout.GetHealthMetrics(),
		ActiveConnections: c.push.Count(),
		ActiveSessions:    c.registry.Count(),
	}
}

// Snapshot returns the read-only health surface for monitoring.
func (c *Coordinator) Snapshot() protocol.HealthSnapshot {
	m := c.GetHealthMetrics()
	return protocol.HealthSnapshot{
		ActiveClients:         m.ActiveConnections,
		ActiveSessions:        m.ActiveSessions,
		ActiveStreams:         m.ActiveStreams,
		TotalBytesTransferred: m.TotalBytes,
		Uptime:                time.Since(c.startedAt).String(),
	}
}

// Dispose releases the bus subscriptions and tears down fanout
// bookkeeping, connections and remaining sessions, in that order.
func (c *Coordinator) Dispose() {
	c.unsubArtifacts()
	c.unsubDisposals()

	c.fanout.Reset()
	c.push.Shutdown()
	for _, clientID := range c.registry.ClientIDs() {
		if err := c.registry.Dispose(clientID, "coordinator disposed"); err != nil {
			c.logger.WithError(err).WithField("client_id", clientID).Debug("Session already disposed")
		}
	}
	c.logger.Info("Streaming coordinator disposed")
}

func (c *Coordinator) handleArtifact(ctx context.Context, evt eventbus.Event) error {
	event, err := decodeArtifactEvent(evt.Payload)
	if err != nil {
		return fmt.Errorf("generation event: %w", err)
	}
	c.dispatch(event)
	return nil
}

func (c *Coordinator) handleSessionDisposed(ctx context.Context, evt eventbus.Event) error {
	disposed, ok := evt.Payload.(protocol.SessionDisposedEvent)
	if !ok {
		return fmt.Errorf("unexpected disposal payload %T", evt.Payload)
	}
	c.fanout.RemoveClient(disposed.ClientID)
	c.push.Disconnect(disposed.ClientID)
	return nil
}

// dispatch builds the push frame for an artifact and broadcasts it.
// Delivery failures are already handled at the fanout and connection
// layers; there is no retry here.
func (c *Coordinator) dispatch(event protocol.ArtifactEvent) int {
	var frame protocol.Frame
	switch {
	case event.Params.Buffer != nil:
		frame = protocol.NewFrame(protocol.FrameAudioBuffer, event.Params.Buffer)
	case event.Params.Parameters != nil:
		frame = protocol.NewFrame(protocol.FrameMusicalParameters, event.Params.Parameters)
	default:
		c.logger.WithField("topic", event.TopicID).Warn("Dropping artifact with no payload")
		return 0
	}

	start := time.Now()
	delivered := c.fanout.Broadcast(event.TopicID, frame)

	if c.metrics != nil {
		c.metrics.FramesSent.WithLabelValues(frame.Type).Add(float64(delivered))
		c.metrics.Broadcasts.WithLabelValues("ok").Inc()
		c.metrics.BroadcastLag.WithLabelValues(event.TopicID).Observe(time.Since(start).Seconds())
	}

	c.logger.WithFields(logging.Fields{
		"topic":     event.TopicID,
		"type":      frame.Type,
		"delivered": delivered,
	}).Debug("Artifact dispatched")
	return delivered
}

// decodeArtifactEvent accepts the typed payload published in-process or
// the JSON map form arriving through the ingest bridge.
func decodeArtifactEvent(payload interface{}) (protocol.ArtifactEvent, error) {
	switch p := payload.(type) {
	case protocol.ArtifactEvent:
		return p, nil
	case *protocol.ArtifactEvent:
		return *p, nil
	case []byte:
		var event protocol.ArtifactEvent
		if err := json.Unmarshal(p, &event); err != nil {
			return protocol.ArtifactEvent{}, err
		}
		return event, nil
	case map[string]interface{}:
		raw, err := json.Marshal(p)
		if err != nil {
			return protocol.ArtifactEvent{}, err
		}
		var event protocol.ArtifactEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return protocol.ArtifactEvent{}, err
		}
		return event, nil
	default:
		return protocol.ArtifactEvent{}, fmt.Errorf("unsupported payload type %T", payload)
	}
}
