// Package fanout maps topics to subscribed clients and broadcasts
// artifacts to them. It keeps subscription bookkeeping and transfer
// counters only; client liveness lives in the session registry, which
// the fanout holds a non-owning reference to.
package fanout

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"shantyman/internal/session"
	"shantyman/pkg/logging"
	"shantyman/pkg/protocol"
)

// Sender delivers one frame to one client. The push connection manager
// implements it in production.
type Sender interface {
	Send(clientID string, frame protocol.Frame) error
}

// Metrics are the monotonic aggregate counters since start. They never
// reset except on process restart.
type Metrics struct {
	TotalClients  int64         `json:"totalClients"`
	ActiveStreams int           `json:"activeStreams"`
	Topics        int           `json:"topics"`
	TotalBuffers  int64         `json:"totalBuffers"`
	TotalBytes    int64         `json:"totalBytes"`
	AverageBytes  float64       `json:"averageBytes"`
	Uptime        time.Duration `json:"uptime"`
}

// TopicMetrics are per-topic transfer counters.
type TopicMetrics struct {
	Topic     string `json:"topic"`
	Clients   int    `json:"clients"`
	Connected int    `json:"connected"`
	Buffers   int64  `json:"buffers"`
	Bytes     int64  `json:"bytes"`
}

type topicCounters struct {
	buffers int64
	bytes   int64
}

// Fanout broadcasts artifacts to every client subscribed to a topic.
type Fanout struct {
	registry *session.Registry
	sender   Sender
	logger   logging.Logger

	mu        sync.RWMutex
	topics    map[string]map[string]struct{}
	clientTo  map[string]string // clientID -> topic
	perTopic  map[string]*topicCounters
	total     topicCounters
	clients   int64 // monotonic count of clients ever subscribed
	startedAt time.Time
}

// New creates a fanout over the given (non-owned) registry and sender.
func New(registry *session.Registry, sender Sender, logger logging.Logger) *Fanout {
	return &Fanout{
		registry:  registry,
		sender:    sender,
		logger:    logger,
		topics:    make(map[string]map[string]struct{}),
		clientTo:  make(map[string]string),
		perTopic:  make(map[string]*topicCounters),
		startedAt: time.Now(),
	}
}

// CreateSession ensures a registry record exists for the client and
// adds it to the topic's subscriber set. Subscribing an already
// subscribed client is idempotent; a client streams exactly one topic
// at a time, so subscribing to a new topic moves it.
func (f *Fanout) CreateSession(clientID, topic string) error {
	if !f.registry.Has(clientID) {
		if _, err := f.registry.Create(clientID, topic, nil); err != nil {
			return fmt.Errorf("create session for %s: %w", clientID, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.clientTo[clientID]; ok {
		if prev == topic {
			return nil
		}
		delete(f.topics[prev], clientID)
		if len(f.topics[prev]) == 0 {
			delete(f.topics, prev)
		}
	} else {
		f.clients++
	}

	if f.topics[topic] == nil {
		f.topics[topic] = make(map[string]struct{})
	}
	f.topics[topic][clientID] = struct{}{}
	f.clientTo[clientID] = topic

	f.logger.WithFields(logging.Fields{
		"client_id": clientID,
		"topic":     topic,
		"listeners": len(f.topics[topic]),
	}).Info("Client subscribed to topic")
	return nil
}

// RemoveClient drops the client from its topic's subscriber set.
func (f *Fanout) RemoveClient(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	topic, ok := f.clientTo[clientID]
	if !ok {
		return
	}
	delete(f.clientTo, clientID)
	delete(f.topics[topic], clientID)
	if len(f.topics[topic]) == 0 {
		delete(f.topics, topic)
	}
}

// Broadcast attempts delivery of the frame to every subscriber of the
// topic independently and returns the number of successful deliveries.
// A per-client failure marks that client Disconnected in the registry
// (soft-fail: the subscription stays bookkept) and does not abort
// delivery to the remaining clients.
func (f *Fanout) Broadcast(topic string, frame protocol.Frame) int {
	f.mu.RLock()
	subscribers := make([]string, 0, len(f.topics[topic]))
	for clientID := range f.topics[topic] {
		subscribers = append(subscribers, clientID)
	}
	f.mu.RUnlock()

	if len(subscribers) == 0 {
		return 0
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		f.logger.WithError(err).WithField("topic", topic).Error("Failed to marshal broadcast frame")
		return 0
	}
	frameBytes := int64(len(payload))

	success := 0
	for _, clientID := range subscribers {
		if state, ok := f.registry.State(clientID); ok && state == session.StateDisconnected {
			continue
		}

		if err := f.sender.Send(clientID, frame); err != nil {
			f.registry.MarkDisconnected(clientID)
			f.logger.WithError(err).WithFields(logging.Fields{
				"client_id": clientID,
				"topic":     topic,
			}).Warn("Delivery failed, client marked disconnected")
			continue
		}
		success++
	}

	f.mu.Lock()
	f.total.buffers += int64(success)
	f.total.bytes += frameBytes * int64(success)
	tc := f.perTopic[topic]
	if tc == nil {
		tc = &topicCounters{}
		f.perTopic[topic] = tc
	}
	tc.buffers += int64(success)
	tc.bytes += frameBytes * int64(success)
	f.mu.Unlock()

	f.logger.WithFields(logging.Fields{
		"topic":     topic,
		"delivered": success,
		"attempted": len(subscribers),
	}).Debug("Broadcast complete")
	return success
}

// Disconnect marks the client's transport lost without removing its
// subscription.
func (f *Fanout) Disconnect(clientID string) {
	f.registry.MarkDisconnected(clientID)
}

// Reconnect marks the client live again.
func (f *Fanout) Reconnect(clientID string) {
	f.registry.MarkActive(clientID)
}

// GetHealthMetrics returns the aggregate counters since start.
func (f *Fanout) GetHealthMetrics() Metrics {
	f.mu.RLock()
	defer f.mu.RUnlock()

	m := Metrics{
		TotalClients:  f.clients,
		ActiveStreams: len(f.clientTo),
		Topics:        len(f.topics),
		TotalBuffers:  f.total.buffers,
		TotalBytes:    f.total.bytes,
		Uptime:        time.Since(f.startedAt),
	}
	if m.TotalBuffers > 0 {
		m.AverageBytes = float64(m.TotalBytes) / float64(m.TotalBuffers)
	}
	return m
}

// GetRepositoryMetrics returns per-topic counters.
func (f *Fanout) GetRepositoryMetrics(topic string) (TopicMetrics, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	subscribers, ok := f.topics[topic]
	if !ok {
		return TopicMetrics{}, false
	}

	tm := TopicMetrics{
		Topic:   topic,
		Clients: len(subscribers),
	}
	for clientID := range subscribers {
		if state, ok := f.registry.State(clientID); ok && state != session.StateDisconnected {
			tm.Connected++
		}
	}
	if tc := f.perTopic[topic]; tc != nil {
		tm.Buffers = tc.buffers
		tm.Bytes = tc.bytes
	}
	return tm, true
}

// Reset drops all subscription bookkeeping. Transfer counters survive:
// they are monotonic for the life of the process.
func (f *Fanout) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = make(map[string]map[string]struct{})
	f.clientTo = make(map[string]string)
}
