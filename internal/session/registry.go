// Package session tracks per-client streaming sessions. The registry
// owns the single liveness state machine for a client
// (Connecting → Active → Idle → Disconnected); the fanout and push
// layers report transitions into it rather than keeping flags of their
// own.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"shantyman/pkg/config"
	"shantyman/pkg/eventbus"
	"shantyman/pkg/logging"
	"shantyman/pkg/protocol"
)

// State is a session's position in the liveness state machine.
type State string

const (
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateDisconnected State = "disconnected"
)

// Session is the server-side record of one client's participation in
// streaming for one topic.
type Session struct {
	ClientID       string
	Topic          string
	CreatedAt      time.Time
	LastActivityAt time.Time
	State          State
	Metadata       map[string]string
	Scope          *ResourceScope
}

// Registry tracks sessions and sweeps idle ones. Disposal notifications
// are published on the injected bus.
type Registry struct {
	bus    *eventbus.Bus
	policy config.TimeoutPolicy
	logger logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(bus *eventbus.Bus, policy config.TimeoutPolicy, logger logging.Logger) *Registry {
	return &Registry{
		bus:      bus,
		policy:   policy,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create registers a session for a client. A client has at most one
// session; creating a second one is a caller error, not idempotent.
func (r *Registry) Create(clientID, topic string, metadata map[string]string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[clientID]; exists {
		return nil, fmt.Errorf("session already exists for client %s", clientID)
	}

	now := time.Now()
	sess := &Session{
		ClientID:       clientID,
		Topic:          topic,
		CreatedAt:      now,
		LastActivityAt: now,
		State:          StateConnecting,
		Metadata:       metadata,
		Scope:          NewResourceScope(),
	}
	r.sessions[clientID] = sess

	r.logger.WithFields(logging.Fields{
		"client_id":     clientID,
		"topic":         topic,
		"session_count": len(r.sessions),
	}).Info("Session created")

	return sess, nil
}

// Get returns a copy of the client's session record.
func (r *Registry) Get(clientID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[clientID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Has reports whether the client has a session.
func (r *Registry) Has(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[clientID]
	return ok
}

// State returns the client's liveness state.
func (r *Registry) State(clientID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[clientID]
	if !ok {
		return "", false
	}
	return sess.State, true
}

// MonitorActivity records client traffic: refreshes the activity
// timestamp and moves the session to Active.
func (r *Registry) MonitorActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[clientID]
	if !ok {
		return
	}
	sess.LastActivityAt = time.Now()
	sess.State = StateActive
}

// MarkIdle moves the session to Idle without disposing it.
func (r *Registry) MarkIdle(clientID string) {
	r.setState(clientID, StateIdle)
}

// MarkDisconnected records loss of the client's transport. The session
// record survives so a reconnect can resume the topic.
func (r *Registry) MarkDisconnected(clientID string) {
	r.setState(clientID, StateDisconnected)
}

// MarkActive moves the session back to Active, e.g. on reconnect.
func (r *Registry) MarkActive(clientID string) {
	r.MonitorActivity(clientID)
}

func (r *Registry) setState(clientID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[clientID]; ok {
		sess.State = state
	}
}

// Dispose releases the session's resource scope, removes the record
// and publishes a disposal event. Disposing a missing session is a
// caller error.
func (r *Registry) Dispose(clientID, reason string) error {
	r.mu.Lock()
	sess, ok := r.sessions[clientID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no session for client %s", clientID)
	}
	delete(r.sessions, clientID)
	r.mu.Unlock()

	disposed, failed := sess.Scope.DisposeAll(r.logger)
	r.logger.WithFields(logging.Fields{
		"client_id":          clientID,
		"topic":              sess.Topic,
		"reason":             reason,
		"resources_disposed": disposed,
		"resources_failed":   failed,
	}).Info("Session disposed")

	r.bus.PublishSync(protocol.TopicSessionDisposed, protocol.SessionDisposedEvent{
		ClientID: clientID,
		Topic:    sess.Topic,
		Reason:   reason,
	})
	return nil
}

// CleanupInactiveSessions disposes every session idle beyond the policy
// threshold and returns the count. A second call with no newly-idle
// sessions disposes zero.
func (r *Registry) CleanupInactiveSessions() int {
	threshold := r.policy.SessionIdleTimeout
	now := time.Now()

	r.mu.RLock()
	stale := make([]string, 0)
	for clientID, sess := range r.sessions {
		if now.Sub(sess.LastActivityAt) > threshold {
			stale = append(stale, clientID)
		}
	}
	r.mu.RUnlock()

	disposed := 0
	for _, clientID := range stale {
		if err := r.Dispose(clientID, "idle timeout"); err != nil {
			// Raced with an explicit disposal; nothing left to do.
			continue
		}
		disposed++
	}

	if disposed > 0 {
		r.logger.WithField("disposed", disposed).Info("Idle session sweep complete")
	}
	return disposed
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ClientIDs returns the IDs of all live sessions.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Start runs the periodic idle sweep until the context is cancelled.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.policy.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupInactiveSessions()
			}
		}
	}()
}
