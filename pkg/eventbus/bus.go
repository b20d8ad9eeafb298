// Package eventbus implements the in-process publish/subscribe broker
// the streaming layer is built on. A Bus is an explicit object injected
// into its consumers, never a package-level singleton, so tests and
// parallel deployments get isolated instances.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"shantyman/pkg/logging"
)

// Event is what a handler receives on publish.
type Event struct {
	Topic       string
	Payload     interface{}
	PublishedAt time.Time
}

// Handler processes one event. An error return (or a panic) is logged
// and isolated; it never reaches the publisher or sibling handlers.
type Handler func(ctx context.Context, evt Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a topic-keyed broker. Topic matching is exact string
// equality: hierarchical-looking names never match as prefixes, and
// wildcard-looking topics are rejected at subscribe time.
type Bus struct {
	logger logging.Logger

	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64
}

// New creates an empty bus.
func New(logger logging.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for a topic and returns a function that
// removes it. Handlers for a topic are dispatched in registration
// order. Topics containing '*' are rejected: the bus does exact
// matching only, and a wildcard subscription would be silently inert.
func (b *Bus) Subscribe(topic string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", topic)
	}
	if strings.Contains(topic, "*") {
		b.logger.WithField("topic", topic).Warn("Rejecting wildcard-looking topic; bus matching is exact")
		return nil, fmt.Errorf("subscribe %q: wildcard topics are not supported", topic)
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return func() { b.unsubscribe(topic, sub.id) }, nil
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish dispatches the payload to every handler registered for the
// topic and waits for all of them to settle. All handlers are started
// before any is waited on, so a hung handler stalls the caller but
// never blocks its siblings. Handler errors and panics are logged,
// never propagated.
func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) {
	evt := Event{Topic: topic, Payload: payload, PublishedAt: time.Now()}
	handlers := b.snapshot(topic)

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			b.invoke(ctx, h, evt)
		}(h)
	}
	wg.Wait()
}

// PublishSync dispatches without waiting for handler completion. There
// is no ordering guarantee for handler side effects after this call
// returns.
func (b *Bus) PublishSync(topic string, payload interface{}) {
	evt := Event{Topic: topic, Payload: payload, PublishedAt: time.Now()}
	for _, h := range b.snapshot(topic) {
		go b.invoke(context.Background(), h, evt)
	}
}

// Clear removes every handler for one topic.
func (b *Bus) Clear(topic string) {
	b.mu.Lock()
	delete(b.subs, topic)
	b.mu.Unlock()
}

// Reset removes every handler for every topic.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()
}

// HandlerCount reports how many handlers a topic currently has.
func (b *Bus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// snapshot copies the subscriber list so that registration or removal
// during an in-flight dispatch cannot corrupt iteration.
func (b *Bus) snapshot(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subs[topic]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	return handlers
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logging.Fields{
				"topic": evt.Topic,
				"panic": r,
			}).Error("Event handler panicked")
		}
	}()

	if err := h(ctx, evt); err != nil {
		b.logger.WithError(err).WithField("topic", evt.Topic).Error("Event handler failed")
	}
}
