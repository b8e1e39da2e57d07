// Package eventbus implements the in-process publish/subscribe bus
// described in spec.md §5 item 3 and §9 "Source's ambient event-bus
// singleton": publications are synchronous on the publisher's
// goroutine, observers must not block, and the bus is passed as an
// explicit dependency rather than kept as a package-level singleton.
//
// This is hand-rolled rather than backed by a third-party broker
// client (see DESIGN.md) because the spec requires synchronous,
// in-process, zero-network delivery with RAII-style unsubscribe
// guards — a concern no message-queue client in the example pool
// models; nats.go, the pack's pub/sub library, talks to an external
// broker process and is not a fit for this in-process contract.
package eventbus

import "sync"

// Topic identifies an event stream on the bus.
type Topic string

const (
	TopicPauseStream  Topic = "stream.pause"
	TopicResumeStream Topic = "stream.resume"
	TopicStopStream   Topic = "stream.stop"
	TopicVideoSession Topic = "session.video"
	TopicAudioSession Topic = "session.audio"
	TopicControlEvent Topic = "control.event"

	// TopicSessionCreated/TopicSessionStopped carry a session ID
	// (string) and back the REST admin API's SSE lifecycle stream
	// (spec.md §6.7).
	TopicSessionCreated Topic = "session.created"
	TopicSessionStopped Topic = "session.stopped"
)

// Handler receives a published event. Handlers must not block; long
// running work should hand off to its own goroutine.
type Handler func(event any)

// Bus is a synchronous, in-process, multi-topic publish/subscribe
// dispatcher. The zero value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic]map[int]Handler
	next int
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic]map[int]Handler)}
}

// Subscription is the RAII-style unsubscribe guard described in
// spec.md §9: call Close to remove the handler. Closing twice is a
// no-op.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    int
	once  sync.Once
}

// Close unsubscribes the handler this Subscription guards.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if handlers, ok := s.bus.subs[s.topic]; ok {
			delete(handlers, s.id)
		}
	})
}

// Subscribe registers handler for topic and returns a guard that
// unsubscribes it when Closed.
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}

	id := b.next
	b.next++
	b.subs[topic][id] = handler

	return &Subscription{bus: b, topic: topic, id: id}
}

// Publish dispatches event to every handler currently subscribed to
// topic, synchronously, on the calling goroutine. The handler set is
// snapshotted under the lock before dispatch so a handler may
// subscribe or unsubscribe during its own callback without deadlock.
func (b *Bus) Publish(topic Topic, event any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
