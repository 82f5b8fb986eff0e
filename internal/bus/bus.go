// Package bus is a small in-process pub/sub bus with topic prefix matching.
// Channels and the digest scheduler observe turn outcomes through it without
// coupling to the engine.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Turn event topics.
const (
	TopicTurnCompleted     = "turn.completed"
	TopicTurnPlanned       = "turn.planned"
	TopicTurnClarification = "turn.needs_clarification"
	TopicTurnFailed        = "turn.failed"
	TopicDigestFired       = "digest.fired"
)

// TurnEvent is published after every processed turn.
type TurnEvent struct {
	SessionID string // Session the turn belongs to
	Status    string // Turn status
	Steps     int    // Steps in the canonical plan
	Issues    int    // Accumulated validation issues
}

// DigestFiredEvent is published when a digest schedule runs. Summary carries
// the rendered agenda text for channels that deliver digests to the user.
type DigestFiredEvent struct {
	ScheduleID string
	SessionID  string
	Name       string
	Summary    string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is the in-process pub/sub bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. The channel holds 100 events;
// delivery to a full buffer drops the event.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
