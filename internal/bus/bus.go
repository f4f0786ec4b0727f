// Package bus provides a lightweight in-process pub/sub event bus.
// Components publish lifecycle events (outbox activity, run transitions,
// pipeline results) and interested parties subscribe by topic prefix.
// Delivery is best-effort: slow subscribers drop events rather than
// blocking publishers.
package bus

import "sync"

// Event is a single published event.
type Event struct {
	Topic   string
	Payload any
}

// defaultBufferSize is the per-subscription channel buffer.
const defaultBufferSize = 100

// Subscription is a registered listener with a buffered channel.
type Subscription struct {
	id          int
	topicPrefix string
	ch          chan Event
}

// Ch returns the receive channel for this subscription.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a listener for all topics with the given prefix.
// An empty prefix matches every topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:          b.nextID,
		topicPrefix: topicPrefix,
		ch:          make(chan Event, defaultBufferSize),
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

// Publish delivers an event to every matching subscriber without blocking.
// If a subscriber's buffer is full the event is dropped for that subscriber.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload}
	for _, sub := range b.subs {
		if !matchesPrefix(topic, sub.topicPrefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is not keeping up. Drop.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func matchesPrefix(topic, prefix string) bool {
	if prefix == "" {
		return true
	}
	return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
}
