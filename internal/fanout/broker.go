// Package fanout broadcasts live generation events to every viewer attached
// to a conversation.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/kalambet/parley/internal/storage"
)

// EventType tags a streaming event.
type EventType string

const (
	EventGenerationStarted   EventType = "generation-started"
	EventTokenChunk          EventType = "token-chunk"
	EventGenerationCompleted EventType = "generation-completed"
	EventGenerationFailed    EventType = "generation-failed"
	EventError               EventType = "error"
)

// Event is one streaming notification. Text is set for token chunks, Turn
// for completion, Reason for structured failures, and Message for the
// generic error notification.
type Event struct {
	Type    EventType     `json:"type"`
	Text    string        `json:"text,omitempty"`
	Turn    *storage.Turn `json:"turn,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Topic names the broadcast channel for one user's conversation.
func Topic(userID, conversationID string) string {
	return userID + "/" + conversationID
}

const defaultBuffer = 64

// Broker is an in-process topic broadcaster. Publish never blocks: a
// subscriber whose buffer is full misses that event instead of stalling the
// publisher, so a slow viewer cannot hold up generation. Events that are
// delivered arrive in publish order per subscription.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewBroker creates a Broker. If buffer <= 0 the default (64) is used.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: slog.Default(),
	}
}

// Subscription is one attached viewer. Receive from C until Cancel.
type Subscription struct {
	C <-chan Event

	broker *Broker
	topic  string
	ch     chan Event
	once   sync.Once
}

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.ch)
	})
}

// Subscribe attaches a new viewer to the topic.
func (b *Broker) Subscribe(topic string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, broker: b, topic: topic, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Publish delivers the event to every current subscriber of the topic.
// Fire-and-forget: delivery to a full subscriber is dropped and logged.
func (b *Broker) Publish(topic string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber", "topic", topic, "event", string(ev.Type))
		}
	}
}

// Subscribers reports how many viewers are attached to the topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
