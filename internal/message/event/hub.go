// Package event fans out inbox change notifications to in-process
// subscribers, scoped by conversation id.
package event

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeMessageCreated      EventType = "message.created"
	EventTypeMessageUpdated      EventType = "message.updated"
	EventTypeConversationUpdated EventType = "conversation.updated"
)

const DefaultBufferSize = 64

// Event is one change notification. Data holds the JSON-encoded row.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type Publisher interface {
	Publish(event Event)
}

type Subscriber interface {
	Subscribe(conversationID string, buffer int) (string, <-chan Event, func())
}

type subscription struct {
	topic string
	ch    chan Event
}

// Hub is an in-memory Publisher/Subscriber. Publish never blocks: a
// subscriber whose buffer is full is dropped and its channel closed after
// the buffered events, so it knows to resynchronize from the database.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*subscription
	closed bool
}

func NewHub() *Hub {
	return &Hub{topics: map[string]map[string]*subscription{}}
}

func (h *Hub) Publish(event Event) {
	topic := strings.TrimSpace(event.ConversationID)
	if topic == "" {
		return
	}
	var overflowed []string
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for id, sub := range h.topics[topic] {
		select {
		case sub.ch <- event:
		default:
			overflowed = append(overflowed, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range overflowed {
		h.remove(topic, id)
	}
}

// Subscribe registers a listener for one conversation. The returned cancel
// func is idempotent and closes the channel.
func (h *Hub) Subscribe(conversationID string, buffer int) (string, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	topic := strings.TrimSpace(conversationID)
	id := uuid.NewString()
	sub := &subscription{topic: topic, ch: make(chan Event, buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return id, sub.ch, func() {}
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = map[string]*subscription{}
		h.topics[topic] = subs
	}
	subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(topic, id) })
	}
	return id, sub.ch, cancel
}

// SubscriberCount reports the live subscriptions for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[strings.TrimSpace(conversationID)])
}

// Close drops every subscription and closes their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.topics {
		for id, sub := range subs {
			close(sub.ch)
			delete(subs, id)
		}
		delete(h.topics, topic)
	}
}

func (h *Hub) remove(topic, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}
