// Package reconcile keeps a client-side conversation view consistent
// while messages arrive from an initial load, the change feed and the
// user's own optimistic sends.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clinicdesk/clinicdesk/internal/message"
)

// InitialLoadLimit is how many messages Open loads.
const InitialLoadLimit = 200

// TempIDPrefix marks optimistic entries.
const TempIDPrefix = "temp-"

// Message is one entry of a rendered conversation. Optimistic entries
// have a TempID and no ID until the confirmed row replaces them.
type Message struct {
	ID                string    `json:"id,omitempty"`
	TempID            string    `json:"temp_id,omitempty"`
	ConversationID    string    `json:"conversation_id"`
	Direction         string    `json:"direction"`
	SenderKind        string    `json:"sender_kind,omitempty"`
	Body              string    `json:"body"`
	MediaURL          string    `json:"media_url,omitempty"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// Confirmed reports whether the entry is a persisted row.
func (m Message) Confirmed() bool {
	return m.ID != ""
}

func (m Message) placeholder() bool {
	return m.ID == "" && m.ExternalMessageID == ""
}

// FromPersisted converts a server message.
func FromPersisted(m message.Message) Message {
	return Message{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		Direction:         m.Direction,
		SenderKind:        m.SenderKind,
		Body:              m.Body,
		MediaURL:          m.MediaURL,
		ExternalMessageID: m.ExternalMessageID,
		Status:            m.Status,
		CreatedAt:         m.CreatedAt,
	}
}

type EventKind int

const (
	EventInsert EventKind = iota
	EventUpdate
	EventConversation
)

// PushedEvent is one change delivered by a Feed. Unread is only set for
// EventConversation.
type PushedEvent struct {
	Kind    EventKind
	Message Message
	Unread  int
}

// Draft is what the user typed.
type Draft struct {
	Body  string
	Phone string
}

type SendRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Message        string `json:"message"`
}

type Loader interface {
	LoadLatest(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// Feed delivers pushed events for one conversation until cancel is called
// or ctx ends. The channel is closed when delivery stops.
type Feed interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan PushedEvent, func(), error)
}

type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

type Sender interface {
	Send(ctx context.Context, req SendRequest) (json.RawMessage, error)
}

// ViewCache receives the current list and unread count so other views of
// the same conversation can render consistent state.
type ViewCache interface {
	PutView(ctx context.Context, conversationID string, v any) error
	PutUnread(ctx context.Context, conversationID string, unread int) error
}
