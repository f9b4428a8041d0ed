package message

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/clinicdesk/clinicdesk/internal/conversation"
	"github.com/clinicdesk/clinicdesk/internal/db/sqlc"
)

// Direction constants.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Sender kind constants.
const (
	SenderContact = "contact"
	SenderAgent   = "agent"
	SenderSystem  = "system"
)

// Status constants.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// MaxListLimit caps ListLatest.
const MaxListLimit = 200

// Message is a persisted inbox message.
type Message struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ConversationID    string    `json:"conversation_id"`
	ContactID         string    `json:"contact_id"`
	Direction         string    `json:"direction"`
	SenderKind        string    `json:"sender_kind"`
	Body              string    `json:"body"`
	MediaURL          string    `json:"media_url,omitempty"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// InboundInput is a contact-sent message about to be stored.
type InboundInput struct {
	TenantID       string
	ConversationID string
	ContactID      string
	Body           string
	MediaURL       string
	ExternalID     string
}

// OutboundInput is an agent-sent message confirmed by the provider.
type OutboundInput struct {
	ConversationID string
	Body           string
	MediaURL       string
	ExternalID     string
}

// WriteResult reports what a write did. Conversation is only populated
// when the aggregate was updated, i.e. when WasDuplicate is false.
type WriteResult struct {
	Stored       Message                   `json:"stored"`
	WasDuplicate bool                      `json:"was_duplicate"`
	Conversation conversation.Conversation `json:"conversation"`
}

// Queries is the subset of the query layer used by the writer.
type Queries interface {
	InsertMessage(ctx context.Context, arg sqlc.InsertMessageParams) (sqlc.Message, error)
	InsertMessageIfAbsent(ctx context.Context, arg sqlc.InsertMessageParams) (sqlc.Message, error)
	GetMessage(ctx context.Context, id pgtype.UUID) (sqlc.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (sqlc.Message, error)
	ListLatestMessages(ctx context.Context, arg sqlc.ListLatestMessagesParams) ([]sqlc.Message, error)
	UpdateMessageStatusByExternalID(ctx context.Context, arg sqlc.UpdateMessageStatusByExternalIDParams) (sqlc.Message, error)
	GetConversation(ctx context.Context, id pgtype.UUID) (sqlc.Conversation, error)
	IncrementConversationUnread(ctx context.Context, id pgtype.UUID) (sqlc.Conversation, error)
	TouchConversation(ctx context.Context, id pgtype.UUID) (sqlc.Conversation, error)
}

// Store runs queries, optionally inside one transaction.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(Queries) error) error
}

// Writer is what the webhook and send paths need.
type Writer interface {
	WriteInbound(ctx context.Context, input InboundInput) (WriteResult, error)
	PersistOutbound(ctx context.Context, input OutboundInput) (WriteResult, error)
	UpdateStatusByExternalID(ctx context.Context, externalID, status string) (Message, error)
	ExistsByExternalID(ctx context.Context, externalID string) (Message, bool, error)
}

// Service defines message read/write behavior.
type Service interface {
	Writer
	ListLatest(ctx context.Context, conversationID string, limit int32) ([]Message, error)
	Get(ctx context.Context, messageID string) (Message, error)
}

// ValidStatus reports whether status is a storable message status.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}
