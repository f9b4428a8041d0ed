package sqlc

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type Tenant struct {
	ID        pgtype.UUID        `json:"id"`
	Name      string             `json:"name"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
}

type Contact struct {
	ID          pgtype.UUID        `json:"id"`
	TenantID    pgtype.UUID        `json:"tenant_id"`
	Phone       string             `json:"phone"`
	DisplayName string             `json:"display_name"`
	AvatarUrl   pgtype.Text        `json:"avatar_url"`
	CreatedAt   pgtype.Timestamptz `json:"created_at"`
	UpdatedAt   pgtype.Timestamptz `json:"updated_at"`
}

type Conversation struct {
	ID            pgtype.UUID        `json:"id"`
	TenantID      pgtype.UUID        `json:"tenant_id"`
	ContactID     pgtype.UUID        `json:"contact_id"`
	Channel       string             `json:"channel"`
	Status        string             `json:"status"`
	UnreadCount   int32              `json:"unread_count"`
	LastMessageAt pgtype.Timestamptz `json:"last_message_at"`
	CreatedAt     pgtype.Timestamptz `json:"created_at"`
	UpdatedAt     pgtype.Timestamptz `json:"updated_at"`
}

type Message struct {
	ID                pgtype.UUID        `json:"id"`
	TenantID          pgtype.UUID        `json:"tenant_id"`
	ConversationID    pgtype.UUID        `json:"conversation_id"`
	ContactID         pgtype.UUID        `json:"contact_id"`
	Direction         string             `json:"direction"`
	SenderKind        string             `json:"sender_kind"`
	Body              string             `json:"body"`
	MediaUrl          pgtype.Text        `json:"media_url"`
	ExternalMessageID pgtype.Text        `json:"external_message_id"`
	Status            string             `json:"status"`
	CreatedAt         pgtype.Timestamptz `json:"created_at"`
}
