// Package conversation owns the per-contact conversation aggregate: the
// single open thread per contact and channel and its unread counter.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/clinicdesk/clinicdesk/internal/db"
	"github.com/clinicdesk/clinicdesk/internal/db/sqlc"
)

// Conversation status constants.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

var ErrNotFound = errors.New("conversation not found")

// Conversation is the aggregate shown in inbox lists and badges.
type Conversation struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	ContactID     string     `json:"contact_id"`
	Channel       string     `json:"channel"`
	Status        string     `json:"status"`
	UnreadCount   int32      `json:"unread_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Queries is the subset of the query layer the aggregate needs.
type Queries interface {
	GetConversation(ctx context.Context, id pgtype.UUID) (sqlc.Conversation, error)
	GetOpenConversation(ctx context.Context, arg sqlc.GetOpenConversationParams) (sqlc.Conversation, error)
	CreateConversation(ctx context.Context, arg sqlc.CreateConversationParams) (sqlc.Conversation, error)
	MarkConversationRead(ctx context.Context, id pgtype.UUID) (sqlc.Conversation, error)
}

// Accessor is what HTTP handlers use.
type Accessor interface {
	Get(ctx context.Context, conversationID string) (Conversation, error)
	MarkRead(ctx context.Context, conversationID string) (Conversation, error)
}

// FromRow converts a database row.
func FromRow(row sqlc.Conversation) Conversation {
	c := Conversation{
		ID:          dbpkg.UUIDToString(row.ID),
		TenantID:    dbpkg.UUIDToString(row.TenantID),
		ContactID:   dbpkg.UUIDToString(row.ContactID),
		Channel:     row.Channel,
		Status:      row.Status,
		UnreadCount: row.UnreadCount,
		CreatedAt:   row.CreatedAt.Time,
		UpdatedAt:   row.UpdatedAt.Time,
	}
	if row.LastMessageAt.Valid {
		t := row.LastMessageAt.Time
		c.LastMessageAt = &t
	}
	return c
}
