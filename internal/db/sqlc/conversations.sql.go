package sqlc

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const conversationColumns = `id, tenant_id, contact_id, channel, status, unread_count, last_message_at, created_at, updated_at`

func scanConversation(row interface{ Scan(dest ...any) error }) (Conversation, error) {
	var i Conversation
	err := row.Scan(
		&i.ID,
		&i.TenantID,
		&i.ContactID,
		&i.Channel,
		&i.Status,
		&i.UnreadCount,
		&i.LastMessageAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getConversation = `-- name: GetConversation :one
SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1
`

func (q *Queries) GetConversation(ctx context.Context, id pgtype.UUID) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, getConversation, id))
}

const getOpenConversation = `-- name: GetOpenConversation :one
SELECT ` + conversationColumns + `
FROM conversations
WHERE contact_id = $1 AND channel = $2 AND status = 'open'
LIMIT 1
`

type GetOpenConversationParams struct {
	ContactID pgtype.UUID `json:"contact_id"`
	Channel   string      `json:"channel"`
}

func (q *Queries) GetOpenConversation(ctx context.Context, arg GetOpenConversationParams) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, getOpenConversation, arg.ContactID, arg.Channel))
}

const createConversation = `-- name: CreateConversation :one
INSERT INTO conversations (tenant_id, contact_id, channel, status, unread_count)
VALUES ($1, $2, $3, 'open', 0)
ON CONFLICT (contact_id, channel) WHERE status = 'open' DO NOTHING
RETURNING ` + conversationColumns + `
`

type CreateConversationParams struct {
	TenantID  pgtype.UUID `json:"tenant_id"`
	ContactID pgtype.UUID `json:"contact_id"`
	Channel   string      `json:"channel"`
}

// CreateConversation returns pgx.ErrNoRows when another writer already
// opened a conversation for the contact on the channel.
func (q *Queries) CreateConversation(ctx context.Context, arg CreateConversationParams) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, createConversation, arg.TenantID, arg.ContactID, arg.Channel))
}

const incrementConversationUnread = `-- name: IncrementConversationUnread :one
UPDATE conversations
SET unread_count = unread_count + 1, last_message_at = now(), updated_at = now()
WHERE id = $1
RETURNING ` + conversationColumns + `
`

func (q *Queries) IncrementConversationUnread(ctx context.Context, id pgtype.UUID) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, incrementConversationUnread, id))
}

const touchConversation = `-- name: TouchConversation :one
UPDATE conversations
SET last_message_at = now(), updated_at = now()
WHERE id = $1
RETURNING ` + conversationColumns + `
`

func (q *Queries) TouchConversation(ctx context.Context, id pgtype.UUID) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, touchConversation, id))
}

const markConversationRead = `-- name: MarkConversationRead :one
UPDATE conversations
SET unread_count = 0, updated_at = now()
WHERE id = $1
RETURNING ` + conversationColumns + `
`

func (q *Queries) MarkConversationRead(ctx context.Context, id pgtype.UUID) (Conversation, error) {
	return scanConversation(q.db.QueryRow(ctx, markConversationRead, id))
}
