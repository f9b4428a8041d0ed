package sqlc

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// Message statements are templates over the external id column, which
// differs between schema generations. %[1]s is always a whitelisted name.
const messageColumns = `id, tenant_id, conversation_id, contact_id, direction, sender_kind, body, media_url, %[1]s, status, created_at`

func (q *Queries) messageSQL(tmpl string) string {
	return fmt.Sprintf(tmpl, q.externalIDColumn)
}

func scanMessage(row interface{ Scan(dest ...any) error }) (Message, error) {
	var i Message
	err := row.Scan(
		&i.ID,
		&i.TenantID,
		&i.ConversationID,
		&i.ContactID,
		&i.Direction,
		&i.SenderKind,
		&i.Body,
		&i.MediaUrl,
		&i.ExternalMessageID,
		&i.Status,
		&i.CreatedAt,
	)
	return i, err
}

type InsertMessageParams struct {
	TenantID          pgtype.UUID `json:"tenant_id"`
	ConversationID    pgtype.UUID `json:"conversation_id"`
	ContactID         pgtype.UUID `json:"contact_id"`
	Direction         string      `json:"direction"`
	SenderKind        string      `json:"sender_kind"`
	Body              string      `json:"body"`
	MediaUrl          pgtype.Text `json:"media_url"`
	ExternalMessageID pgtype.Text `json:"external_message_id"`
	Status            string      `json:"status"`
}

const insertMessage = `-- name: InsertMessage :one
INSERT INTO messages (tenant_id, conversation_id, contact_id, direction, sender_kind, body, media_url, %[1]s, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + messageColumns + `
`

func (q *Queries) InsertMessage(ctx context.Context, arg InsertMessageParams) (Message, error) {
	row := q.db.QueryRow(ctx, q.messageSQL(insertMessage),
		arg.TenantID,
		arg.ConversationID,
		arg.ContactID,
		arg.Direction,
		arg.SenderKind,
		arg.Body,
		arg.MediaUrl,
		arg.ExternalMessageID,
		arg.Status,
	)
	return scanMessage(row)
}

const insertMessageIfAbsent = `-- name: InsertMessageIfAbsent :one
INSERT INTO messages (tenant_id, conversation_id, contact_id, direction, sender_kind, body, media_url, %[1]s, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (%[1]s) DO NOTHING
RETURNING ` + messageColumns + `
`

// InsertMessageIfAbsent returns pgx.ErrNoRows when a message with the same
// external id already exists.
func (q *Queries) InsertMessageIfAbsent(ctx context.Context, arg InsertMessageParams) (Message, error) {
	row := q.db.QueryRow(ctx, q.messageSQL(insertMessageIfAbsent),
		arg.TenantID,
		arg.ConversationID,
		arg.ContactID,
		arg.Direction,
		arg.SenderKind,
		arg.Body,
		arg.MediaUrl,
		arg.ExternalMessageID,
		arg.Status,
	)
	return scanMessage(row)
}

const getMessage = `-- name: GetMessage :one
SELECT ` + messageColumns + ` FROM messages WHERE id = $1
`

func (q *Queries) GetMessage(ctx context.Context, id pgtype.UUID) (Message, error) {
	return scanMessage(q.db.QueryRow(ctx, q.messageSQL(getMessage), id))
}

const getMessageByExternalID = `-- name: GetMessageByExternalID :one
SELECT ` + messageColumns + ` FROM messages WHERE %[1]s = $1 LIMIT 1
`

func (q *Queries) GetMessageByExternalID(ctx context.Context, externalID string) (Message, error) {
	return scanMessage(q.db.QueryRow(ctx, q.messageSQL(getMessageByExternalID), externalID))
}

const listLatestMessages = `-- name: ListLatestMessages :many
SELECT ` + messageColumns + `
FROM messages
WHERE conversation_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`

type ListLatestMessagesParams struct {
	ConversationID pgtype.UUID `json:"conversation_id"`
	Limit          int32       `json:"limit"`
}

// ListLatestMessages returns the newest rows first.
func (q *Queries) ListLatestMessages(ctx context.Context, arg ListLatestMessagesParams) ([]Message, error) {
	rows, err := q.db.Query(ctx, q.messageSQL(listLatestMessages), arg.ConversationID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Message
	for rows.Next() {
		i, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const updateMessageStatusByExternalID = `-- name: UpdateMessageStatusByExternalID :one
UPDATE messages SET status = $2 WHERE %[1]s = $1
RETURNING ` + messageColumns + `
`

type UpdateMessageStatusByExternalIDParams struct {
	ExternalMessageID string `json:"external_message_id"`
	Status            string `json:"status"`
}

func (q *Queries) UpdateMessageStatusByExternalID(ctx context.Context, arg UpdateMessageStatusByExternalIDParams) (Message, error) {
	return scanMessage(q.db.QueryRow(ctx, q.messageSQL(updateMessageStatusByExternalID), arg.ExternalMessageID, arg.Status))
}
