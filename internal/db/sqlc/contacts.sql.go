package sqlc

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const contactColumns = `id, tenant_id, phone, display_name, avatar_url, created_at, updated_at`

func scanContact(row interface{ Scan(dest ...any) error }) (Contact, error) {
	var i Contact
	err := row.Scan(
		&i.ID,
		&i.TenantID,
		&i.Phone,
		&i.DisplayName,
		&i.AvatarUrl,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getContactByPhone = `-- name: GetContactByPhone :one
SELECT ` + contactColumns + ` FROM contacts WHERE tenant_id = $1 AND phone = $2
`

type GetContactByPhoneParams struct {
	TenantID pgtype.UUID `json:"tenant_id"`
	Phone    string      `json:"phone"`
}

func (q *Queries) GetContactByPhone(ctx context.Context, arg GetContactByPhoneParams) (Contact, error) {
	return scanContact(q.db.QueryRow(ctx, getContactByPhone, arg.TenantID, arg.Phone))
}

const createContact = `-- name: CreateContact :one
INSERT INTO contacts (tenant_id, phone, display_name, avatar_url)
VALUES ($1, $2, $3, $4)
RETURNING ` + contactColumns + `
`

type CreateContactParams struct {
	TenantID    pgtype.UUID `json:"tenant_id"`
	Phone       string      `json:"phone"`
	DisplayName string      `json:"display_name"`
	AvatarUrl   pgtype.Text `json:"avatar_url"`
}

func (q *Queries) CreateContact(ctx context.Context, arg CreateContactParams) (Contact, error) {
	return scanContact(q.db.QueryRow(ctx, createContact, arg.TenantID, arg.Phone, arg.DisplayName, arg.AvatarUrl))
}

const updateContactProfile = `-- name: UpdateContactProfile :one
UPDATE contacts
SET display_name = $2, avatar_url = $3, updated_at = now()
WHERE id = $1
RETURNING ` + contactColumns + `
`

type UpdateContactProfileParams struct {
	ID          pgtype.UUID `json:"id"`
	DisplayName string      `json:"display_name"`
	AvatarUrl   pgtype.Text `json:"avatar_url"`
}

func (q *Queries) UpdateContactProfile(ctx context.Context, arg UpdateContactProfileParams) (Contact, error) {
	return scanContact(q.db.QueryRow(ctx, updateContactProfile, arg.ID, arg.DisplayName, arg.AvatarUrl))
}

const getContact = `-- name: GetContact :one
SELECT ` + contactColumns + ` FROM contacts WHERE id = $1
`

func (q *Queries) GetContact(ctx context.Context, id pgtype.UUID) (Contact, error) {
	return scanContact(q.db.QueryRow(ctx, getContact, id))
}
