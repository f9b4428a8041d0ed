// Package contacts resolves a provider sender reference into a durable
// contact row scoped to one tenant.
package contacts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/clinicdesk/clinicdesk/internal/db"
	"github.com/clinicdesk/clinicdesk/internal/db/sqlc"
)

var (
	ErrNoIdentity = errors.New("sender has no usable phone number")
	ErrNoTenant   = errors.New("no tenant configured")
	ErrNotFound   = errors.New("contact not found")
)

// Contact is a person messaging the clinic.
type Contact struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Phone       string    `json:"phone"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ResolveInput carries what the webhook could extract about the sender.
// DisplayNames and Avatars are candidates in preference order.
type ResolveInput struct {
	TenantHint   string
	RawSender    string
	DisplayNames []string
	Avatars      []string
}

type Queries interface {
	GetTenant(ctx context.Context, id pgtype.UUID) (sqlc.Tenant, error)
	GetFirstTenant(ctx context.Context) (sqlc.Tenant, error)
	GetContact(ctx context.Context, id pgtype.UUID) (sqlc.Contact, error)
	GetContactByPhone(ctx context.Context, arg sqlc.GetContactByPhoneParams) (sqlc.Contact, error)
	CreateContact(ctx context.Context, arg sqlc.CreateContactParams) (sqlc.Contact, error)
	UpdateContactProfile(ctx context.Context, arg sqlc.UpdateContactProfileParams) (sqlc.Contact, error)
}

func toContact(row sqlc.Contact) Contact {
	return Contact{
		ID:          dbpkg.UUIDToString(row.ID),
		TenantID:    dbpkg.UUIDToString(row.TenantID),
		Phone:       row.Phone,
		DisplayName: row.DisplayName,
		AvatarURL:   dbpkg.TextToString(row.AvatarUrl),
		CreatedAt:   row.CreatedAt.Time,
		UpdatedAt:   row.UpdatedAt.Time,
	}
}
