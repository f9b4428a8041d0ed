package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/clinicdesk/clinicdesk/internal/db"
	"github.com/clinicdesk/clinicdesk/internal/db/sqlc"
)

// Resolver finds or creates contacts. It never deletes.
type Resolver struct {
	queries Queries
	logger  *slog.Logger
}

func NewResolver(log *slog.Logger, queries Queries) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		queries: queries,
		logger:  log.With(slog.String("service", "contacts")),
	}
}

// Resolve returns the contact for the sender, creating it on first contact
// and refreshing its profile when better data arrives.
func (r *Resolver) Resolve(ctx context.Context, input ResolveInput) (Contact, error) {
	phone := NormalizePhone(input.RawSender)
	if phone == "" {
		return Contact{}, ErrNoIdentity
	}
	tenantID, err := r.resolveTenant(ctx, input.TenantHint)
	if err != nil {
		return Contact{}, err
	}
	name := bestName(input.DisplayNames)
	avatar := firstNonEmpty(input.Avatars)

	row, err := r.queries.GetContactByPhone(ctx, sqlc.GetContactByPhoneParams{TenantID: tenantID, Phone: phone})
	if err == nil {
		return r.refreshProfile(ctx, row, name, avatar)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, fmt.Errorf("get contact: %w", err)
	}

	displayName := name
	if displayName == "" {
		displayName = phone
	}
	row, err = r.queries.CreateContact(ctx, sqlc.CreateContactParams{
		TenantID:    tenantID,
		Phone:       phone,
		DisplayName: displayName,
		AvatarUrl:   dbpkg.ToText(avatar),
	})
	if err == nil {
		r.logger.Info("contact created", slog.String("contact_id", dbpkg.UUIDToString(row.ID)))
		return toContact(row), nil
	}
	if !dbpkg.IsUniqueViolation(err) {
		return Contact{}, fmt.Errorf("create contact: %w", err)
	}

	// A concurrent event for the same sender created the row first.
	row, err = r.queries.GetContactByPhone(ctx, sqlc.GetContactByPhoneParams{TenantID: tenantID, Phone: phone})
	if err != nil {
		return Contact{}, fmt.Errorf("re-read contact: %w", err)
	}
	return toContact(row), nil
}

// Get loads a contact by id.
func (r *Resolver) Get(ctx context.Context, contactID string) (Contact, error) {
	id, err := dbpkg.ParseUUID(contactID)
	if err != nil {
		return Contact{}, err
	}
	row, err := r.queries.GetContact(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return toContact(row), nil
}

func (r *Resolver) resolveTenant(ctx context.Context, hint string) (pgtype.UUID, error) {
	if hint = strings.TrimSpace(hint); hint != "" {
		id, err := dbpkg.ParseUUID(hint)
		if err == nil {
			tenant, err := r.queries.GetTenant(ctx, id)
			if err == nil {
				return tenant.ID, nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return pgtype.UUID{}, fmt.Errorf("get tenant: %w", err)
			}
		}
		r.logger.Warn("unknown tenant hint, using default tenant", slog.String("tenant_hint", hint))
	}
	tenant, err := r.queries.GetFirstTenant(ctx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pgtype.UUID{}, ErrNoTenant
		}
		return pgtype.UUID{}, fmt.Errorf("get default tenant: %w", err)
	}
	return tenant.ID, nil
}

func (r *Resolver) refreshProfile(ctx context.Context, row sqlc.Contact, name, avatar string) (Contact, error) {
	nextName := row.DisplayName
	if name != "" && name != row.DisplayName {
		nextName = name
	}
	nextAvatar := row.AvatarUrl
	if avatar != "" && avatar != dbpkg.TextToString(row.AvatarUrl) {
		nextAvatar = dbpkg.ToText(avatar)
	}
	if nextName == row.DisplayName && nextAvatar == row.AvatarUrl {
		return toContact(row), nil
	}
	updated, err := r.queries.UpdateContactProfile(ctx, sqlc.UpdateContactProfileParams{
		ID:          row.ID,
		DisplayName: nextName,
		AvatarUrl:   nextAvatar,
	})
	if err != nil {
		return Contact{}, fmt.Errorf("update contact profile: %w", err)
	}
	return toContact(updated), nil
}
