package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/clinicdesk/clinicdesk/internal/config"
)

// External message id column names seen in deployed schemas.
const (
	ExternalIDColumnWA      = "wa_message_id"
	ExternalIDColumnGeneric = "external_message_id"
)

// Schema is the set of capabilities the message queries depend on.
// It is resolved once at startup.
type Schema struct {
	ExternalIDColumn string
	UpsertSupported  bool
}

// QueryRower is the subset of pgx used for schema inspection.
type QueryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const findExternalIDColumn = `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = current_schema()
  AND table_name = 'messages'
  AND column_name = ANY($1::text[])
ORDER BY array_position($1::text[], column_name::text)
LIMIT 1`

const hasPlainUniqueIndex = `
SELECT EXISTS (
  SELECT 1
  FROM pg_indexes
  WHERE schemaname = current_schema()
    AND tablename = 'messages'
    AND indexdef ILIKE 'CREATE UNIQUE INDEX%'
    AND indexdef ILIKE '%(' || $1 || ')'
)`

// DetectSchema resolves the schema capabilities, honoring config pins.
func DetectSchema(ctx context.Context, q QueryRower, pins config.SchemaConfig) (Schema, error) {
	schema := Schema{}
	column := strings.TrimSpace(pins.ExternalIDColumn)
	if column != "" {
		if !IsKnownExternalIDColumn(column) {
			return Schema{}, fmt.Errorf("unsupported external id column %q", column)
		}
		schema.ExternalIDColumn = column
	} else {
		candidates := []string{ExternalIDColumnWA, ExternalIDColumnGeneric}
		if err := q.QueryRow(ctx, findExternalIDColumn, candidates).Scan(&column); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Schema{}, fmt.Errorf("messages table has none of %v", candidates)
			}
			return Schema{}, fmt.Errorf("detect external id column: %w", err)
		}
		schema.ExternalIDColumn = column
	}

	switch strings.ToLower(strings.TrimSpace(pins.Upsert)) {
	case "on":
		schema.UpsertSupported = true
	case "off":
		schema.UpsertSupported = false
	default:
		var ok bool
		if err := q.QueryRow(ctx, hasPlainUniqueIndex, schema.ExternalIDColumn).Scan(&ok); err != nil {
			return Schema{}, fmt.Errorf("detect upsert support: %w", err)
		}
		schema.UpsertSupported = ok
	}
	return schema, nil
}

// IsKnownExternalIDColumn guards identifiers interpolated into SQL.
func IsKnownExternalIDColumn(column string) bool {
	return column == ExternalIDColumnWA || column == ExternalIDColumnGeneric
}
