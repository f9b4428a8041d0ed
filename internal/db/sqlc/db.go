// Package sqlc holds the typed Postgres queries used by the inbox services.
package sqlc

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const defaultExternalIDColumn = "wa_message_id"

type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db, externalIDColumn: defaultExternalIDColumn}
}

type Queries struct {
	db               DBTX
	externalIDColumn string
}

// WithTx binds the queries to tx, keeping the schema settings.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx, externalIDColumn: q.externalIDColumn}
}

// WithExternalIDColumn returns queries that read and write the external
// message id through column. Callers must pass a validated identifier.
func (q *Queries) WithExternalIDColumn(column string) *Queries {
	if column == "" {
		column = defaultExternalIDColumn
	}
	return &Queries{db: q.db, externalIDColumn: column}
}

// ExternalIDColumn reports the column used for external message ids.
func (q *Queries) ExternalIDColumn() string {
	return q.externalIDColumn
}
