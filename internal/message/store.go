package message

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/clinicdesk/internal/db/sqlc"
)

type pgStore struct {
	*sqlc.Queries
	pool *pgxpool.Pool
}

// NewStore binds queries to a pool so writes can share a transaction.
func NewStore(pool *pgxpool.Pool, queries *sqlc.Queries) Store {
	return &pgStore{Queries: queries, pool: pool}
}

func (s *pgStore) InTx(ctx context.Context, fn func(Queries) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(s.WithTx(tx))
	})
}
