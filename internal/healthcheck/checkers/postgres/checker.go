package pgchecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/clinicdesk/clinicdesk/internal/db"
	"github.com/clinicdesk/clinicdesk/internal/healthcheck"
)

const (
	checkTypePostgres   = "postgres"
	defaultCheckTimeout = 3 * time.Second
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker pings the database and reports the resolved message schema.
type Checker struct {
	logger  *slog.Logger
	pinger  Pinger
	schema  db.Schema
	timeout time.Duration
}

func NewChecker(log *slog.Logger, pinger Pinger, schema db.Schema) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_postgres")),
		pinger:  pinger,
		schema:  schema,
		timeout: defaultCheckTimeout,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	item := healthcheck.CheckResult{
		ID:   checkTypePostgres + ".ping",
		Type: checkTypePostgres,
		Metadata: map[string]any{
			"external_id_column": c.schema.ExternalIDColumn,
			"upsert":             c.schema.UpsertSupported,
		},
	}
	if c.pinger == nil {
		item.Status = healthcheck.StatusError
		item.Summary = "Database pool is not available."
		return []healthcheck.CheckResult{item}
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	started := time.Now()
	if err := c.pinger.Ping(probeCtx); err != nil {
		c.logger.Warn("postgres healthcheck ping failed", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Database is not reachable."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	item.Status = healthcheck.StatusOK
	item.Summary = "Database is reachable."
	item.Metadata["latency_ms"] = time.Since(started).Milliseconds()
	return []healthcheck.CheckResult{item}
}
