package db

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/clinicdesk/clinicdesk/internal/db/migrations"
)

// Migrator applies the embedded schema migrations.
type Migrator struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// NewMigrator opens a golang-migrate instance for dsn.
func NewMigrator(log *slog.Logger, dsn string) (*Migrator, error) {
	if log == nil {
		log = slog.Default()
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, MigrateURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("open migrator: %w", err)
	}
	return &Migrator{m: m, logger: log.With(slog.String("component", "migrate"))}, nil
}

// Up applies all pending migrations. No pending migration is not an error.
func (m *Migrator) Up() error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	m.logVersion()
	return nil
}

// Down rolls back a single migration step.
func (m *Migrator) Down() error {
	if err := m.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	m.logVersion()
	return nil
}

// Version reports the applied version; 0 when nothing is applied.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	return errors.Join(srcErr, dbErr)
}

func (m *Migrator) logVersion() {
	version, dirty, err := m.Version()
	if err != nil {
		m.logger.Warn("read migration version failed", slog.Any("error", err))
		return
	}
	m.logger.Info("schema migrated", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
}

// MigrateURL rewrites a postgres DSN to the pgx/v5 migrate driver scheme.
func MigrateURL(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
