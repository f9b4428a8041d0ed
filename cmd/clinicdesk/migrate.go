package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clinicdesk/clinicdesk/internal/db"
	dbsqlc "github.com/clinicdesk/clinicdesk/internal/db/sqlc"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(*cobra.Command, []string) error {
				return withMigrator(func(m *db.Migrator) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(*cobra.Command, []string) error {
				return withMigrator(func(m *db.Migrator) error { return m.Down() })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(func(m *db.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func withMigrator(fn func(*db.Migrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	m, err := db.NewMigrator(log, cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("close migrator failed", slog.Any("error", err))
		}
	}()
	return fn(m)
}

func newTenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a clinic and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("tenant name is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := db.Open(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			defer pool.Close()
			tenant, err := dbsqlc.New(pool).CreateTenant(ctx, name)
			if err != nil {
				return fmt.Errorf("create tenant: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), db.UUIDToString(tenant.ID))
			return nil
		},
	})
	return cmd
}
