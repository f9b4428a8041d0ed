package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/clinicdesk/clinicdesk/internal/config"
	"github.com/clinicdesk/clinicdesk/internal/contacts"
	"github.com/clinicdesk/clinicdesk/internal/conversation"
	"github.com/clinicdesk/clinicdesk/internal/db"
	dbsqlc "github.com/clinicdesk/clinicdesk/internal/db/sqlc"
	"github.com/clinicdesk/clinicdesk/internal/feed"
	"github.com/clinicdesk/clinicdesk/internal/handlers"
	"github.com/clinicdesk/clinicdesk/internal/healthcheck"
	feedchecker "github.com/clinicdesk/clinicdesk/internal/healthcheck/checkers/feed"
	pgchecker "github.com/clinicdesk/clinicdesk/internal/healthcheck/checkers/postgres"
	"github.com/clinicdesk/clinicdesk/internal/message"
	"github.com/clinicdesk/clinicdesk/internal/message/event"
	"github.com/clinicdesk/clinicdesk/internal/provider"
	"github.com/clinicdesk/clinicdesk/internal/server"
	"github.com/clinicdesk/clinicdesk/internal/webhook"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inbox HTTP server",
		RunE: func(*cobra.Command, []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	app := fx.New(
		fx.Provide(
			loadConfig,
			provideLogger,
			provideDBConn,
			provideSchema,
			provideDBQueries,
			event.NewHub,
			provideConversationService,
			provideMessageService,
			provideContactResolver,
			provideWebhookService,
			provideProviderClient,
			provideFeedListener,
			provideHealthChecker,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewHealthHandler),
			provideServerHandler(handlers.NewWebhookServerHandler),
			provideServerHandler(handlers.NewSendServerHandler),
			provideServerHandler(handlers.NewConversationServerHandler),
			provideServer,
		),
		fx.Invoke(
			startFeed,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	return newLogger(cfg)
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideSchema(log *slog.Logger, conn *pgxpool.Pool, cfg config.Config) (db.Schema, error) {
	schema, err := db.DetectSchema(context.Background(), conn, cfg.Schema)
	if err != nil {
		return db.Schema{}, fmt.Errorf("detect schema: %w", err)
	}
	log.Info("message schema resolved",
		slog.String("external_id_column", schema.ExternalIDColumn),
		slog.Bool("upsert", schema.UpsertSupported))
	return schema, nil
}

func provideDBQueries(conn *pgxpool.Pool, schema db.Schema) *dbsqlc.Queries {
	return dbsqlc.New(conn).WithExternalIDColumn(schema.ExternalIDColumn)
}

// inlinePublishers returns the hub when services publish after commit
// themselves. In notify mode the feed listener is the only publisher.
func inlinePublishers(cfg config.Config, hub *event.Hub) []event.Publisher {
	if cfg.Feed.Mode == config.FeedModeInline {
		return []event.Publisher{hub}
	}
	return nil
}

func provideConversationService(log *slog.Logger, cfg config.Config, queries *dbsqlc.Queries, hub *event.Hub) *conversation.Service {
	return conversation.NewService(log, queries, cfg.Inbox.Channel, inlinePublishers(cfg, hub)...)
}

func provideMessageService(log *slog.Logger, cfg config.Config, conn *pgxpool.Pool, queries *dbsqlc.Queries, schema db.Schema, hub *event.Hub) *message.DBService {
	return message.NewService(log, message.NewStore(conn, queries), schema, inlinePublishers(cfg, hub)...)
}

func provideContactResolver(log *slog.Logger, queries *dbsqlc.Queries) *contacts.Resolver {
	return contacts.NewResolver(log, queries)
}

func provideWebhookService(log *slog.Logger, resolver *contacts.Resolver, conversations *conversation.Service, messages *message.DBService) *webhook.Service {
	return webhook.NewService(log, resolver, conversations, messages)
}

func provideProviderClient(log *slog.Logger, cfg config.Config) *provider.Client {
	return provider.NewClient(log, cfg.Provider)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server, params.ServerHandlers...)
}

// provideFeedListener returns nil in inline mode.
func provideFeedListener(log *slog.Logger, cfg config.Config, queries *dbsqlc.Queries, hub *event.Hub) *feed.Listener {
	if cfg.Feed.Mode != config.FeedModeNotify {
		return nil
	}
	return feed.NewListener(log, feed.PgDialer(cfg.Postgres.DSN(), cfg.Feed.Channel), queries, hub)
}

func provideHealthChecker(log *slog.Logger, cfg config.Config, conn *pgxpool.Pool, schema db.Schema, listener *feed.Listener) healthcheck.Checker {
	checkers := healthcheck.Combined{pgchecker.NewChecker(log, conn, schema)}
	if listener != nil {
		checkers = append(checkers, feedchecker.NewChecker(log, listener, cfg.Feed.Channel))
	}
	return checkers
}

func startFeed(lc fx.Lifecycle, listener *feed.Listener) {
	if listener == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return listener.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return listener.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, hub *event.Hub, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("http server listening", slog.String("addr", srv.Addr()))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Closing the hub ends open event streams so Shutdown can drain.
			hub.Close()
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
