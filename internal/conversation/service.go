package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/clinicdesk/clinicdesk/internal/config"
	dbpkg "github.com/clinicdesk/clinicdesk/internal/db"
	"github.com/clinicdesk/clinicdesk/internal/db/sqlc"
	"github.com/clinicdesk/clinicdesk/internal/message/event"
)

type Service struct {
	queries   Queries
	channel   string
	logger    *slog.Logger
	publisher event.Publisher
}

// NewService creates the aggregate service. A publisher is only passed
// when the change feed runs inline; otherwise database triggers notify.
func NewService(log *slog.Logger, queries Queries, channel string, publishers ...event.Publisher) *Service {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(channel) == "" {
		channel = config.DefaultChannel
	}
	var publisher event.Publisher
	if len(publishers) > 0 {
		publisher = publishers[0]
	}
	return &Service{
		queries:   queries,
		channel:   channel,
		logger:    log.With(slog.String("service", "conversation")),
		publisher: publisher,
	}
}

// Channel is the channel new conversations are opened on.
func (s *Service) Channel() string {
	return s.channel
}

// ResolveOpen returns the open conversation for the contact, opening one
// with unread 0 if none exists. Concurrent callers converge on one row.
func (s *Service) ResolveOpen(ctx context.Context, tenantID, contactID string) (Conversation, error) {
	pgTenantID, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	pgContactID, err := dbpkg.ParseUUID(contactID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid contact id: %w", err)
	}
	lookup := sqlc.GetOpenConversationParams{ContactID: pgContactID, Channel: s.channel}

	row, err := s.queries.GetOpenConversation(ctx, lookup)
	if err == nil {
		return FromRow(row), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("get open conversation: %w", err)
	}

	row, err = s.queries.CreateConversation(ctx, sqlc.CreateConversationParams{
		TenantID:  pgTenantID,
		ContactID: pgContactID,
		Channel:   s.channel,
	})
	if err == nil {
		s.logger.Info("conversation opened", slog.String("conversation_id", dbpkg.UUIDToString(row.ID)), slog.String("contact_id", contactID))
		return FromRow(row), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !dbpkg.IsUniqueViolation(err) {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	// Lost the race to another writer; its row is committed by now.
	row, err = s.queries.GetOpenConversation(ctx, lookup)
	if err != nil {
		return Conversation{}, fmt.Errorf("re-read open conversation: %w", err)
	}
	return FromRow(row), nil
}

func (s *Service) Get(ctx context.Context, conversationID string) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Conversation{}, err
	}
	row, err := s.queries.GetConversation(ctx, pgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	return FromRow(row), nil
}

// MarkRead resets the unread counter. Concurrent calls are last-write-wins.
func (s *Service) MarkRead(ctx context.Context, conversationID string) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Conversation{}, err
	}
	row, err := s.queries.MarkConversationRead(ctx, pgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	c := FromRow(row)
	s.publishUpdated(c)
	return c, nil
}

func (s *Service) publishUpdated(c Conversation) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(c)
	if err != nil {
		s.logger.Warn("marshal conversation event failed", slog.Any("error", err))
		return
	}
	s.publisher.Publish(event.Event{
		Type:           event.EventTypeConversationUpdated,
		ConversationID: c.ID,
		Data:           payload,
	})
}
