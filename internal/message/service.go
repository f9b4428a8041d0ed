// Package message stores inbox messages. Inbound writes are idempotent
// per external message id and update the conversation aggregate in the
// same transaction.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/clinicdesk/clinicdesk/internal/conversation"
	dbpkg "github.com/clinicdesk/clinicdesk/internal/db"
	"github.com/clinicdesk/clinicdesk/internal/db/sqlc"
	"github.com/clinicdesk/clinicdesk/internal/message/event"
)

// DBService persists and reads inbox messages.
type DBService struct {
	store     Store
	schema    dbpkg.Schema
	logger    *slog.Logger
	publisher event.Publisher
}

// NewService creates a message service. schema selects the duplicate
// strategy; the external id column is already bound into store.
func NewService(log *slog.Logger, store Store, schema dbpkg.Schema, publishers ...event.Publisher) *DBService {
	if log == nil {
		log = slog.Default()
	}
	var publisher event.Publisher
	if len(publishers) > 0 {
		publisher = publishers[0]
	}
	return &DBService{
		store:     store,
		schema:    schema,
		logger:    log.With(slog.String("service", "message")),
		publisher: publisher,
	}
}

// WriteInbound stores a contact-sent message at most once per external id
// and bumps the conversation's unread counter when the row is new.
func (s *DBService) WriteInbound(ctx context.Context, input InboundInput) (WriteResult, error) {
	pgTenantID, err := dbpkg.ParseUUID(input.TenantID)
	if err != nil {
		return WriteResult{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	pgConversationID, err := dbpkg.ParseUUID(input.ConversationID)
	if err != nil {
		return WriteResult{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	pgContactID, err := dbpkg.ParseUUID(input.ContactID)
	if err != nil {
		return WriteResult{}, fmt.Errorf("invalid contact id: %w", err)
	}
	params := sqlc.InsertMessageParams{
		TenantID:          pgTenantID,
		ConversationID:    pgConversationID,
		ContactID:         pgContactID,
		Direction:         DirectionInbound,
		SenderKind:        SenderContact,
		Body:              input.Body,
		MediaUrl:          dbpkg.ToText(input.MediaURL),
		ExternalMessageID: dbpkg.ToText(input.ExternalID),
		Status:            StatusDelivered,
	}
	return s.write(ctx, params, func(ctx context.Context, q Queries, id pgtype.UUID) (sqlc.Conversation, error) {
		return q.IncrementConversationUnread(ctx, id)
	})
}

// PersistOutbound stores an agent-sent message the provider accepted.
// It shares the inbound idempotency rules but never touches unread.
func (s *DBService) PersistOutbound(ctx context.Context, input OutboundInput) (WriteResult, error) {
	pgConversationID, err := dbpkg.ParseUUID(input.ConversationID)
	if err != nil {
		return WriteResult{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	conv, err := s.store.GetConversation(ctx, pgConversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WriteResult{}, conversation.ErrNotFound
		}
		return WriteResult{}, fmt.Errorf("get conversation: %w", err)
	}
	params := sqlc.InsertMessageParams{
		TenantID:          conv.TenantID,
		ConversationID:    conv.ID,
		ContactID:         conv.ContactID,
		Direction:         DirectionOutbound,
		SenderKind:        SenderAgent,
		Body:              input.Body,
		MediaUrl:          dbpkg.ToText(input.MediaURL),
		ExternalMessageID: dbpkg.ToText(input.ExternalID),
		Status:            StatusSent,
	}
	return s.write(ctx, params, func(ctx context.Context, q Queries, id pgtype.UUID) (sqlc.Conversation, error) {
		return q.TouchConversation(ctx, id)
	})
}

type aggregateUpdate func(ctx context.Context, q Queries, conversationID pgtype.UUID) (sqlc.Conversation, error)

func (s *DBService) write(ctx context.Context, params sqlc.InsertMessageParams, update aggregateUpdate) (WriteResult, error) {
	var result WriteResult
	err := s.store.InTx(ctx, func(q Queries) error {
		row, duplicate, err := s.insert(ctx, q, params)
		if err != nil {
			return err
		}
		result.Stored = ToMessage(row)
		result.WasDuplicate = duplicate
		if duplicate {
			return nil
		}
		conv, err := update(ctx, q, row.ConversationID)
		if err != nil {
			return fmt.Errorf("update conversation aggregate: %w", err)
		}
		result.Conversation = conversation.FromRow(conv)
		return nil
	})
	if errors.Is(err, ErrDuplicateExternalID) {
		// The failed insert aborted the transaction; read the winner outside it.
		externalID := params.ExternalMessageID.String
		s.logger.Info("concurrent duplicate absorbed", slog.String("external_id", externalID), slog.Any("error", err))
		existing, getErr := s.store.GetMessageByExternalID(ctx, externalID)
		if getErr != nil {
			return WriteResult{}, fmt.Errorf("load concurrent duplicate: %w", getErr)
		}
		return WriteResult{Stored: ToMessage(existing), WasDuplicate: true}, nil
	}
	if err != nil {
		if dbpkg.IsUndefinedColumn(err) {
			return WriteResult{}, fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		}
		return WriteResult{}, err
	}
	if result.WasDuplicate {
		s.logger.Debug("duplicate message ignored",
			slog.String("message_id", result.Stored.ID),
			slog.String("external_id", result.Stored.ExternalMessageID))
		return result, nil
	}
	s.publishMessage(event.EventTypeMessageCreated, result.Stored)
	s.publishConversation(result.Conversation)
	return result, nil
}

// insert reports whether the row already existed.
func (s *DBService) insert(ctx context.Context, q Queries, params sqlc.InsertMessageParams) (sqlc.Message, bool, error) {
	if !params.ExternalMessageID.Valid {
		row, err := q.InsertMessage(ctx, params)
		return row, false, err
	}
	externalID := params.ExternalMessageID.String

	if s.schema.UpsertSupported {
		row, err := q.InsertMessageIfAbsent(ctx, params)
		if err == nil {
			return row, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return sqlc.Message{}, false, err
		}
		existing, err := q.GetMessageByExternalID(ctx, externalID)
		if err != nil {
			return sqlc.Message{}, false, fmt.Errorf("load existing message: %w", err)
		}
		return existing, true, nil
	}

	existing, err := q.GetMessageByExternalID(ctx, externalID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return sqlc.Message{}, false, err
	}
	row, err := q.InsertMessage(ctx, params)
	if err != nil {
		if dbpkg.IsUniqueViolation(err) {
			return sqlc.Message{}, false, fmt.Errorf("%w: %w", ErrDuplicateExternalID, err)
		}
		return sqlc.Message{}, false, err
	}
	return row, false, nil
}

// ExistsByExternalID looks a message up by provider id.
func (s *DBService) ExistsByExternalID(ctx context.Context, externalID string) (Message, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Message{}, false, nil
	}
	row, err := s.store.GetMessageByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, false, nil
		}
		if dbpkg.IsUndefinedColumn(err) {
			return Message{}, false, fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		}
		return Message{}, false, err
	}
	return ToMessage(row), true, nil
}

// UpdateStatusByExternalID applies a provider status callback.
func (s *DBService) UpdateStatusByExternalID(ctx context.Context, externalID, status string) (Message, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Message{}, ErrNotFound
	}
	if !ValidStatus(status) {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	row, err := s.store.UpdateMessageStatusByExternalID(ctx, sqlc.UpdateMessageStatusByExternalIDParams{
		ExternalMessageID: externalID,
		Status:            status,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	msg := ToMessage(row)
	s.publishMessage(event.EventTypeMessageUpdated, msg)
	return msg, nil
}

// ListLatest returns up to limit of the newest messages, oldest first.
func (s *DBService) ListLatest(ctx context.Context, conversationID string, limit int32) ([]Message, error) {
	pgConversationID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	rows, err := s.store.ListLatestMessages(ctx, sqlc.ListLatestMessagesParams{
		ConversationID: pgConversationID,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	// Rows arrive newest first.
	messages := make([]Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		messages = append(messages, ToMessage(rows[i]))
	}
	return messages, nil
}

func (s *DBService) Get(ctx context.Context, messageID string) (Message, error) {
	pgID, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return Message{}, err
	}
	row, err := s.store.GetMessage(ctx, pgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	return ToMessage(row), nil
}

// ToMessage converts a database row.
func ToMessage(row sqlc.Message) Message {
	return Message{
		ID:                dbpkg.UUIDToString(row.ID),
		TenantID:          dbpkg.UUIDToString(row.TenantID),
		ConversationID:    dbpkg.UUIDToString(row.ConversationID),
		ContactID:         dbpkg.UUIDToString(row.ContactID),
		Direction:         row.Direction,
		SenderKind:        row.SenderKind,
		Body:              row.Body,
		MediaURL:          dbpkg.TextToString(row.MediaUrl),
		ExternalMessageID: dbpkg.TextToString(row.ExternalMessageID),
		Status:            row.Status,
		CreatedAt:         row.CreatedAt.Time,
	}
}

func (s *DBService) publishMessage(eventType event.EventType, msg Message) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("marshal message event failed", slog.Any("error", err))
		return
	}
	s.publisher.Publish(event.Event{
		Type:           eventType,
		ConversationID: msg.ConversationID,
		Data:           payload,
	})
}

func (s *DBService) publishConversation(c conversation.Conversation) {
	if s.publisher == nil || c.ID == "" {
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
