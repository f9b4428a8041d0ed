// Package webhook turns provider callbacks into stored inbox messages.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/clinicdesk/clinicdesk/internal/contacts"
	"github.com/clinicdesk/clinicdesk/internal/conversation"
	"github.com/clinicdesk/clinicdesk/internal/message"
)

// Ignore reasons reported back to the provider.
const (
	ReasonNonMessage   = "non_message_event"
	ReasonFromMe       = "from_me"
	ReasonStatusUpdate = "status_update"
	ReasonNoPhone      = "no_phone"
	ReasonEmptyMessage = "empty_message"
)

var ErrInvalidPayload = errors.New("webhook payload is not a JSON object")

// Outcome is the acknowledgement body. Exactly one of Accepted, Ignored
// and Duplicate is set.
type Outcome struct {
	Accepted       bool   `json:"accepted,omitempty"`
	Ignored        bool   `json:"ignored,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Reason         string `json:"reason,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ContactID      string `json:"contact_id,omitempty"`
}

func ignored(reason string) Outcome {
	return Outcome{Ignored: true, Reason: reason}
}

type ContactResolver interface {
	Resolve(ctx context.Context, input contacts.ResolveInput) (contacts.Contact, error)
}

type ConversationResolver interface {
	ResolveOpen(ctx context.Context, tenantID, contactID string) (conversation.Conversation, error)
}

type MessageWriter interface {
	WriteInbound(ctx context.Context, input message.InboundInput) (message.WriteResult, error)
	ExistsByExternalID(ctx context.Context, externalID string) (message.Message, bool, error)
	UpdateStatusByExternalID(ctx context.Context, externalID, status string) (message.Message, error)
}

type Service struct {
	contacts      ContactResolver
	conversations ConversationResolver
	messages      MessageWriter
	logger        *slog.Logger
}

func NewService(log *slog.Logger, contactResolver ContactResolver, conversations ConversationResolver, messages MessageWriter) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		contacts:      contactResolver,
		conversations: conversations,
		messages:      messages,
		logger:        log.With(slog.String("service", "webhook")),
	}
}

// Ingest processes one provider event. A non-nil error means the event
// was not stored and the provider should retry.
func (s *Service) Ingest(ctx context.Context, tenantHint string, payload []byte) (Outcome, error) {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return Outcome{}, ErrInvalidPayload
	}
	ev := Extract(payload)
	logger := s.logger.With(slog.String("event_type", ev.Type), slog.String("external_id", ev.ExternalID))

	switch ev.kind() {
	case kindStatus:
		return s.applyStatus(ctx, logger, ev)
	case kindOther:
		logger.Debug("ignored non-message event")
		return ignored(ReasonNonMessage), nil
	}
	if ev.FromMe {
		logger.Debug("ignored echo of own message")
		return ignored(ReasonFromMe), nil
	}
	if strings.TrimSpace(ev.Body) == "" && ev.MediaURL == "" {
		logger.Debug("ignored empty message")
		return ignored(ReasonEmptyMessage), nil
	}

	if contacts.NormalizePhone(ev.Sender) == "" {
		logger.Warn("ignored event without sender phone", slog.String("sender", ev.Sender))
		return ignored(ReasonNoPhone), nil
	}

	if ev.ExternalID != "" {
		existing, found, err := s.messages.ExistsByExternalID(ctx, ev.ExternalID)
		if err != nil {
			return Outcome{}, fmt.Errorf("duplicate pre-check: %w", err)
		}
		if found {
			logger.Info("duplicate delivery ignored", slog.String("message_id", existing.ID))
			return Outcome{Duplicate: true, MessageID: existing.ID}, nil
		}
	}

	contact, err := s.contacts.Resolve(ctx, contacts.ResolveInput{
		TenantHint:   tenantHint,
		RawSender:    ev.Sender,
		DisplayNames: ev.DisplayNames,
		Avatars:      ev.Avatars,
	})
	if err != nil {
		if errors.Is(err, contacts.ErrNoIdentity) {
			logger.Warn("ignored event without sender phone", slog.String("sender", ev.Sender))
			return ignored(ReasonNoPhone), nil
		}
		return Outcome{}, fmt.Errorf("resolve contact: %w", err)
	}

	conv, err := s.conversations.ResolveOpen(ctx, contact.TenantID, contact.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve conversation: %w", err)
	}

	result, err := s.messages.WriteInbound(ctx, message.InboundInput{
		TenantID:       contact.TenantID,
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Body:           ev.Body,
		MediaURL:       ev.MediaURL,
		ExternalID:     ev.ExternalID,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("write message: %w", err)
	}
	if result.WasDuplicate {
		logger.Info("duplicate delivery absorbed by writer", slog.String("message_id", result.Stored.ID))
		return Outcome{Duplicate: true, MessageID: result.Stored.ID}, nil
	}

	logger.Info("message accepted",
		slog.String("message_id", result.Stored.ID),
		slog.String("conversation_id", conv.ID),
		slog.Int("unread_count", int(result.Conversation.UnreadCount)))
	return Outcome{
		Accepted:       true,
		MessageID:      result.Stored.ID,
		ConversationID: conv.ID,
		ContactID:      contact.ID,
	}, nil
}

func (s *Service) applyStatus(ctx context.Context, logger *slog.Logger, ev Event) (Outcome, error) {
	if ev.Status == "" || len(ev.StatusIDs) == 0 {
		logger.Debug("ignored status callback without status or ids")
		return ignored(ReasonStatusUpdate), nil
	}
	for _, id := range ev.StatusIDs {
		if _, err := s.messages.UpdateStatusByExternalID(ctx, id, ev.Status); err != nil {
			if errors.Is(err, message.ErrNotFound) {
				logger.Debug("status for unknown message", slog.String("message_external_id", id))
				continue
			}
			return Outcome{}, fmt.Errorf("update message status: %w", err)
		}
	}
	logger.Info("message status updated", slog.String("status", ev.Status), slog.Int("count", len(ev.StatusIDs)))
	return ignored(ReasonStatusUpdate), nil
}
