package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinicdesk/internal/contacts"
	"github.com/clinicdesk/clinicdesk/internal/conversation"
	"github.com/clinicdesk/clinicdesk/internal/message"
	"github.com/clinicdesk/clinicdesk/internal/provider"
)

type textSender interface {
	SendText(ctx context.Context, phone, text string) (provider.SendResult, error)
}

type outboundWriter interface {
	PersistOutbound(ctx context.Context, input message.OutboundInput) (message.WriteResult, error)
}

type contactGetter interface {
	Get(ctx context.Context, contactID string) (contacts.Contact, error)
}

// SendRequest is the body of POST /messages/send. Phone may be omitted
// when conversation_id is given; the conversation's contact is used.
type SendRequest struct {
	Phone          string `json:"phone" validate:"required_without=ConversationID"`
	Message        string `json:"message" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"omitempty,uuid"`
}

// SendHandler relays agent replies to the WhatsApp provider.
type SendHandler struct {
	sender        textSender
	conversations conversation.Accessor
	contacts      contactGetter
	messages      outboundWriter
	logger        *slog.Logger
}

func NewSendHandler(log *slog.Logger, sender textSender, conversations conversation.Accessor, contactGetter contactGetter, messages outboundWriter) *SendHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SendHandler{
		sender:        sender,
		conversations: conversations,
		contacts:      contactGetter,
		messages:      messages,
		logger:        log.With(slog.String("handler", "send")),
	}
}

// NewSendServerHandler is the fx constructor.
func NewSendServerHandler(log *slog.Logger, client *provider.Client, conversations *conversation.Service, resolver *contacts.Resolver, messages *message.DBService) *SendHandler {
	return NewSendHandler(log, client, conversations, resolver, messages)
}

func (h *SendHandler) Register(e *echo.Echo) {
	e.POST("/messages/send", h.Send)
}

// Send posts a text message through the provider and, when the message
// belongs to a conversation, stores the confirmed outbound row.
func (h *SendHandler) Send(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Phone = strings.TrimSpace(req.Phone)
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if err := c.Validate(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	ctx := c.Request().Context()

	phone := req.Phone
	if phone == "" {
		resolved, err := h.phoneForConversation(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		phone = resolved
	}

	result, err := h.sender.SendText(ctx, phone, req.Message)
	if err != nil {
		var failure *provider.SendFailure
		switch {
		case errors.As(err, &failure):
			return echo.NewHTTPError(failure.StatusCode, failure.Message)
		case errors.Is(err, provider.ErrInvalidPhone):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if req.ConversationID != "" && h.messages != nil {
		// The provider already accepted the message; a failed write is
		// logged and the feed simply never confirms the optimistic entry.
		_, err := h.messages.PersistOutbound(context.WithoutCancel(ctx), message.OutboundInput{
			ConversationID: req.ConversationID,
			Body:           req.Message,
			ExternalID:     result.ExternalID,
		})
		if err != nil {
			h.logger.Error("persist outbound message failed",
				slog.String("conversation_id", req.ConversationID),
				slog.String("external_id", result.ExternalID),
				slog.Any("error", err))
		}
	}

	if len(result.Body) > 0 && json.Valid(result.Body) {
		return c.JSONBlob(http.StatusOK, result.Body)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"phone":       result.Phone,
		"external_id": result.ExternalID,
	})
}

func (h *SendHandler) phoneForConversation(ctx context.Context, conversationID string) (string, error) {
	if h.conversations == nil || h.contacts == nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "phone is required")
	}
	conv, err := h.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return "", echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return "", echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	contact, err := h.contacts.Get(ctx, conv.ContactID)
	if err != nil {
		if errors.Is(err, contacts.ErrNotFound) {
			return "", echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return "", echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return contact.Phone, nil
}
