package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinicdesk/internal/conversation"
	dbpkg "github.com/clinicdesk/clinicdesk/internal/db"
	messagepkg "github.com/clinicdesk/clinicdesk/internal/message"
	messageevent "github.com/clinicdesk/clinicdesk/internal/message/event"
)

const sseHeartbeatInterval = 20 * time.Second

type messageLister interface {
	ListLatest(ctx context.Context, conversationID string, limit int32) ([]messagepkg.Message, error)
}

// ConversationHandler serves conversation reads, mark-read and the
// per-conversation change streams.
type ConversationHandler struct {
	conversations conversation.Accessor
	messages      messageLister
	events        messageevent.Subscriber
	logger        *slog.Logger

	heartbeat time.Duration
}

func NewConversationHandler(log *slog.Logger, conversations conversation.Accessor, messages messageLister, events messageevent.Subscriber) *ConversationHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		events:        events,
		logger:        log.With(slog.String("handler", "conversation")),
		heartbeat:     sseHeartbeatInterval,
	}
}

// NewConversationServerHandler is the fx constructor.
func NewConversationServerHandler(log *slog.Logger, conversations *conversation.Service, messages *messagepkg.DBService, hub *messageevent.Hub) *ConversationHandler {
	return NewConversationHandler(log, conversations, messages, hub)
}

func (h *ConversationHandler) Register(e *echo.Echo) {
	group := e.Group("/conversations/:id")
	group.GET("", h.Get)
	group.POST("/read", h.MarkRead)
	group.GET("/messages", h.ListMessages)
	group.GET("/events", h.StreamEvents)
	group.GET("/ws", h.Socket)
}

func (h *ConversationHandler) conversationID(c echo.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	if _, err := dbpkg.ParseUUID(id); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	return id, nil
}

// requireConversation returns 404 before any stream is opened.
func (h *ConversationHandler) requireConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	conv, err := h.conversations.Get(ctx, id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return conversation.Conversation{}, echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return conversation.Conversation{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return conv, nil
}

func (h *ConversationHandler) Get(c echo.Context) error {
	id, err := h.conversationID(c)
	if err != nil {
		return err
	}
	conv, err := h.requireConversation(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

// MarkRead resets the unread counter. Concurrent calls are last-write-wins.
func (h *ConversationHandler) MarkRead(c echo.Context) error {
	id, err := h.conversationID(c)
	if err != nil {
		return err
	}
	conv, err := h.conversations.MarkRead(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conv)
}

// ListMessages returns up to limit (max 200) of the newest messages, oldest first.
func (h *ConversationHandler) ListMessages(c echo.Context) error {
	id, err := h.conversationID(c)
	if err != nil {
		return err
	}
	limit := int32(messagepkg.MaxListLimit)
	if s := strings.TrimSpace(c.QueryParam("limit")); s != "" {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		if n < int64(limit) {
			limit = int32(n)
		}
	}
	messages, err := h.messages.ListLatest(c.Request().Context(), id, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": messages})
}

// StreamEvents streams one conversation's change events as SSE.
func (h *ConversationHandler) StreamEvents(c echo.Context) error {
	id, err := h.conversationID(c)
	if err != nil {
		return err
	}
	if h.events == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "message events not configured")
	}
	if _, err := h.requireConversation(c.Request().Context(), id); err != nil {
		return err
	}

	_, stream, cancel := h.events.Subscribe(id, 128)
	defer cancel()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	writer := bufio.NewWriter(c.Response().Writer)

	if err := writeSSEJSON(writer, flusher, map[string]any{"type": "connected", "conversation_id": id}); err != nil {
		return nil
	}

	sentCreated := map[string]struct{}{}
	heartbeatTicker := time.NewTicker(h.heartbeat)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-heartbeatTicker.C:
			if err := writeSSEJSON(writer, flusher, map[string]any{"type": "ping"}); err != nil {
				return nil
			}
		case event, ok := <-stream:
			if !ok {
				// Dropped by the hub or shutting down; the client must reload.
				_ = writeSSEJSON(writer, flusher, map[string]any{"type": "resync", "conversation_id": id})
				return nil
			}
			if event.Type == messageevent.EventTypeMessageCreated {
				msgID := createdMessageID(event.Data)
				if msgID != "" {
					if _, seen := sentCreated[msgID]; seen {
						continue
					}
					sentCreated[msgID] = struct{}{}
				}
			}
			if err := writeSSEJSON(writer, flusher, event); err != nil {
				return nil
			}
		}
	}
}

func createdMessageID(data json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.ID)
}

func writeSSEData(writer *bufio.Writer, flusher http.Flusher, payload string) error {
	if _, err := writer.WriteString(fmt.Sprintf("data: %s\n\n", payload)); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEJSON(writer *bufio.Writer, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeSSEData(writer, flusher, string(data))
}
