package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinicdesk/internal/webhook"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

type webhookIngester interface {
	Ingest(ctx context.Context, tenantHint string, payload []byte) (webhook.Outcome, error)
}

// WebhookHandler receives WhatsApp provider callbacks.
type WebhookHandler struct {
	logger  *slog.Logger
	service webhookIngester
}

func NewWebhookHandler(log *slog.Logger, service webhookIngester) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:  log.With(slog.String("handler", "whatsapp_webhook")),
		service: service,
	}
}

// NewWebhookServerHandler is the fx constructor.
func NewWebhookServerHandler(log *slog.Logger, service *webhook.Service) *WebhookHandler {
	return NewWebhookHandler(log, service)
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/whatsapp", h.HandleProbe)
	e.GET("/webhooks/whatsapp/:tenant_id", h.HandleProbe)
	e.POST("/webhooks/whatsapp", h.Handle)
	e.POST("/webhooks/whatsapp/:tenant_id", h.Handle)
}

// HandleProbe answers provider URL checks.
func (h *WebhookHandler) HandleProbe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Handle ingests one provider event. Only unrecoverable failures answer
// 500 so the provider retries; everything else is acknowledged with 200.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if h.service == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook service not configured")
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	tenantHint := strings.TrimSpace(c.Param("tenant_id"))

	// Finish the write even if the provider hangs up mid-request.
	outcome, err := h.service.Ingest(context.WithoutCancel(c.Request().Context()), tenantHint, payload)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Error("webhook ingest failed", slog.String("tenant_hint", tenantHint), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store message")
	}
	return c.JSON(http.StatusOK, outcome)
}
