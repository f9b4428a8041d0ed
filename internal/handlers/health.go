package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinicdesk/internal/healthcheck"
)

type HealthHandler struct {
	logger  *slog.Logger
	checker healthcheck.Checker
}

type readinessResponse struct {
	Status string                    `json:"status"`
	Checks []healthcheck.CheckResult `json:"checks"`
}

func NewHealthHandler(log *slog.Logger, checker healthcheck.Checker) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{
		logger:  log.With(slog.String("handler", "health")),
		checker: checker,
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health/ready", h.Ready)
}

// Ready responds 503 when any check reports an error.
func (h *HealthHandler) Ready(c echo.Context) error {
	checks := []healthcheck.CheckResult{}
	if h.checker != nil {
		checks = h.checker.ListChecks(c.Request().Context())
	}
	status := healthcheck.Overall(checks)
	code := http.StatusOK
	if status == healthcheck.StatusError {
		code = http.StatusServiceUnavailable
		h.logger.Warn("readiness check failed", slog.Int("checks", len(checks)))
	}
	return c.JSON(code, readinessResponse{Status: status, Checks: checks})
}
