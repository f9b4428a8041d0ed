package feedchecker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/clinicdesk/clinicdesk/internal/feed"
	"github.com/clinicdesk/clinicdesk/internal/healthcheck"
)

const checkTypeFeed = "feed.listener"

// StatusObserver reads the listener connection state.
type StatusObserver interface {
	Status() feed.ConnectionStatus
}

// Checker reports whether the change feed connection is up.
type Checker struct {
	logger   *slog.Logger
	observer StatusObserver
	channel  string
}

// NewChecker creates a change feed health checker. A nil observer means
// the server runs in inline mode and has no listener to check.
func NewChecker(log *slog.Logger, observer StatusObserver, channel string) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_feed")),
		observer: observer,
		channel:  channel,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx != nil && ctx.Err() != nil {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		return []healthcheck.CheckResult{}
	}
	status := c.observer.Status()
	item := healthcheck.CheckResult{
		ID:     checkTypeFeed + "." + c.channel,
		Type:   checkTypeFeed,
		Status: healthcheck.StatusError,
		Metadata: map[string]any{
			"channel": c.channel,
			"running": status.Running,
		},
	}
	if status.UpdatedAt.Unix() > 0 {
		item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	lastError := strings.TrimSpace(status.LastError)
	switch {
	case status.Running:
		item.Status = healthcheck.StatusOK
		item.Summary = "Change feed is listening."
	case status.UpdatedAt.IsZero():
		item.Status = healthcheck.StatusUnknown
		item.Summary = "Change feed has not connected yet."
	case lastError != "":
		item.Summary = "Change feed connection failed."
		item.Detail = lastError
	default:
		item.Summary = "Change feed is stopped."
	}
	return []healthcheck.CheckResult{item}
}
