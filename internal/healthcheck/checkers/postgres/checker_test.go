package pgchecker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/clinicdesk/clinicdesk/internal/db"
	"github.com/clinicdesk/clinicdesk/internal/healthcheck"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	schema := db.Schema{ExternalIDColumn: "external_message_id", UpsertSupported: true}
	items := NewChecker(newTestLogger(), fakePinger{}, schema).ListChecks(context.Background())
	if len(items) != 1 {
		t.Fatalf("expected 1 check, got %d", len(items))
	}
	if items[0].Status != healthcheck.StatusOK {
		t.Fatalf("expected ok, got %s", items[0].Status)
	}
	if items[0].Metadata["external_id_column"] != "external_message_id" {
		t.Fatalf("unexpected metadata: %+v", items[0].Metadata)
	}
}

func TestCheckerPingFailure(t *testing.T) {
	t.Parallel()

	items := NewChecker(newTestLogger(), fakePinger{err: errors.New("connection refused")}, db.Schema{}).ListChecks(context.Background())
	if len(items) != 1 || items[0].Status != healthcheck.StatusError {
		t.Fatalf("expected one error check, got %+v", items)
	}
	if items[0].Detail != "connection refused" {
		t.Fatalf("unexpected detail: %q", items[0].Detail)
	}
}

func TestCheckerNilPinger(t *testing.T) {
	t.Parallel()

	items := NewChecker(nil, nil, db.Schema{}).ListChecks(context.Background())
	if len(items) != 1 || items[0].Status != healthcheck.StatusError {
		t.Fatalf("expected one error check, got %+v", items)
	}
}
