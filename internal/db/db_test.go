package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

func TestParseUUID(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	parsed, err := ParseUUID(id)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if UUIDToString(parsed) != id {
		t.Fatalf("round trip mismatch: %s", UUIDToString(parsed))
	}
	if _, err := ParseUUID("invalid"); err == nil {
		t.Fatalf("expected error, got nil")
	}
	empty, err := ParseOptionalUUID("  ")
	if err != nil || empty.Valid {
		t.Fatalf("expected NULL uuid, got %+v err=%v", empty, err)
	}
}

func TestTextHelpers(t *testing.T) {
	t.Parallel()

	if ToText("  ").Valid {
		t.Fatalf("blank text should be NULL")
	}
	if got := TextToString(ToText(" a ")); got != "a" {
		t.Fatalf("unexpected text: %q", got)
	}
	if got := TextToString(pgtype.Text{}); got != "" {
		t.Fatalf("NULL text should be empty, got %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(unique) {
		t.Fatalf("expected wrapped unique violation to be detected")
	}
	if IsUndefinedColumn(unique) {
		t.Fatalf("unique violation is not an undefined column")
	}
	if !IsUndefinedColumn(&pgconn.PgError{Code: "42703"}) {
		t.Fatalf("expected undefined column")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Fatalf("plain error is not a pg error")
	}
}
