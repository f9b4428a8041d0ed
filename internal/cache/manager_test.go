package cache

import (
	"context"
	"testing"
	"time"

	"github.com/clinicdesk/clinicdesk/internal/config"
)

func TestManagerViewAndUnread(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, NewMemoryBackend(), "test:")
	ctx := context.Background()

	var got []string
	if err := m.View(ctx, "c1", &got); !IsMiss(err) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := m.PutView(ctx, "c1", []string{"a", "b"}); err != nil {
		t.Fatalf("put view: %v", err)
	}
	if err := m.View(ctx, "c1", &got); err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(got) != 2 || got[1] != "b" {
		t.Fatalf("unexpected view: %v", got)
	}

	if err := m.PutUnread(ctx, "c1", 3); err != nil {
		t.Fatalf("put unread: %v", err)
	}
	n, err := m.Unread(ctx, "c1")
	if err != nil || n != 3 {
		t.Fatalf("unexpected unread: %d, %v", n, err)
	}

	if err := m.Forget(ctx, "c1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, err := m.Unread(ctx, "c1"); !IsMiss(err) {
		t.Fatalf("expected miss after forget, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMemoryBackendExpiry(t *testing.T) {
	t.Parallel()

	b := NewMemoryBackend()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	if err := b.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := b.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("unexpected get: %q, %v", v, err)
	}
	now = now.Add(time.Minute)
	if _, err := b.Get(ctx, "k"); !IsMiss(err) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if err := b.Set(ctx, "forever", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	now = now.Add(365 * 24 * time.Hour)
	if _, err := b.Get(ctx, "forever"); err != nil {
		t.Fatalf("expected no expiry: %v", err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), nil, config.CacheConfig{Backend: "memcached"}); err == nil {
		t.Fatal("expected error")
	}
	m, err := Open(context.Background(), nil, config.CacheConfig{Backend: "memory", Prefix: "x:"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Close()
	if err := m.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
