package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clinicdesk/clinicdesk/internal/config"
)

const defaultViewTTL = 24 * time.Hour

// Manager namespaces keys and serializes values for a Backend. It is
// created once per process and closed on shutdown.
type Manager struct {
	backend Backend
	prefix  string
	ttl     time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewManager(log *slog.Logger, backend Backend, prefix string) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		backend: backend,
		prefix:  prefix,
		ttl:     defaultViewTTL,
		logger:  log.With(slog.String("service", "cache")),
	}
}

// Open builds the backend named in cfg.
func Open(ctx context.Context, log *slog.Logger, cfg config.CacheConfig) (*Manager, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewManager(log, NewMemoryBackend(), cfg.Prefix), nil
	case "redis":
		backend, err := NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewManager(log, backend, cfg.Prefix), nil
	}
	return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
}

func (m *Manager) viewKey(conversationID string) string {
	return m.prefix + "view:" + conversationID
}

func (m *Manager) unreadKey(conversationID string) string {
	return m.prefix + "unread:" + conversationID
}

// PutView stores the rendered list for a conversation.
func (m *Manager) PutView(ctx context.Context, conversationID string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode view: %w", err)
	}
	return m.backend.Set(ctx, m.viewKey(conversationID), string(raw), m.ttl)
}

// View decodes the stored list into dst. It returns ErrMiss when absent.
func (m *Manager) View(ctx context.Context, conversationID string, dst any) error {
	raw, err := m.backend.Get(ctx, m.viewKey(conversationID))
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("cache: decode view: %w", err)
	}
	return nil
}

func (m *Manager) PutUnread(ctx context.Context, conversationID string, unread int) error {
	return m.backend.Set(ctx, m.unreadKey(conversationID), strconv.Itoa(unread), m.ttl)
}

// Unread returns the badge count, or 0 and ErrMiss when nothing is cached.
func (m *Manager) Unread(ctx context.Context, conversationID string) (int, error) {
	raw, err := m.backend.Get(ctx, m.unreadKey(conversationID))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("cache: decode unread: %w", err)
	}
	return n, nil
}

// Forget drops everything cached for a conversation.
func (m *Manager) Forget(ctx context.Context, conversationID string) error {
	_, err := m.backend.Del(ctx, m.viewKey(conversationID), m.unreadKey(conversationID))
	return err
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.backend.Ping(ctx)
}

// Close releases the backend. It is safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.backend.Close()
		if m.closeErr != nil {
			m.logger.Warn("cache close failed", slog.Any("error", m.closeErr))
		}
	})
	return m.closeErr
}

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}
