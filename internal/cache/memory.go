package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryBackend keeps entries in process. Expired entries are dropped on read.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string]memoryEntry{}, now: time.Now}
}

var _ Backend = (*MemoryBackend)(nil)

func (m *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrMiss
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		m.mu.Lock()
		if current, ok := m.entries[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return "", ErrMiss
	}
	return entry.value, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := m.entries[key]; ok {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.entries = map[string]memoryEntry{}
	m.mu.Unlock()
	return nil
}
