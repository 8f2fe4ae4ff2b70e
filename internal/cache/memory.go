package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with per-key expiry
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// SetClock overrides the time source, for tests
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// GetJSON unmarshals a live entry into dest
func (m *MemoryStore) GetJSON(ctx context.Context, key string, dest interface{}) error {
	m.mu.RLock()
	item, ok := m.items[key]
	now := m.now()
	m.mu.RUnlock()

	if !ok || (!item.expiresAt.IsZero() && now.After(item.expiresAt)) {
		return ErrCacheMiss
	}
	if err := json.Unmarshal(item.data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// SetJSON stores value for ttl; zero ttl never expires
func (m *MemoryStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	item := memoryItem{data: data}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

// SetNX stores value only when key is absent or expired
func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if item, ok := m.items[key]; ok && (item.expiresAt.IsZero() || !now.After(item.expiresAt)) {
		return false, nil
	}
	item := memoryItem{data: []byte(value)}
	if ttl > 0 {
		item.expiresAt = now.Add(ttl)
	}
	m.items[key] = item
	return true, nil
}

// Delete removes a key
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Purge drops expired entries and returns how many were removed
func (m *MemoryStore) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, item := range m.items {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
