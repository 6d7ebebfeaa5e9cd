// Package presence tracks which chat a user is currently looking at.
// Entries are advisory: they expire after a TTL unless refreshed by heartbeats
// and are never persisted.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultTTL = 45 * time.Second

type Tracker interface {
	Beat(ctx context.Context, userID, chatID uuid.UUID) error
	Clear(ctx context.Context, userID, chatID uuid.UUID) error
	Viewing(ctx context.Context, userID, chatID uuid.UUID) (bool, error)
}

type entryKey struct {
	user uuid.UUID
	chat uuid.UUID
}

// Memory is a single-process Tracker.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[entryKey]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[entryKey]time.Time)}
}

func (m *Memory) Beat(_ context.Context, userID, chatID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey{userID, chatID}] = m.now()
	m.sweepLocked()
	return nil
}

func (m *Memory) Clear(_ context.Context, userID, chatID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entryKey{userID, chatID})
	return nil
}

func (m *Memory) Viewing(_ context.Context, userID, chatID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.entries[entryKey{userID, chatID}]
	if !ok {
		return false, nil
	}
	if m.now().Sub(seen) >= m.ttl {
		delete(m.entries, entryKey{userID, chatID})
		return false, nil
	}
	return true, nil
}

func (m *Memory) sweepLocked() {
	now := m.now()
	for k, seen := range m.entries {
		if now.Sub(seen) >= m.ttl {
			delete(m.entries, k)
		}
	}
}
