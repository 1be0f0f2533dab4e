package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payrail/internal/clock"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is the single-process Locker used when no shared store is
// configured. Expired entries are treated as free and removed by Sweep.
type MemoryLocker struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

func NewMemoryLocker(clk clock.Clock) *MemoryLocker {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryLocker{
		clock:   clk,
		entries: make(map[string]memoryEntry),
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if entry, ok := l.entries[key]; ok && now.Before(entry.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || entry.token != token || !l.clock.Now().Before(entry.expiresAt) {
		return false, nil
	}
	delete(l.entries, key)
	return true, nil
}

func (l *MemoryLocker) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, ttl); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	entry, ok := l.entries[key]
	if !ok || entry.token != token || !now.Before(entry.expiresAt) {
		return false, nil
	}
	entry.expiresAt = now.Add(ttl)
	l.entries[key] = entry
	return true, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (l *MemoryLocker) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	removed := 0
	for key, entry := range l.entries {
		if !now.Before(entry.expiresAt) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}
