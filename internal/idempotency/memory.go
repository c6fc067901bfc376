package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	status  string
	expires time.Time
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	keys map[string]memoryEntry
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, keys: make(map[string]memoryEntry)}
}

func (m *Memory) Reserve(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.keys[key]; ok && now.Before(e.expires) {
		switch e.status {
		case statusSuccess:
			return true, nil
		case statusProcessing:
			return false, ErrInProgress
		}
	}
	m.keys[key] = memoryEntry{status: statusProcessing, expires: now.Add(m.ttl)}
	return false, nil
}

func (m *Memory) MarkSuccess(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = memoryEntry{status: statusSuccess, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) MarkFailure(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
