package store

import (
	"context"
	"sync"
	"time"

	"github.com/opencast/castbus/bus"
)

// Memory implements DeadLetters and Idempotency in process, for tests and
// for runs without a Postgres backend.
type Memory struct {
	mu      sync.Mutex
	dead    []bus.DeadLetter
	deadSet map[string]struct{}
	keys    map[string]time.Time // key -> expiry (zero = never)
}

// NewMemory initializes an empty in-memory operational store.
func NewMemory() *Memory {
	return &Memory{
		deadSet: make(map[string]struct{}),
		keys:    make(map[string]time.Time),
	}
}

func deadKey(dl bus.DeadLetter) string {
	return dl.Stream + "\x00" + dl.Group + "\x00" + dl.EntryID
}

func (m *Memory) Report(ctx context.Context, dl bus.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := deadKey(dl)
	if _, ok := m.deadSet[k]; ok {
		return nil
	}
	m.deadSet[k] = struct{}{}
	m.dead = append(m.dead, dl)
	return nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]bus.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]bus.DeadLetter, 0, len(m.dead))
	// Newest first, matching the Postgres backend.
	for i := len(m.dead) - 1; i >= 0; i-- {
		out = append(out, m.dead[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Seen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.keys[key]
	if !ok {
		return false, nil
	}
	if !expiry.IsZero() && expiry.Before(time.Now()) {
		delete(m.keys, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Mark(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	m.keys[key] = expiry
	return nil
}
