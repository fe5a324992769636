// Package idempotency replays the first response recorded for an
// Idempotency-Key so retried client calls have no second effect.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record is a stored response. A zero StatusCode marks a key reserved by a
// request that has not finished yet.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r Record) InFlight() bool {
	return r.StatusCode == 0
}

type Store interface {
	// Reserve claims key for lease. When a live record already holds the key
	// it is returned with false and nothing changes.
	Reserve(ctx context.Context, key string, lease time.Duration) (*Record, bool, error)
	// Save replaces the reservation with the finished response.
	Save(ctx context.Context, key string, record Record) error
	// Release drops an unfinished reservation so the key can be retried.
	Release(ctx context.Context, key string) error
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu   sync.Mutex
	now  func() time.Time
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:  time.Now,
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Reserve(_ context.Context, key string, lease time.Duration) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if rec, ok := m.data[key]; ok && !rec.expired(now) {
		return &rec, false, nil
	}
	m.data[key] = Record{CreatedAt: now, ExpiresAt: now.Add(lease)}
	return nil, true, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && rec.InFlight() {
		delete(m.data, key)
	}
	return nil
}

// Purge drops expired records and returns how many were removed.
func (m *MemoryStore) Purge(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for k, rec := range m.data {
		if rec.expired(now) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}
