package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore holds single-use login challenges with a TTL.
type NonceStore interface {
	Put(ctx context.Context, nonce string, ttl time.Duration) error
	// Consume deletes nonce and reports whether it was present and unexpired.
	Consume(ctx context.Context, nonce string) (bool, error)
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// MemoryNonceStore is process local. Run a sweeper with Sweep to bound its size.
type MemoryNonceStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

func (m *MemoryNonceStore) Put(_ context.Context, nonce string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[nonce]; exists {
		return errors.New("nonce already issued")
	}
	m.entries[nonce] = m.now().Add(ttl)
	return nil
}

func (m *MemoryNonceStore) Consume(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[nonce]
	if !ok {
		return false, nil
	}
	delete(m.entries, nonce)
	return m.now().Before(exp), nil
}

// Sweep drops expired nonces every interval until ctx is done.
func (m *MemoryNonceStore) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *MemoryNonceStore) sweepOnce() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for nonce, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, nonce)
			removed++
		}
	}
	return removed
}

// RedisNonceStore shares nonces between instances.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNonceStore(client redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "hodl:login_nonce"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

func (r *RedisNonceStore) key(nonce string) string {
	return r.prefix + ":" + nonce
}

func (r *RedisNonceStore) Put(ctx context.Context, nonce string, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, r.key(nonce), 1, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("nonce already issued")
	}
	return nil
}

func (r *RedisNonceStore) Consume(ctx context.Context, nonce string) (bool, error) {
	_, err := r.client.GetDel(ctx, r.key(nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
