// Package session holds the attempt-scoped token maps between page load and
// finalization. The map is transient by design: it is regenerated on every
// start/resume and only the most recent copy is valid for decoding.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veritest/cbt-service/internal/tokenmap"
)

// ErrNotFound is returned when no token map is stored for an attempt, either
// because it expired with the attempt's time budget or was never written.
var ErrNotFound = errors.New("token map not found")

type Store interface {
	Put(ctx context.Context, attemptID uint, m tokenmap.Map, ttl time.Duration) error
	Get(ctx context.Context, attemptID uint) (tokenmap.Map, error)
	Delete(ctx context.Context, attemptID uint) error
}

// ===== REDIS STORE =====

type redisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func key(attemptID uint) string {
	return fmt.Sprintf("cbt:tokenmap:%d", attemptID)
}

func (s *redisStore) Put(ctx context.Context, attemptID uint, m tokenmap.Map, ttl time.Duration) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal token map: %w", err)
	}
	if err := s.client.Set(ctx, key(attemptID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token map: %w", err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, attemptID uint) (tokenmap.Map, error) {
	payload, err := s.client.Get(ctx, key(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token map: %w", err)
	}

	var m tokenmap.Map
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token map: %w", err)
	}
	return m, nil
}

func (s *redisStore) Delete(ctx context.Context, attemptID uint) error {
	return s.client.Del(ctx, key(attemptID)).Err()
}

// ===== IN-MEMORY STORE =====

// MemoryStore is a process-local Store used in tests and single-node
// development setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uint]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	m         tokenmap.Map
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uint]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, attemptID uint, m tokenmap.Map, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[attemptID] = memoryEntry{m: m, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, attemptID uint) (tokenmap.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[attemptID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, attemptID)
		return nil, ErrNotFound
	}
	return entry.m, nil
}

func (s *MemoryStore) Delete(_ context.Context, attemptID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, attemptID)
	return nil
}
