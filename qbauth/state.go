package qbauth

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingAuth is the short-lived metadata persisted between beginAuthorization
// and the provider redirect. Single use; expires with the state TTL.
type PendingAuth struct {
	TenantId             string    `json:"tenant_id"`
	ConnectionRef        string    `json:"connection_ref"`
	Label                string    `json:"label"`
	AdditionalConnection bool      `json:"additional_connection"`
	RedirectUrl          string    `json:"redirect_url"`
	CreatedAt            time.Time `json:"created_at"`
}

// StateStore persists pending-auth metadata keyed by the OAuth state token.
// Take removes the entry so a state can only ever be redeemed once.
type StateStore interface {
	Put(ctx context.Context, state string, pending PendingAuth, ttl time.Duration) error
	Take(ctx context.Context, state string) (PendingAuth, bool, error)
}

const statePrefix = "qbauth:state:"

// RedisStateStore is the production store; TTL enforcement comes from redis
// key expiry, single-use from GETDEL.
type RedisStateStore struct {
	Client *redis.Client
}

func (s *RedisStateStore) Put(ctx context.Context, state string, pending PendingAuth, ttl time.Duration) error {
	raw, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, statePrefix+state, raw, ttl).Err()
}

func (s *RedisStateStore) Take(ctx context.Context, state string) (PendingAuth, bool, error) {
	var pending PendingAuth
	raw, err := s.Client.GetDel(ctx, statePrefix+state).Result()
	if err != nil {
		if err == redis.Nil {
			return pending, false, nil
		}
		return pending, false, err
	}
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return pending, false, err
	}
	return pending, true, nil
}

// MemoryStateStore backs tests and single-process deployments without redis.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryStateEntry
	now     func() time.Time
}

type memoryStateEntry struct {
	pending   PendingAuth
	expiresAt time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		entries: map[string]memoryStateEntry{},
		now:     time.Now,
	}
}

func (s *MemoryStateStore) Put(_ context.Context, state string, pending PendingAuth, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = memoryStateEntry{pending: pending, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Take(_ context.Context, state string) (PendingAuth, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if !ok {
		return PendingAuth{}, false, nil
	}
	delete(s.entries, state)
	if s.now().After(entry.expiresAt) {
		return PendingAuth{}, false, nil
	}
	return entry.pending, true, nil
}
