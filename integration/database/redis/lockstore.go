package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// releaseLock deletes the lock only while it still carries our token.
var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockStore keeps entries as plain strings and guards updates with a
// SET NX PX lock. Wrap it with remote.NewLockingBackend. Prefer Backend
// unless scripts are disabled on the server.
type LockStore struct {
	client  redis.UniversalClient
	lockTTL time.Duration
}

var _ remote.LockingStore = (*LockStore)(nil)

// NewLockStore creates a lock store. A non-positive lockTTL means 5s.
func NewLockStore(client redis.UniversalClient, lockTTL time.Duration) *LockStore {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &LockStore{client: client, lockTTL: lockTTL}
}

func lockKey(key string) string {
	return key + ":lock"
}

func (s *LockStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return data, true, nil
}

func (s *LockStore) PutIfAbsent(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, data, max(ttl, 0)).Result()
	if err != nil {
		return false, fmt.Errorf("redis put-if-absent %q: %w", key, err)
	}
	return ok, nil
}

func (s *LockStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, data, max(ttl, 0)).Err(); err != nil {
		return fmt.Errorf("redis put %q: %w", key, err)
	}
	return nil
}

func (s *LockStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis remove %q: %w", key, err)
	}
	return nil
}

// Lock takes the lock of key with a random owner token.
func (s *LockStore) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKey(key), token, s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %q: %w", key, err)
	}
	if !ok {
		return nil, remote.ErrLockHeld
	}
	return func(ctx context.Context) error {
		if err := releaseLock.Run(ctx, s.client, []string{lockKey(key)}, token).Err(); err != nil {
			return fmt.Errorf("redis unlock %q: %w", key, err)
		}
		return nil
	}, nil
}
