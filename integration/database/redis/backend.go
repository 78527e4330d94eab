package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

// Entries are hashes with the encoded bucket under "d" and a revision
// under "v". The revision is the compare-and-swap stamp; it is a fresh
// uuid on every write, so a removed and recreated key never repeats one.
const (
	dataField  = "d"
	stampField = "v"
)

// compareAndSet writes ARGV[2] with revision ARGV[4] when the stored
// revision equals ARGV[1] (an empty ARGV[1] means the key must not exist).
// ARGV[3] is the TTL in milliseconds, 0 for none.
var compareAndSet = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'v')
if ARGV[1] == '' then
	if current then return 0 end
elseif current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[4], 'd', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

// Backend stores bucket entries in Redis and swaps them with a Lua script.
type Backend struct {
	client redis.UniversalClient
}

var _ remote.Backend = (*Backend)(nil)

func NewBackend(client redis.UniversalClient) *Backend {
	return &Backend{client: client}
}

func (b *Backend) Load(ctx context.Context, key string) (remote.Blob, bool, error) {
	vals, err := b.client.HMGet(ctx, key, dataField, stampField).Result()
	if err != nil {
		return remote.Blob{}, false, fmt.Errorf("redis load %q: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return remote.Blob{}, false, nil
	}
	data, ok := vals[0].(string)
	stamp, ok2 := vals[1].(string)
	if !ok || !ok2 {
		return remote.Blob{}, false, fmt.Errorf("%w: hash fields of %q", ErrUnexpectedReply, key)
	}
	return remote.Blob{Data: []byte(data), Stamp: stamp}, true, nil
}

func (b *Backend) CompareAndSwap(ctx context.Context, key string, expected *remote.Blob, next []byte, ttl time.Duration) (bool, error) {
	stamp := ""
	if expected != nil {
		stamp = expected.Stamp
	}
	swapped, err := compareAndSet.Run(ctx, b.client, []string{key}, stamp, next, ttl.Milliseconds(), uuid.NewString()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-swap %q: %w", key, err)
	}
	return swapped == 1, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis remove %q: %w", key, err)
	}
	return nil
}
