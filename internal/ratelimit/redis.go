// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript increments the counter and starts the window expiry on the first
// hit. A key that lost its TTL is given one again so it cannot live forever.
// Returns {hits, ttl_ms}.
var hitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local window = tonumber(ARGV[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], window)
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], window)
	ttl = window
end
return {current, ttl}
`)

// RedisStore keeps counters in Redis so several instances share one budget.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a store using client. Keys are namespaced with prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error) {
	res, err := hitScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis hit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("redis hit %s: unexpected reply length %d", key, len(res))
	}

	return Window{
		Hits:    int(res[0]),
		ResetAt: now.Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}
