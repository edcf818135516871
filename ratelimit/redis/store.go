package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcelsud/roster-hooks/ratelimit"
)

/* hitScript runs one sliding window step on a sorted set of markers scored
 * by their unix ms timestamp. Trim, count and insert happen in one script so
 * concurrent callers never observe a stale count.
 * KEYS[1] counter zset
 * ARGV[1] now ms, ARGV[2] window start ms, ARGV[3] limit, ARGV[4] member, ARGV[5] ttl ms
 * Returns {allowed, count, oldest ms or -1}
 */
var hitScript = redis.NewScript(`
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < limit then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  count = count + 1
  allowed = 1
end
local oldest = -1
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #first == 2 then oldest = tonumber(first[2]) end
return {allowed, count, oldest}
`)

// Store is a ratelimit.CounterStore backed by Redis sorted sets
type Store struct {
	client *redis.Client
}

// NewStore wraps a client
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Hit implements ratelimit.CounterStore
func (s *Store) Hit(ctx context.Context, key string, h ratelimit.Hit) (ratelimit.Window, error) {
	res, err := hitScript.Run(ctx, s.client, []string{key},
		h.Now.UnixMilli(),
		h.Now.Add(-h.Window).UnixMilli(),
		h.Limit,
		h.Member,
		h.TTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("running rate limit script: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.Window{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}

	w := ratelimit.Window{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
	}
	if res[2] >= 0 {
		w.Oldest = time.UnixMilli(res[2]).UTC()
	}
	return w, nil
}

