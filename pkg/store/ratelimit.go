package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// rateScript implements a token bucket in Lua so the check-and-consume is
// atomic across engine instances.
// KEYS[1] bucket key; ARGV: rate (tokens/sec), burst (capacity), now (sec),
// tokens requested.
var rateScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	return 0
`)

// Allow consumes one token from the named bucket if available. Used to
// throttle notification batches per task type so a burst of distributions
// cannot flood the gateway.
func (s *Store) Allow(ctx context.Context, key string, limit, burst int) (bool, error) {
	res, err := rateScript.Run(ctx, s.rdb,
		[]string{key}, limit, burst, time.Now().Unix(), 1).Int()
	if err != nil {
		return false, &verify.TransientInfraError{Op: "store.Allow", Err: err}
	}
	return res == 1, nil
}
