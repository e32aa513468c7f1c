package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = current unix timestamp (seconds, microsecond precision)
// ARGV[4] = key ttl in seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// Redis shares buckets across replicas through a Redis server.
type Redis struct {
	client redis.UniversalClient
	policy Policy
	prefix string
	now    func() time.Time
}

// RedisConfig configures NewRedisClient.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewRedisClient opens a client; it does not dial until first use.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedis(client redis.UniversalClient, p Policy) *Redis {
	return &Redis{client: client, policy: p, prefix: "countersign:ratelimit:", now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	rps := r.policy.RPS
	if rps <= 0 {
		rps = 1
	}
	burst := max(r.policy.Burst, 1)
	// keep a key around long enough to refill completely
	ttl := int(float64(burst)/rps) + 60
	now := float64(r.now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key}, rps, burst, now, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return res == 1, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
