package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"validahub-core/internal/core/tenant"
	"validahub-core/pkg/logger"
)

// tokenBucketScript implements a linear-refill token bucket atomically in
// Lua so check-and-consume never races across concurrent requests for the
// same tenant, even across server instances sharing this Redis.
//
// KEYS[1] = bucket hash key (fields: tokens, ts)
// ARGV[1] = limit (bucket capacity and tokens added per full window)
// ARGV[2] = window in seconds
// ARGV[3] = now (unix seconds, float)
//
// Unlike a sliding-window-log (sorted set of individual request
// timestamps), this only ever stores two numbers per bucket regardless of
// request rate.
const tokenBucketScript = `
local bucket = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("HGET", bucket, "tokens"))
local ts = tonumber(redis.call("HGET", bucket, "ts"))

if tokens == nil then
  tokens = limit
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  local refill = (elapsed / window) * limit
  tokens = math.min(limit, tokens + refill)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", bucket, "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("EXPIRE", bucket, math.ceil(window * 2))

return {allowed, tostring(tokens)}
`

// peekBucketScript reports the current token count without consuming.
// Same keys and args as tokenBucketScript.
const peekBucketScript = `
local bucket = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("HGET", bucket, "tokens"))
local ts = tonumber(redis.call("HGET", bucket, "ts"))

if tokens == nil then
  return {1, tostring(limit)}
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(limit, tokens + (elapsed / window) * limit)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
end
return {allowed, tostring(tokens)}
`

// RedisLimiter is the production Limiter, backed by a Lua-scripted token
// bucket per (tenant, resource) in Redis.
type RedisLimiter struct {
	client     redis.Scripter
	script     *redis.Script
	peekScript *redis.Script
	failOpen   bool
}

// NewRedisLimiter creates a Limiter over an existing redis client.
// failOpen controls behavior when Redis itself is unreachable: true allows
// the request through (availability over strict enforcement), false denies
// it.
func NewRedisLimiter(client redis.Scripter, failOpen bool) *RedisLimiter {
	return &RedisLimiter{
		client:     client,
		script:     redis.NewScript(tokenBucketScript),
		peekScript: redis.NewScript(peekBucketScript),
		failOpen:   failOpen,
	}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID tenant.TenantID, resource string, limit int, window time.Duration) (Result, error) {
	key := fmt.Sprintf("ratelimit:{%s}:%s", tenantID, resource)
	return l.run(ctx, l.script, key, tenantID, resource, limit, window)
}

// Info implements Limiter.
func (l *RedisLimiter) Info(ctx context.Context, tenantID tenant.TenantID, resource string, limit int, window time.Duration) (Result, error) {
	key := fmt.Sprintf("ratelimit:{%s}:%s", tenantID, resource)
	return l.run(ctx, l.peekScript, key, tenantID, resource, limit, window)
}

func (l *RedisLimiter) run(ctx context.Context, script *redis.Script, key string, tenantID tenant.TenantID, resource string, limit int, window time.Duration) (Result, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)

	res, err := script.Run(ctx, l.client, []string{key}, limit, window.Seconds(), now).Result()
	if err != nil {
		logger.Warn(ctx, "rate limiter redis error, applying fail-open policy",
			"tenant_id", tenantID, "resource", resource, "fail_open", l.failOpen, "error", err)
		if l.failOpen {
			return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAfter: window}, nil
		}
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAfter: window}, nil
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}

	allowed := fmt.Sprint(values[0]) == "1"
	var remainingTokens float64
	_, _ = fmt.Sscanf(fmt.Sprint(values[1]), "%f", &remainingTokens)

	return Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  int(remainingTokens),
		ResetAfter: window,
	}, nil
}

var _ Limiter = (*RedisLimiter)(nil)
