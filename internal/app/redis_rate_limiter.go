package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var providerRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// ProviderRateLimiter bounds outbound provider calls. Implementations return
// the current window count and, when over the limit, how long to back off.
// Bounding outbound call rate is a tunable policy, not a correctness
// requirement; a nil limiter disables it entirely.
type ProviderRateLimiter interface {
	Consume(ctx context.Context, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RedisProviderRateLimiter implements distributed fixed-window rate limiting
// using Redis, so the bound holds across service instances.
type RedisProviderRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisProviderRateLimiter(client redis.UniversalClient, prefix string) *RedisProviderRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "syncsvc:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisProviderRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// Consume increments the window counter for subject and reports whether the
// caller should back off.
func (r *RedisProviderRateLimiter) Consume(ctx context.Context, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedSubject := strings.TrimSpace(subject)
	if normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:provider:%s", r.prefix, normalizedSubject)
	rawResult, err := providerRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}
