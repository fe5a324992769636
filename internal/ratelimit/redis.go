package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
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

// Redis is a fixed-window counter shared by every instance.
type Redis struct {
	client redis.UniversalClient
	prefix string
	rule   Rule
}

func NewRedis(client redis.UniversalClient, prefix string, rule Rule) *Redis {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "hodl:rate_limit"
	}
	return &Redis{client: client, prefix: prefix, rule: rule}
}

func (r *Redis) Allow(ctx context.Context, scope, subject string) (Decision, error) {
	if r.client == nil || r.rule.disabled() {
		return Decision{Allowed: true}, nil
	}

	windowMs := r.rule.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	key := fmt.Sprintf("%s:%s:%s", r.prefix, strings.TrimSpace(scope), strings.TrimSpace(subject))

	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit response %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected rate limit count %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	if count > int64(r.rule.Limit) {
		return Decision{RetryAfter: time.Duration(ttlMs) * time.Millisecond}, nil
	}
	return Decision{Allowed: true}, nil
}
