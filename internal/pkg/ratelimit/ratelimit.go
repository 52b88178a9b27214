// Package ratelimit 限制上映提醒邮件的发送速率。
//
// 桶状态存放在 Redis，多个 API 实例共用一个桶，SMTP 服务端看到的是整体速率。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"movietracker/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// DefaultMailKey 邮件令牌桶默认键名。
const DefaultMailKey = "movietracker:ratelimit:mail"

// ErrRateLimitTimeout 在拿到发信令牌之前 ctx 已结束。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// 取一封邮件的额度：成功返回 0，否则返回需要等待的毫秒数。
const takeMailTokenLua = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - last) * rate / 1000.0)

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(burst / rate * 2000.0))
return wait
`

// MailLimits 邮件发送额度。PerSecond 或 Burst 不大于 0 时不限流。
type MailLimits struct {
	Key       string
	PerSecond float64
	Burst     float64
}

func (l MailLimits) enabled() bool {
	return l.PerSecond > 0 && l.Burst > 0
}

// RateLimiter 是所有实例共享的发信令牌桶。
type RateLimiter struct {
	rdb    *redis.Client
	limits MailLimits
	logger *slog.Logger
	script *redis.Script
	now    func() time.Time
}

// NewMailLimiter 创建发信令牌桶。
func NewMailLimiter(rdb *redis.Client, logger *slog.Logger, limits MailLimits) *RateLimiter {
	if limits.Key == "" {
		limits.Key = DefaultMailKey
	}
	return &RateLimiter{
		rdb:    rdb,
		limits: limits,
		logger: logger,
		script: redis.NewScript(takeMailTokenLua),
		now:    time.Now,
	}
}

// Acquire 等待一封邮件的发送额度；ctx 先结束时返回 ErrRateLimitTimeout。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.rdb == nil || !r.limits.enabled() {
		return nil
	}

	start := time.Now()
	throttled := false
	defer func() {
		if throttled {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
		}
	}()

	for {
		wait, err := r.take(ctx)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		throttled = true
		// 错开多个实例的重试时间
		wait += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
		if r.logger != nil {
			r.logger.Debug("reminder mail throttled", slog.Duration("wait", wait))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

// take 尝试取一个令牌，返回还需等待的时间；0 表示已取到。
func (r *RateLimiter) take(ctx context.Context) (time.Duration, error) {
	ms, err := r.script.Run(ctx, r.rdb, []string{r.limits.Key},
		r.limits.PerSecond, r.limits.Burst, r.now().UnixMilli()).Int64()
	if err != nil {
		if ctx.Err() != nil {
			metrics.RateLimitTimeoutTotal.Inc()
			return 0, ErrRateLimitTimeout
		}
		return 0, fmt.Errorf("take mail token: %w", err)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond, nil
}
