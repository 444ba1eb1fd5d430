package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"MoltArb/internal/ratelimit"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// fixedWindowScript 原子地完成计数与窗口初始化，返回 {count, pttl}。
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

var _ ratelimit.Limiter = (*Limiter)(nil)

// Limiter 是跨副本共享的固定窗口限流器，过期由 Redis TTL 保证。
type Limiter struct {
	client redis.Scripter
	prefix string
}

// NewLimiter 创建客户端并校验连通性。
func NewLimiter(ctx context.Context, cfg Config) (*Limiter, *redis.Client, error) {
	if cfg.Address == "" {
		return nil, nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewLimiterWithClient(client, cfg.Prefix), client, nil
}

// NewLimiterWithClient 复用已有客户端。
func NewLimiterWithClient(client redis.Scripter, prefix string) *Limiter {
	if prefix == "" {
		prefix = "moltarb:ratelimit:"
	}
	return &Limiter{client: client, prefix: prefix}
}

// Allow implements ratelimit.Limiter.
func (l *Limiter) Allow(ctx context.Context, key string, max int, window time.Duration) (ratelimit.Decision, error) {
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("Redis 限流计数失败: %w", err)
	}
	if len(res) != 2 {
		return ratelimit.Decision{}, fmt.Errorf("Redis 限流脚本返回异常: %v", res)
	}
	count := int(res[0])
	if count <= max {
		return ratelimit.Decision{Allowed: true, Count: count}, nil
	}
	return ratelimit.Decision{
		Allowed:    false,
		Count:      max,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}
