// Package ratelimit 实现按客户端与路由计数的固定窗口限流。
//
// 固定窗口在窗口边界附近最多可能放行 2*max 个请求，这是用于防滥用而非精确配额时可接受的近似。
package ratelimit

import (
	"context"
	"math"
	"time"
)

// DefaultSweepInterval 为后台清理过期条目的默认周期。
const DefaultSweepInterval = 10 * time.Minute

// Decision 为一次限流判定结果。
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RetryAfterSeconds 返回向上取整的重试秒数，拒绝时至少为 1。
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Limiter 抽象限流后端。实现必须是并发安全的。
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (Decision, error)
}
