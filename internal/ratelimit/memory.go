package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count   int
	resetAt time.Time
}

// Memory 是进程内固定窗口限流器，时钟可注入。
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// Option 配置 Memory。
type Option func(*Memory)

// WithClock 注入时钟，测试时无需真实计时器。
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory 创建内存限流器。
func NewMemory(opts ...Option) *Memory {
	m := &Memory{entries: make(map[string]*entry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, key string, max int, window time.Duration) (Decision, error) {
	return m.Check(key, max, window), nil
}

// Check 执行一次固定窗口判定。
// 过期判定在访问时完成，正确性不依赖后台清理的时机。
func (m *Memory) Check(key string, max int, window time.Duration) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, ok := m.entries[key]
	if !ok || now.After(current.resetAt) {
		m.entries[key] = &entry{count: 1, resetAt: now.Add(window)}
		return Decision{Allowed: true, Count: 1}
	}
	if current.count >= max {
		return Decision{Allowed: false, Count: current.count, RetryAfter: current.resetAt.Sub(now)}
	}
	current.count++
	return Decision{Allowed: true, Count: current.count}
}

// Sweep 删除已经过期的条目，返回删除数量。
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, current := range m.entries {
		if now.After(current.resetAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len 返回当前保存的条目数量（含逻辑过期但尚未清理的条目）。
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run 周期性清理过期条目，直到 ctx 结束。
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
