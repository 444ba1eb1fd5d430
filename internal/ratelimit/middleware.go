package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "MoltArb/internal/errors"
)

// MiddlewareOption 配置限流中间件。
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	onDeny  func(r *http.Request, key string, d Decision)
	onError func(r *http.Request, err error)
}

// WithDenyHook 在请求被拒绝时回调，用于指标与审计。
func WithDenyHook(fn func(r *http.Request, key string, d Decision)) MiddlewareOption {
	return func(c *middlewareConfig) { c.onDeny = fn }
}

// WithErrorHook 在限流后端出错时回调。
func WithErrorHook(fn func(r *http.Request, err error)) MiddlewareOption {
	return func(c *middlewareConfig) { c.onError = fn }
}

// Middleware 按 "路径:客户端 IP" 做固定窗口限流。
// 后端出错时返回 503，不会静默放行。
func Middleware(limiter Limiter, max int, window time.Duration, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Path + ":" + ClientIP(r)
			decision, err := limiter.Allow(r.Context(), key, max, window)
			if err != nil {
				if cfg.onError != nil {
					cfg.onError(r, err)
				}
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"error": "Rate limiter unavailable",
					"code":  string(xerrors.CodeStorageFailure),
				})
				return
			}
			if !decision.Allowed {
				if cfg.onDeny != nil {
					cfg.onDeny(r, key, decision)
				}
				retryAfter := decision.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": fmt.Sprintf("Rate limit exceeded. Max %d per %s minutes. Try again in %ds.",
						max, strconv.FormatFloat(window.Minutes(), 'f', -1, 64), retryAfter),
					"code": string(xerrors.CodeRateLimited),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 依次取 X-Forwarded-For 首跳、X-Real-IP、连接地址。
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
