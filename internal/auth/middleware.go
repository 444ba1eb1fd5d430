package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/observability/metrics"
	loggerpkg "MoltArb/pkg/logger"
)

// Middleware 返回一个 HTTP 中间件，鉴权成功后把签名身份与凭证放入上下文，
// 并在处理结束后释放私钥。
func (g *Gate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, record, err := g.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status, message := denial(err)
				code := xerrors.CodeOf(err)
				metrics.ObserveAuthFailure(string(code))
				loggerpkg.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"code", string(code),
					"remote", r.RemoteAddr,
				)
				writeError(w, status, message, code)
				return
			}
			defer identity.Release()

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithAgent(WithIdentity(r.Context(), identity), record)
			next.ServeHTTP(aw, r.WithContext(ctx))

			loggerpkg.Audit().Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"agent_id", record.ID,
				"address", record.Address,
			)
		})
	}
}

func denial(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingToken):
		return http.StatusUnauthorized, msgMissingToken
	case errors.Is(err, ErrInvalidFormat):
		return http.StatusUnauthorized, msgInvalidFormat
	case errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized, msgInvalidKey
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable, msgUnavailable
	default:
		return http.StatusInternalServerError, msgAuthFailed
	}
}

func writeError(w http.ResponseWriter, status int, message string, code xerrors.Code) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": string(code)})
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
