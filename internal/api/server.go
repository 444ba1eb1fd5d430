package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"MoltArb/internal/auth"
	"MoltArb/internal/credential"
	"MoltArb/internal/observability/metrics"
	"MoltArb/internal/orchestrator"
	"MoltArb/internal/ratelimit"
	"MoltArb/internal/signer"
	"MoltArb/internal/web3/provider"
	"MoltArb/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

const (
	defaultVersion          = "0.1.0"
	defaultGracefulShutdown = 10 * time.Second
	requestIDHeader         = "X-Request-ID"
)

// Config 控制 HTTP 服务的监听与超时参数。
type Config struct {
	ListenAddr       string
	EnablePprof      bool
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	DrainDuration    time.Duration
	GracefulShutdown time.Duration
	Version          string

	// RateLimitMax 与 RateLimitWindow 作用于钱包创建与签名服务注册。
	RateLimitMax    int
	RateLimitWindow time.Duration

	Contracts Contracts
}

// Contracts 为余额查询、转账与健康检查展示的合约地址。
type Contracts struct {
	USDC        string
	WETH        string
	ROSE        string
	VROSE       string
	Marketplace string
	Governance  string
	Treasury    string
}

// Deps 汇总处理请求所需的组件。
type Deps struct {
	Store    credential.Store
	Issuer   *credential.Issuer
	Gate     *auth.Gate
	Chains   *provider.Registry
	Executor *orchestrator.Executor
	Signer   *signer.Client
	Limiter  ratelimit.Limiter
}

func (d Deps) validate() error {
	var missing []string
	if d.Store == nil {
		missing = append(missing, "store")
	}
	if d.Issuer == nil {
		missing = append(missing, "issuer")
	}
	if d.Gate == nil {
		missing = append(missing, "gate")
	}
	if d.Chains == nil || d.Chains.Default() == nil {
		missing = append(missing, "chains")
	}
	if d.Executor == nil {
		missing = append(missing, "executor")
	}
	if d.Signer == nil {
		missing = append(missing, "signer")
	}
	if d.Limiter == nil {
		missing = append(missing, "limiter")
	}
	if len(missing) > 0 {
		return fmt.Errorf("API 依赖未初始化: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Server 负责暴露 REST 接口。
type Server struct {
	cfg     Config
	deps    Deps
	isReady atomic.Bool
	log     *slog.Logger
	tokens  map[string]common.Address
	srv     *http.Server
}

// NewServer 构造 API 服务实例，初始状态为就绪。
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.GracefulShutdown <= 0 {
		cfg.GracefulShutdown = defaultGracefulShutdown
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		log:    logger.Named("api"),
		tokens: tokenTable(cfg.Contracts),
	}
	s.isReady.Store(true)
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s, nil
}

// Handler 返回完整的路由树。
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.requestID)
	mux.Use(s.httpLogger)
	mux.Use(s.observe)

	mux.Get("/livez", s.handleLivenessCheck)
	mux.Get("/readyz", s.handleReadinessCheck)
	mux.Get("/drain", s.handleDrain)
	mux.Get("/undrain", s.handleUndrain)
	mux.Handle("/metrics", metrics.Handler())

	authenticated := s.deps.Gate.Middleware()
	limited := ratelimit.Middleware(s.deps.Limiter, s.cfg.RateLimitMax, s.cfg.RateLimitWindow,
		ratelimit.WithDenyHook(s.onRateLimitDeny),
		ratelimit.WithErrorHook(s.onRateLimitError),
	)

	mux.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/wallet", func(r chi.Router) {
			r.With(limited).Post("/create", s.handleCreateWallet)
			r.Group(func(r chi.Router) {
				r.Use(authenticated)
				r.Get("/info", s.handleWalletInfo)
				r.Get("/balance", s.handleWalletBalance)
				r.Post("/transfer", s.handleTransfer)
				r.Post("/sign", s.handleSign)
				r.Post("/sign-hash", s.handleSignHash)
				r.Post("/sign-typed", s.handleSignTyped)
			})
			r.Get("/{address}", s.handlePublicBalance)
		})

		r.Route("/contract", func(r chi.Router) {
			r.Post("/call", s.handleContractCall)
			r.With(authenticated).Post("/send", s.handleContractSend)
			r.With(authenticated).Post("/approve", s.handleApprove)
		})

		r.Route("/rose", func(r chi.Router) {
			r.With(limited, authenticated).Post("/register", s.handleRoseRegister)
			r.With(authenticated).Post("/deposit", s.handleRoseDeposit)
			r.With(authenticated).Post("/stake", s.handleRoseStake)
			r.With(authenticated).Post("/claim-task", s.handleRoseClaimTask)
			r.With(authenticated).Post("/complete", s.handleRoseComplete)
			r.Get("/tasks", s.handleRoseTasks)
		})
	})

	if s.cfg.EnablePprof {
		s.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", "listenAddress", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.isReady.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdown)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("Graceful HTTP server shutdown failed", "err", err)
		} else {
			s.log.Info("HTTP server gracefully stopped")
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

// requestID 透传或生成请求 ID，写回响应头。
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// observe 以路由模板为标签记录请求计数与耗时。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) onRateLimitDeny(r *http.Request, key string, d ratelimit.Decision) {
	metrics.ObserveRateLimitDenial(r.URL.Path)
	logger.Audit().Warn("rate_limited",
		"path", r.URL.Path,
		"client", ratelimit.ClientIP(r),
		"count", d.Count,
		"retry_after_s", d.RetryAfterSeconds(),
	)
}

func (s *Server) onRateLimitError(r *http.Request, err error) {
	s.log.Error("限流后端不可用", "path", r.URL.Path, "err", err)
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already draining"})
		return
	}
	s.log.Info("Server marked as not ready")

	// give load balancers time to observe /readyz before traffic stops
	if s.cfg.DrainDuration > 0 {
		go func(d time.Duration) {
			time.Sleep(d)
			s.log.Info("Drain period completed")
		}(s.cfg.DrainDuration)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (s *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if s.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already ready"})
		return
	}
	s.log.Info("Server marked as ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
