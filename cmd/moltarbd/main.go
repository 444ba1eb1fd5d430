package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"MoltArb/internal/api"
	"MoltArb/internal/auth"
	"MoltArb/internal/config"
	"MoltArb/internal/credential"
	"MoltArb/internal/events"
	"MoltArb/internal/observability/alerting"
	"MoltArb/internal/observability/metrics"
	"MoltArb/internal/orchestrator"
	"MoltArb/internal/ratelimit"
	"MoltArb/internal/signer"
	"MoltArb/internal/storage/mysql"
	"MoltArb/internal/storage/postgres"
	storageredis "MoltArb/internal/storage/redis"
	"MoltArb/internal/storage/sqlite"
	"MoltArb/internal/vault"
	"MoltArb/internal/web3"
	"MoltArb/internal/web3/provider"
	"MoltArb/pkg/logger"

	"github.com/urfave/cli/v2"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Value:   filepath.Join("config", "moltarb.json"),
		Usage:   "path to the JSON config file (optional)",
		EnvVars: []string{"MOLTARB_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "env-file",
		Value: ".env",
		Usage: "dotenv file loaded before reading environment variables",
	},
	&cli.StringFlag{
		Name:  "listen",
		Usage: "address to listen on for the API, overrides PORT",
	},
	&cli.StringFlag{
		Name:  "metrics-listen",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "log-format",
		Usage: "log format: json or text",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Usage: "enable pprof debug endpoint",
	},
}

// main 是 MoltArb 守护进程的入口。
func main() {
	app := &cli.App{
		Name:   "moltarbd",
		Usage:  "Custodial agent wallets and transaction relay for Arbitrum",
		Flags:  flags,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API (default)",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply credential store migrations and exit",
				Action: migrate,
			},
			{
				Name:   "gen-secret",
				Usage:  "print a random ENCRYPTION_KEY",
				Action: genSecret,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("moltarbd 运行失败: %v", err)
	}
}

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	if err := config.LoadEnvFile(cCtx.String("env-file")); err != nil {
		return nil, err
	}

	path := cCtx.String("config")
	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else if cCtx.IsSet("config") {
		return nil, fmt.Errorf("配置文件不存在: %s", path)
	} else {
		cfg = config.Default()
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if v := cCtx.String("listen"); v != "" {
		cfg.Server.Address = v
	}
	if v := cCtx.String("metrics-listen"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := cCtx.String("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if cCtx.Bool("pprof") {
		cfg.Server.EnablePprof = true
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	})
}

func serve(cCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("moltarbd")

	keys, err := vault.New(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	limiter, closeLimiter, err := openLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	chains, err := openChains(ctx, cfg)
	if err != nil {
		return err
	}
	defer chains.Close()
	defaultChain := chains.Default()
	log.Info("chains ready", "default", chains.DefaultName(), "chains", chains.Chains())

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	alerts := alerting.NewFanout(notifiers...)

	var publisher orchestrator.Publisher = &events.LogPublisher{}
	if cfg.Events.RabbitMQURL != "" {
		rabbit, err := events.NewRabbitPublisher(events.RabbitConfig{
			URL:        cfg.Events.RabbitMQURL,
			Exchange:   cfg.Events.Exchange,
			RoutingKey: cfg.Events.RoutingKey,
		})
		if err != nil {
			return err
		}
		defer rabbit.Close()
		publisher = rabbit
	}

	signerClient, err := signer.NewClient(signer.Config{
		BaseURL:           cfg.Signer.BaseURL,
		Timeout:           cfg.Signer.Timeout.Std(),
		RequestsPerSecond: cfg.Signer.RequestsPerSecond,
		Burst:             cfg.Signer.Burst,
	})
	if err != nil {
		return err
	}

	executor := orchestrator.NewExecutor(
		orchestrator.WithConfirmTimeout(cfg.Orchestrator.ConfirmTimeout.Std()),
		orchestrator.WithPublisher(publisher),
		orchestrator.WithAlerts(alerts),
	)
	gate := auth.NewGate(store, keys, defaultChain, defaultChain.ChainIDValue(),
		auth.WithAlerts(alerts),
		auth.WithIdentityOptions(web3.WithPollInterval(cfg.Orchestrator.PollInterval.Std())),
	)

	server, err := api.NewServer(api.Config{
		ListenAddr:       cfg.Server.Address,
		EnablePprof:      cfg.Server.EnablePprof,
		ReadTimeout:      cfg.Server.ReadTimeout.Std(),
		WriteTimeout:     cfg.Server.WriteTimeout.Std(),
		DrainDuration:    cfg.Server.DrainDuration.Std(),
		GracefulShutdown: cfg.Server.GracefulShutdown.Std(),
		RateLimitMax:     cfg.RateLimit.Max,
		RateLimitWindow:  cfg.RateLimit.Window.Std(),
		Contracts: api.Contracts{
			USDC:        cfg.Contracts.USDC,
			WETH:        cfg.Contracts.WETH,
			ROSE:        cfg.Contracts.ROSE,
			VROSE:       cfg.Contracts.VROSE,
			Marketplace: cfg.Contracts.Marketplace,
			Governance:  cfg.Contracts.Governance,
			Treasury:    cfg.Contracts.Treasury,
		},
	}, api.Deps{
		Store:    store,
		Issuer:   credential.NewIssuer(store, keys),
		Gate:     gate,
		Chains:   chains,
		Executor: executor,
		Signer:   signerClient,
		Limiter:  limiter,
	})
	if err != nil {
		return err
	}

	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			log.Info("Starting metrics server", "metricsAddress", addr)
			if err := metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	log.Info("MoltArb running",
		"address", cfg.Server.Address,
		"chain", chains.DefaultName(),
		"storage", cfg.Storage.Driver,
		"rate_limit", cfg.RateLimit.Backend,
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func migrate(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Storage.Driver == "memory" {
		logger.L().Info("memory 存储无需迁移")
		return nil
	}
	_, closeStore, err := openStore(cCtx.Context, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.L().Info("迁移完成", "driver", cfg.Storage.Driver)
	return nil
}

func genSecret(cCtx *cli.Context) error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("生成随机密钥失败: %w", err)
	}
	fmt.Fprintf(cCtx.App.Writer, "ENCRYPTION_KEY=%s\n", hex.EncodeToString(buf))
	return nil
}

// openStore 按驱动打开凭证存储，mysql 先执行迁移，其余驱动在打开时建表。
func openStore(ctx context.Context, cfg *config.Config) (credential.Store, func(), error) {
	noop := func() {}
	switch cfg.Storage.Driver {
	case "memory":
		return credential.NewMemoryStore(), noop, nil
	case "mysql":
		mysqlCfg := mysql.Config{
			DSN:          cfg.Storage.DSN,
			MaxOpenConns: cfg.Storage.MaxOpenConns,
		}
		if err := mysql.Migrate(ctx, mysqlCfg); err != nil {
			return nil, nil, err
		}
		store, err := mysql.NewCredentialStore(ctx, mysqlCfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		store, err := postgres.NewCredentialStore(ctx, postgres.Config{
			URL:      cfg.Storage.DSN,
			MaxConns: int32(cfg.Storage.MaxOpenConns),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, err := sqlite.NewCredentialStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, func(), error) {
	switch cfg.RateLimit.Backend {
	case "redis":
		limiter, client, err := storageredis.NewLimiter(ctx, storageredis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return limiter, func() { _ = client.Close() }, nil
	default:
		memory := ratelimit.NewMemory()
		go memory.Run(ctx, cfg.RateLimit.SweepInterval.Std())
		return memory, func() {}, nil
	}
}

func openChains(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	defs := web3.DefaultChainDefinitions(cfg.Web3.RPCURL, cfg.Web3.BaseRPCURL)
	defaultChain := cfg.Web3.DefaultChain
	if cfg.Web3.ChainsFile != "" {
		loaded, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
		if err != nil {
			return nil, err
		}
		defs = loaded
		if loaded.Default != "" {
			defaultChain = loaded.Default
		}
	}
	return provider.NewRegistry(ctx, defs, defaultChain, cfg.Web3.DialTimeout.Std())
}
