package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 描述了服务在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Security     SecurityConfig     `json:"-"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
	Web3         Web3Config         `json:"web3"`
	Signer       SignerConfig       `json:"signer"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Events       EventsConfig       `json:"events"`
	Logging      LoggingConfig      `json:"logging"`
	Alerting     AlertingConfig     `json:"alerting"`
	Contracts    ContractsConfig    `json:"contracts"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address          string   `json:"address"`
	MetricsAddress   string   `json:"metrics_address"`
	EnablePprof      bool     `json:"enable_pprof"`
	ReadTimeout      Duration `json:"read_timeout"`
	WriteTimeout     Duration `json:"write_timeout"`
	DrainDuration    Duration `json:"drain_duration"`
	GracefulShutdown Duration `json:"graceful_shutdown"`
}

// StorageConfig 描述凭证存储后端。
type StorageConfig struct {
	Driver       string      `json:"driver"`
	DSN          string      `json:"dsn"`
	SQLitePath   string      `json:"sqlite_path"`
	MaxOpenConns int         `json:"max_open_conns"`
	Redis        RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SecurityConfig 只从环境变量读取，避免密钥出现在配置文件中。
type SecurityConfig struct {
	EncryptionKey string
}

// RateLimitConfig 控制敏感接口的固定窗口限流。
type RateLimitConfig struct {
	Backend       string   `json:"backend"`
	Max           int      `json:"max"`
	Window        Duration `json:"window"`
	SweepInterval Duration `json:"sweep_interval"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	ChainsFile   string   `json:"chains_file"`
	DefaultChain string   `json:"default_chain"`
	RPCURL       string   `json:"rpc_url"`
	BaseRPCURL   string   `json:"base_rpc_url"`
	DialTimeout  Duration `json:"dial_timeout"`
}

// SignerConfig 描述外部签名服务。
type SignerConfig struct {
	BaseURL           string   `json:"base_url"`
	Timeout           Duration `json:"timeout"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	Burst             int      `json:"burst"`
}

// OrchestratorConfig 控制交易确认等待。
type OrchestratorConfig struct {
	ConfirmTimeout Duration `json:"confirm_timeout"`
	PollInterval   Duration `json:"poll_interval"`
}

// EventsConfig 描述编排结果事件的投递目标，URL 为空时只写日志。
type EventsConfig struct {
	RabbitMQURL string `json:"rabbitmq_url"`
	Exchange    string `json:"exchange"`
	RoutingKey  string `json:"routing_key"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level     string   `json:"level"`
	Format    string   `json:"format"`
	Outputs   []string `json:"outputs"`
	AuditPath string   `json:"audit_path"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// ContractsConfig 为余额查询与转账使用的代币及协议合约地址。
type ContractsConfig struct {
	USDC        string `json:"usdc"`
	WETH        string `json:"weth"`
	ROSE        string `json:"rose"`
	VROSE       string `json:"vrose"`
	Marketplace string `json:"marketplace"`
	Governance  string `json:"governance"`
	Treasury    string `json:"treasury"`
}

// Duration 支持 "30s" 形式的字符串或毫秒数。
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value) * time.Millisecond)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("无效的时长: %v", raw)
	}
	return nil
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default 返回仅包含默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// LoadEnvFile 将 .env 文件中的变量加载到进程环境，已存在的环境变量不会被覆盖。
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载环境变量文件失败: %w", err)
	}
	return nil
}

// ApplyEnv 使用环境变量覆盖配置，getenv 通常为 os.Getenv。
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, target *string) {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			*target = value
		}
	}
	var errs []error
	integer := func(key string, target *int) {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("环境变量 %s 不是整数: %w", key, err))
				return
			}
			*target = parsed
		}
	}

	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Server.Address = ":" + port
	}
	c.Security.EncryptionKey = getenv("ENCRYPTION_KEY")
	str("DATABASE_DRIVER", &c.Storage.Driver)
	str("DATABASE_URL", &c.Storage.DSN)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("REDIS_ADDR", &c.Storage.Redis.Address)
	str("REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("RATE_LIMIT_BACKEND", &c.RateLimit.Backend)
	integer("RATE_LIMIT_MAX", &c.RateLimit.Max)
	var windowMS int
	integer("RATE_LIMIT_WINDOW_MS", &windowMS)
	if windowMS > 0 {
		c.RateLimit.Window = Duration(time.Duration(windowMS) * time.Millisecond)
	}
	str("ARBITRUM_RPC_URL", &c.Web3.RPCURL)
	str("BASE_RPC_URL", &c.Web3.BaseRPCURL)
	str("CHAINS_FILE", &c.Web3.ChainsFile)
	str("SIGNER_URL", &c.Signer.BaseURL)
	str("RABBITMQ_URL", &c.Events.RabbitMQURL)
	str("ALERT_WEBHOOK_URL", &c.Alerting.WebhookURL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("USDC_ADDRESS", &c.Contracts.USDC)
	str("WETH_ADDRESS", &c.Contracts.WETH)
	str("ROSE_TOKEN", &c.Contracts.ROSE)
	str("VROSE_TOKEN", &c.Contracts.VROSE)
	str("MARKETPLACE", &c.Contracts.Marketplace)
	str("GOVERNANCE", &c.Contracts.Governance)
	str("TREASURY", &c.Contracts.Treasury)

	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	c.RateLimit.Backend = strings.ToLower(c.RateLimit.Backend)
	return errors.Join(errs...)
}

// Validate 在启动阶段尽早暴露配置错误。
func (c *Config) Validate() error {
	var errs []error
	if c.Security.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY 未配置"))
	} else if len(c.Security.EncryptionKey) < 32 {
		errs = append(errs, errors.New("ENCRYPTION_KEY 至少需要 32 个字符"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite 存储需要 sqlite_path"))
		}
	case "mysql", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("%s 存储需要 DATABASE_URL", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("redis 限流需要 REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的限流后端: %s", c.RateLimit.Backend))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("rate_limit.max 必须大于 0"))
	}
	if c.Web3.ChainsFile == "" && c.Web3.RPCURL == "" {
		errs = append(errs, errors.New("未配置链 RPC 地址"))
	}
	return errors.Join(errs...)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3001"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(30 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		// 多步交易需要逐笔等待确认，写超时需覆盖整段编排。
		c.Server.WriteTimeout = Duration(10 * time.Minute)
	}
	if c.Server.DrainDuration == 0 {
		c.Server.DrainDuration = Duration(15 * time.Second)
	}
	if c.Server.GracefulShutdown == 0 {
		c.Server.GracefulShutdown = Duration(30 * time.Second)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.SQLitePath != "" && !filepath.IsAbs(c.Storage.SQLitePath) {
		c.Storage.SQLitePath = filepath.Join(baseDir, c.Storage.SQLitePath)
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = Duration(time.Minute)
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = Duration(10 * time.Minute)
	}

	if c.Web3.DefaultChain == "" {
		c.Web3.DefaultChain = "arbitrum-one"
	}
	if c.Web3.RPCURL == "" {
		c.Web3.RPCURL = "https://arb1.arbitrum.io/rpc"
	}
	if c.Web3.BaseRPCURL == "" {
		c.Web3.BaseRPCURL = "https://mainnet.base.org"
	}
	if c.Web3.DialTimeout == 0 {
		c.Web3.DialTimeout = Duration(10 * time.Second)
	}
	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}

	if c.Signer.BaseURL == "" {
		c.Signer.BaseURL = "https://signer.rose-token.com"
	}
	if c.Signer.Timeout == 0 {
		c.Signer.Timeout = Duration(30 * time.Second)
	}
	if c.Signer.RequestsPerSecond == 0 {
		c.Signer.RequestsPerSecond = 5
	}
	if c.Signer.Burst == 0 {
		c.Signer.Burst = 10
	}

	if c.Orchestrator.ConfirmTimeout == 0 {
		c.Orchestrator.ConfirmTimeout = Duration(2 * time.Minute)
	}
	if c.Orchestrator.PollInterval == 0 {
		c.Orchestrator.PollInterval = Duration(time.Second)
	}

	if c.Events.Exchange == "" {
		c.Events.Exchange = "moltarb.events"
	}
	if c.Events.RoutingKey == "" {
		c.Events.RoutingKey = "orchestrator.outcome"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}

	if c.Contracts.USDC == "" {
		c.Contracts.USDC = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
	}
	if c.Contracts.WETH == "" {
		c.Contracts.WETH = "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"
	}
	if c.Contracts.ROSE == "" {
		c.Contracts.ROSE = "0x58F40E218774Ec9F1F6AC72b8EF5973cA04c53E6"
	}
	if c.Contracts.VROSE == "" {
		c.Contracts.VROSE = "0x5629A433717ae0C2314DF613B84b85e1D6218e66"
	}
	if c.Contracts.Marketplace == "" {
		c.Contracts.Marketplace = "0x5A79FffcF7a18c5e8Fd18f38288042b7518dda25"
	}
	if c.Contracts.Governance == "" {
		c.Contracts.Governance = "0xB6E71F5dC9a16733fF539f2CA8e36700bB3362B2"
	}
	if c.Contracts.Treasury == "" {
		c.Contracts.Treasury = "0x9ca13a886F8f9a6CBa8e48c5624DD08a49214B57"
	}
}
