package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level  string
	Format string
	// OutputPaths accepts "stdout", "stderr" or file paths. Files are rotated.
	OutputPaths []string
	Rotation    Rotation
	Audit       AuditConfig
}

// AuditConfig controls the dedicated audit log. It is always JSON.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Rotation 控制文件输出的滚动策略，零值使用默认值。
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 7
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 30
	}
	return r
}

// sensitiveKeys never reach a log sink with their value intact.
var sensitiveKeys = map[string]struct{}{
	"api_key":        {},
	"apikey":         {},
	"authorization":  {},
	"private_key":    {},
	"privatekey":     {},
	"encryption_key": {},
	"secret":         {},
	"external_key":   {},
}

type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *state
)

// Init 构建全局日志实例并替换 slog 默认 logger。重复调用会关闭旧的文件输出。
func Init(cfg Config) error {
	next := &state{}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true, ReplaceAttr: redact}

	sink, err := next.sink(cfg.OutputPaths, cfg.Rotation)
	if err != nil {
		next.close()
		return err
	}
	if strings.EqualFold(cfg.Format, "text") {
		next.app = slog.New(slog.NewTextHandler(sink, opts))
	} else {
		next.app = slog.New(slog.NewJSONHandler(sink, opts))
	}

	next.audit = next.app
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			next.close()
			return errors.New("audit log path cannot be empty when enabled")
		}
		w, err := next.file(cfg.Audit.Path, Rotation{
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		})
		if err != nil {
			next.close()
			return err
		}
		next.audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redact}))
	}

	mu.Lock()
	previous := current
	current = next
	mu.Unlock()
	slog.SetDefault(next.app)

	if previous != nil {
		return previous.close()
	}
	return nil
}

// sink 合并所有输出目标，未配置时写 stdout。
func (s *state) sink(outputs []string, rotation Rotation) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			w, err := s.file(out, rotation)
			if err != nil {
				return nil, err
			}
			writers = append(writers, w)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func (s *state) file(path string, rotation Rotation) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", path, err)
	}
	w := newRotatingWriter(path, rotation)
	s.closers = append(s.closers, w)
	return w, nil
}

func (s *state) close() error {
	var err error
	for _, c := range s.closers {
		err = errors.Join(err, c.Close())
	}
	s.closers = nil
	return err
}

func newRotatingWriter(path string, rotation Rotation) *lumberjack.Logger {
	rotation = rotation.withDefaults()
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   true,
	}
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if level == "warning" {
		level = "warn"
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func redact(_ []string, attr slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(attr.Key)]; ok {
		return slog.String(attr.Key, MaskToken(attr.Value.String()))
	}
	return attr
}

// MaskToken 只保留命名空间前缀和末尾四位。
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	prefix := ""
	if idx := strings.IndexByte(token, '_'); idx > 0 && idx < 16 {
		prefix = token[:idx+1]
	}
	rest := strings.TrimPrefix(token, prefix)
	if len(rest) <= 4 {
		return prefix + "****"
	}
	return prefix + "****" + rest[len(rest)-4:]
}

func loaded() *state {
	mu.RLock()
	s := current
	mu.RUnlock()
	if s != nil {
		return s
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L returns the application logger, initialising a stdout JSON logger on first use.
func L() *slog.Logger {
	return loaded().app
}

// Audit returns the audit logger. Without a dedicated audit file it is L().
func Audit() *slog.Logger {
	return loaded().audit
}

// Named returns a child logger tagged with a component name.
func Named(name string) *slog.Logger {
	return L().With("component", name)
}

// Sync 关闭当前的文件输出，进程退出前调用。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	return current.close()
}
