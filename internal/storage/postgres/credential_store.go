// Package postgres 提供基于 PostgreSQL 的凭证存储，表结构与原有 agents 表保持一致。
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"MoltArb/internal/credential"
	xerrors "MoltArb/internal/errors"
)

const uniqueViolation = "23505"

const selectAgentColumns = `SELECT id, api_key, label, address, encrypted_key, iv, auth_tag, rose_api_key, created_at FROM agents`

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
    id SERIAL PRIMARY KEY,
    api_key VARCHAR(128) UNIQUE NOT NULL,
    label VARCHAR(255),
    address VARCHAR(42) UNIQUE NOT NULL,
    encrypted_key TEXT NOT NULL,
    iv VARCHAR(64) NOT NULL,
    auth_tag VARCHAR(64) NOT NULL,
    rose_api_key VARCHAR(255),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_api_key ON agents(api_key)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_address ON agents(address)`,
}

// pgxDB 是 pgxpool.Pool 的最小子集，便于测试替换。
type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ credential.Store = (*CredentialStore)(nil)

// Config 描述连接池参数。
type Config struct {
	URL             string
	MaxConns        int32
	ConnMaxLifetime time.Duration
}

// CredentialStore 基于 pgx 连接池的凭证存储。
type CredentialStore struct {
	db   pgxDB
	pool *pgxpool.Pool
}

// NewCredentialStore 建立连接池、校验连通性并确保表结构存在。
func NewCredentialStore(ctx context.Context, cfg Config) (*CredentialStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("PostgreSQL URL 不能为空")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL URL 失败: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("无法连接到 PostgreSQL: %w", err)
	}
	store := &CredentialStore{db: pool, pool: pool}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema 幂等地创建 agents 表及索引。
func (s *CredentialStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("初始化 agents 表失败: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *CredentialStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping 用于就绪探针。
func (s *CredentialStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// FindByAPIKey implements credential.Store.
func (s *CredentialStore) FindByAPIKey(ctx context.Context, apiKey string) (*credential.Record, error) {
	return scanRecord(s.db.QueryRow(ctx, selectAgentColumns+` WHERE api_key = $1`, apiKey))
}

// FindByAddress implements credential.Store.
func (s *CredentialStore) FindByAddress(ctx context.Context, address string) (*credential.Record, error) {
	return scanRecord(s.db.QueryRow(ctx, selectAgentColumns+` WHERE address = $1`, credential.NormalizeAddress(address)))
}

// Create implements credential.Store.
func (s *CredentialStore) Create(ctx context.Context, record *credential.Record) error {
	address := credential.NormalizeAddress(record.Address)
	const query = `INSERT INTO agents (api_key, label, address, encrypted_key, iv, auth_tag)
    VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	var (
		id        int64
		createdAt time.Time
	)
	err := s.db.QueryRow(ctx, query,
		record.APIKey, record.Label, address, record.EncryptedKey, record.IV, record.AuthTag,
	).Scan(&id, &createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return credential.ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入凭证失败")
	}
	record.ID = id
	record.Address = address
	record.CreatedAt = createdAt.UTC()
	return nil
}

// SetExternalKey implements credential.Store.
func (s *CredentialStore) SetExternalKey(ctx context.Context, id int64, key string) error {
	tag, err := s.db.Exec(ctx, `UPDATE agents SET rose_api_key = $1 WHERE id = $2`, key, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新外部凭证失败")
	}
	if tag.RowsAffected() == 0 {
		return credential.ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (*credential.Record, error) {
	var record credential.Record
	err := row.Scan(
		&record.ID, &record.APIKey, &record.Label, &record.Address,
		&record.EncryptedKey, &record.IV, &record.AuthTag, &record.ExternalKey, &record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, credential.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询凭证失败")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return &record, nil
}
