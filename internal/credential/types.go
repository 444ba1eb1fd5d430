// Package credential 定义托管凭证记录及其存储契约。
//
// 每个 Agent 对应一条记录：API Key 与链上地址各自全局唯一，私钥仅以密文形式保存。
// 记录在正常流程中不会被删除。
package credential

import (
	"context"
	"strings"
	"time"

	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/vault"
)

var (
	// ErrNotFound 表示按 API Key 或地址未找到记录。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "credential not found")
	// ErrConflict 表示 API Key 或地址与已有记录冲突。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "credential already exists")
)

// Record 为一条持久化的托管凭证。
type Record struct {
	ID           int64
	APIKey       string
	Label        *string
	Address      string
	EncryptedKey string
	IV           string
	AuthTag      string
	ExternalKey  *string
	CreatedAt    time.Time
}

// Sealed 返回用于解密的密文三元组。
func (r *Record) Sealed() vault.Sealed {
	return vault.Sealed{Ciphertext: r.EncryptedKey, IV: r.IV, AuthTag: r.AuthTag}
}

// HasExternalKey 判断是否已完成外部签名服务注册。
func (r *Record) HasExternalKey() bool {
	return r != nil && r.ExternalKey != nil && *r.ExternalKey != ""
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Label != nil {
		label := *r.Label
		clone.Label = &label
	}
	if r.ExternalKey != nil {
		key := *r.ExternalKey
		clone.ExternalKey = &key
	}
	return &clone
}

// Store 抽象凭证存储。实现必须支持并发的点查与单行更新。
type Store interface {
	FindByAPIKey(ctx context.Context, apiKey string) (*Record, error)
	FindByAddress(ctx context.Context, address string) (*Record, error)
	// Create 写入新记录并回填 ID 与 CreatedAt。
	Create(ctx context.Context, record *Record) error
	// SetExternalKey 覆盖外部签名服务凭证，重复调用结果一致。
	SetExternalKey(ctx context.Context, id int64, key string) error
}

// NormalizeAddress 统一地址大小写，保证查询一致。
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
