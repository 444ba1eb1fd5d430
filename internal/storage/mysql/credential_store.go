package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"MoltArb/internal/credential"
	xerrors "MoltArb/internal/errors"
)

const errDuplicateEntry = 1062

const selectAgentColumns = `SELECT id, api_key, label, address, encrypted_key, iv, auth_tag, rose_api_key, created_at FROM agents`

var _ credential.Store = (*CredentialStore)(nil)

// CredentialStore 基于 MySQL 的凭证存储。
type CredentialStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewCredentialStore 建立连接池并执行迁移。
func NewCredentialStore(ctx context.Context, cfg Config) (*CredentialStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &CredentialStore{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection pool.
func (s *CredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping 用于就绪探针。
func (s *CredentialStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindByAPIKey implements credential.Store.
func (s *CredentialStore) FindByAPIKey(ctx context.Context, apiKey string) (*credential.Record, error) {
	row := s.db.QueryRowContext(ctx, selectAgentColumns+` WHERE api_key = ?`, apiKey)
	return scanRecord(row)
}

// FindByAddress implements credential.Store.
func (s *CredentialStore) FindByAddress(ctx context.Context, address string) (*credential.Record, error) {
	row := s.db.QueryRowContext(ctx, selectAgentColumns+` WHERE address = ?`, credential.NormalizeAddress(address))
	return scanRecord(row)
}

// Create implements credential.Store.
func (s *CredentialStore) Create(ctx context.Context, record *credential.Record) error {
	createdAt := s.now().UTC()
	address := credential.NormalizeAddress(record.Address)
	const query = `INSERT INTO agents
    (api_key, label, address, encrypted_key, iv, auth_tag, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query,
		record.APIKey, nullString(record.Label), address,
		record.EncryptedKey, record.IV, record.AuthTag, createdAt,
	)
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
			return credential.ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入凭证失败")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取凭证 ID 失败")
	}
	record.ID = id
	record.Address = address
	record.CreatedAt = createdAt
	return nil
}

// SetExternalKey implements credential.Store.
func (s *CredentialStore) SetExternalKey(ctx context.Context, id int64, key string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agents SET rose_api_key = ? WHERE id = ?`, key, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新外部凭证失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	// MySQL 对未变化的行返回 0，需要区分"值相同"与"记录不存在"。
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.ErrNotFound
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询凭证失败")
	}
	return nil
}

func scanRecord(row *sql.Row) (*credential.Record, error) {
	var (
		record      credential.Record
		label       sql.NullString
		externalKey sql.NullString
	)
	err := row.Scan(
		&record.ID, &record.APIKey, &label, &record.Address,
		&record.EncryptedKey, &record.IV, &record.AuthTag, &externalKey, &record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, credential.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, fmt.Errorf("查询凭证失败: %w", err), "")
	}
	if label.Valid {
		record.Label = &label.String
	}
	if externalKey.Valid {
		record.ExternalKey = &externalKey.String
	}
	return &record, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
