package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"MoltArb/internal/credential"
	xerrors "MoltArb/internal/errors"
)

const selectAgentColumns = `SELECT id, api_key, label, address, encrypted_key, iv, auth_tag, rose_api_key, created_at FROM agents`

var _ credential.Store = (*CredentialStore)(nil)

// CredentialStore 基于 SQLite 的凭证存储。
type CredentialStore struct {
	db  *DB
	now func() time.Time
}

// NewCredentialStore 在已打开的数据库上执行迁移并返回存储。
func NewCredentialStore(db *DB) (*CredentialStore, error) {
	if err := RunMigrations(db.Writer); err != nil {
		return nil, err
	}
	return &CredentialStore{db: db, now: time.Now}, nil
}

// Close closes both connection pools.
func (s *CredentialStore) Close() error {
	return s.db.Close()
}

// Ping 用于就绪探针。
func (s *CredentialStore) Ping(ctx context.Context) error {
	return s.db.Reader.PingContext(ctx)
}

// FindByAPIKey implements credential.Store.
func (s *CredentialStore) FindByAPIKey(ctx context.Context, apiKey string) (*credential.Record, error) {
	return scanRecord(s.db.Reader.QueryRowContext(ctx, selectAgentColumns+` WHERE api_key = ?`, apiKey))
}

// FindByAddress implements credential.Store.
func (s *CredentialStore) FindByAddress(ctx context.Context, address string) (*credential.Record, error) {
	return scanRecord(s.db.Reader.QueryRowContext(ctx, selectAgentColumns+` WHERE address = ?`, credential.NormalizeAddress(address)))
}

// Create implements credential.Store.
func (s *CredentialStore) Create(ctx context.Context, record *credential.Record) error {
	createdAt := s.now().UTC().Truncate(time.Microsecond)
	address := credential.NormalizeAddress(record.Address)
	const query = `INSERT INTO agents (api_key, label, address, encrypted_key, iv, auth_tag, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
	var label sql.NullString
	if record.Label != nil {
		label = sql.NullString{String: *record.Label, Valid: true}
	}
	result, err := s.db.Writer.ExecContext(ctx, query,
		record.APIKey, label, address, record.EncryptedKey, record.IV, record.AuthTag, createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
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
	result, err := s.db.Writer.ExecContext(ctx, `UPDATE agents SET rose_api_key = ? WHERE id = ?`, key, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新外部凭证失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		return credential.ErrNotFound
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询凭证失败")
	}
	if label.Valid {
		record.Label = &label.String
	}
	if externalKey.Valid {
		record.ExternalKey = &externalKey.String
	}
	return &record, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
