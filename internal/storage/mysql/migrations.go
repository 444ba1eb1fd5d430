package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"MoltArb/deploy/migrations"
)

var embeddedMigrations fs.FS = migrations.Files

const (
	createLedgerSQL = `CREATE TABLE IF NOT EXISTS moltarb_schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at BIGINT NOT NULL
)`
	selectLedgerSQL = `SELECT version FROM moltarb_schema_migrations`
	insertLedgerSQL = `INSERT INTO moltarb_schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`
)

// migration 是一个内嵌的 SQL 脚本，文件名形如 0001_create_agents.sql。
type migration struct {
	version    string
	name       string
	statements []string
}

// Migrate 连接数据库并按版本顺序执行尚未应用的内嵌迁移。
func Migrate(ctx context.Context, cfg Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return runMigrations(ctx, db)
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	all, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, createLedgerSQL); err != nil {
		return fmt.Errorf("创建迁移记录表失败: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range all {
		if applied[m.version] {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectLedgerSQL)
	if err != nil {
		return nil, fmt.Errorf("查询迁移记录失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析迁移记录失败: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// apply 在单个事务内执行脚本并写入记录。MySQL 的 DDL 会隐式提交，失败时需要人工检查。
func apply(ctx context.Context, db *sql.DB, m migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, err)
		}
	}
	if _, err = tx.ExecContext(ctx, insertLedgerSQL, m.version, m.name, time.Now().Unix()); err != nil {
		return fmt.Errorf("记录迁移 %s 失败: %w", m.name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", m.name, err)
	}
	return nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, migration{
			version:    migrationVersion(name),
			name:       name,
			statements: statements,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	version, _, _ := strings.Cut(base, "_")
	return version
}
