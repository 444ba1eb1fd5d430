// Package sqlite 提供单机部署使用的 SQLite 凭证存储。
//
// 写连接限制为 1，读连接池最多 4 个，开启 WAL 以支持并发点查。
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB 同时持有读写两个连接池。
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
}

// Open 打开数据库文件并设置 WAL、busy_timeout 等参数。
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
	)
	return openDSN(dsn, 4)
}

func openDSN(dsn string, readers int) (*DB, error) {
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 写连接失败: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("无法连接 SQLite: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("打开 SQLite 读连接失败: %w", err)
	}
	reader.SetMaxOpenConns(readers)
	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("无法连接 SQLite: %w", err)
	}
	return &DB{Writer: writer, Reader: reader}, nil
}

// Close 关闭读写连接，返回遇到的第一个错误。
func (db *DB) Close() error {
	var firstErr error
	if err := db.Reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}
	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}
	return firstErr
}
