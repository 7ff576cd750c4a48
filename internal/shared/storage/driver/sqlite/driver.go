// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 默认持久化后端，同时用于测试。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"angel-master/internal/shared/storage/dbutil"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.OnConflictUpdate(conflictColumn, updateExprs)
}

func (d *Dialect) IsDuplicateKey(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (d *Dialect) AutoMigrate(ctx context.Context, db *sql.DB) error {
	return dbutil.ExecStatements(ctx, db, schema)
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:master.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// 单写者：:memory: 库每个连接互相独立，文件库也避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（与 PostgreSQL 版本字段一致）
const schema = `
CREATE TABLE IF NOT EXISTS workers (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    group_id VARCHAR(128) NOT NULL,
    description TEXT,
    cpu_free REAL DEFAULT 0,
    memory_free INTEGER DEFAULT 0,
    disk_read INTEGER DEFAULT 0,
    disk_write INTEGER DEFAULT 0,
    net_send INTEGER DEFAULT 0,
    net_rev INTEGER DEFAULT 0,
    running_tasks INTEGER DEFAULT 0,
    status VARCHAR(32) NOT NULL,
    refresh_time DATETIME NOT NULL,
    registered_at DATETIME NOT NULL,
    dead_at DATETIME
);

CREATE TABLE IF NOT EXISTS job_groups (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    pending_count INTEGER DEFAULT 0,
    running_count INTEGER DEFAULT 0,
    done_count INTEGER DEFAULT 0,
    failed_count INTEGER DEFAULT 0,
    total_count INTEGER DEFAULT 0,
    done_time DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_groups (
    id VARCHAR(64) PRIMARY KEY,
    job_group_id VARCHAR(64) NOT NULL REFERENCES job_groups(id) ON DELETE CASCADE,
    group_id VARCHAR(128) NOT NULL,
    name VARCHAR(200),
    pending_count INTEGER DEFAULT 0,
    running_count INTEGER DEFAULT 0,
    done_count INTEGER DEFAULT 0,
    failed_count INTEGER DEFAULT 0,
    total_count INTEGER DEFAULT 0,
    state VARCHAR(32) NOT NULL,
    runtime_ms INTEGER DEFAULT 0,
    done_time DATETIME,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    task_group_id VARCHAR(64) NOT NULL REFERENCES task_groups(id) ON DELETE CASCADE,
    job_group_id VARCHAR(64) NOT NULL,
    group_id VARCHAR(128) NOT NULL,
    name VARCHAR(200),
    payload TEXT,
    state VARCHAR(32) NOT NULL,
    assigned_worker_id VARCHAR(64),
    assigned_time DATETIME,
    started_time DATETIME,
    retry_count INTEGER DEFAULT 0,
    done_time DATETIME,
    exit_state INTEGER,
    fail_reason VARCHAR(32),
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_job_group ON tasks(job_group_id);

CREATE TABLE IF NOT EXISTS worker_credentials (
    worker_id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200) NOT NULL UNIQUE,
    password_hash VARCHAR(200) NOT NULL,
    params TEXT,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_logs (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    worker_id VARCHAR(64) NOT NULL,
    level VARCHAR(16) NOT NULL,
    content TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, created_at)
`
