// Package postgres PostgreSQL 数据库驱动
//
// 提供 PostgreSQL 连接管理、方言实现和自动 Schema 迁移。
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"angel-master/internal/shared/storage/dbutil"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// uniqueViolation PostgreSQL 唯一约束冲突错误码
const uniqueViolation = "23505"

// Dialect PostgreSQL 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverPostgres
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.RebindToPositional(query)
}

func (d *Dialect) CurrentTimestamp() string {
	return "NOW()"
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.OnConflictUpdate(conflictColumn, updateExprs)
}

func (d *Dialect) IsDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (d *Dialect) AutoMigrate(ctx context.Context, db *sql.DB) error {
	return dbutil.ExecStatements(ctx, db, schema)
}

// Open 创建 PostgreSQL 数据库连接
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewDialect 创建 PostgreSQL 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

const schema = `
CREATE TABLE IF NOT EXISTS workers (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    group_id VARCHAR(128) NOT NULL,
    description TEXT,
    cpu_free DOUBLE PRECISION DEFAULT 0,
    memory_free BIGINT DEFAULT 0,
    disk_read BIGINT DEFAULT 0,
    disk_write BIGINT DEFAULT 0,
    net_send BIGINT DEFAULT 0,
    net_rev BIGINT DEFAULT 0,
    running_tasks INTEGER DEFAULT 0,
    status VARCHAR(32) NOT NULL,
    refresh_time TIMESTAMPTZ NOT NULL,
    registered_at TIMESTAMPTZ NOT NULL,
    dead_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS job_groups (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    pending_count INTEGER DEFAULT 0,
    running_count INTEGER DEFAULT 0,
    done_count INTEGER DEFAULT 0,
    failed_count INTEGER DEFAULT 0,
    total_count INTEGER DEFAULT 0,
    done_time TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
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
    runtime_ms BIGINT DEFAULT 0,
    done_time TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    seq BIGINT NOT NULL UNIQUE,
    task_group_id VARCHAR(64) NOT NULL REFERENCES task_groups(id) ON DELETE CASCADE,
    job_group_id VARCHAR(64) NOT NULL,
    group_id VARCHAR(128) NOT NULL,
    name VARCHAR(200),
    payload TEXT,
    state VARCHAR(32) NOT NULL,
    assigned_worker_id VARCHAR(64),
    assigned_time TIMESTAMPTZ,
    started_time TIMESTAMPTZ,
    retry_count INTEGER DEFAULT 0,
    done_time TIMESTAMPTZ,
    exit_state INTEGER,
    fail_reason VARCHAR(32),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_job_group ON tasks(job_group_id);

CREATE TABLE IF NOT EXISTS worker_credentials (
    worker_id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200) NOT NULL UNIQUE,
    password_hash VARCHAR(200) NOT NULL,
    params TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS task_logs (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    worker_id VARCHAR(64) NOT NULL,
    level VARCHAR(16) NOT NULL,
    content TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, created_at)
`
