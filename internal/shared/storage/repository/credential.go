// Package repository Credential 与任务日志的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/storage"
)

// CreateCredential 创建凭据
func (s *Store) CreateCredential(ctx context.Context, c *model.Credential) error {
	query := s.rebind(`
		INSERT INTO worker_credentials (worker_id, name, password_hash, params, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	_, err := s.db.ExecContext(ctx, query, c.WorkerID, c.Name, c.PasswordHash, nullJSON(c.Params), c.CreatedAt)
	return s.translate(err)
}

// GetCredentialByName 按名称获取凭据
func (s *Store) GetCredentialByName(ctx context.Context, name string) (*model.Credential, error) {
	query := s.rebind(`SELECT worker_id, name, password_hash, params, created_at FROM worker_credentials WHERE name = $1`)
	c := &model.Credential{}
	var params sql.NullString
	err := s.db.QueryRowContext(ctx, query, name).Scan(&c.WorkerID, &c.Name, &c.PasswordHash, &params, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if params.Valid {
		c.Params = []byte(params.String)
	}
	return c, nil
}

// AppendLog 追加任务日志
func (s *Store) AppendLog(ctx context.Context, e *model.LogEntry) error {
	query := s.rebind(`
		INSERT INTO task_logs (id, task_id, worker_id, level, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	_, err := s.db.ExecContext(ctx, query, e.ID, e.TaskID, e.WorkerID, string(e.Level), e.Content, e.CreatedAt)
	return s.translate(err)
}

// ListLogs 按时间顺序列出任务日志
func (s *Store) ListLogs(ctx context.Context, taskID string) ([]*model.LogEntry, error) {
	query := s.rebind(`SELECT id, task_id, worker_id, level, content, created_at
		FROM task_logs WHERE task_id = $1 ORDER BY created_at, id`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*model.LogEntry{}
	for rows.Next() {
		e := &model.LogEntry{}
		if err := rows.Scan(&e.ID, &e.TaskID, &e.WorkerID, &e.Level, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
