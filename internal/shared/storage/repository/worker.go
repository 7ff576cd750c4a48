// Package repository Worker 相关的存储操作
package repository

import (
	"context"
	"fmt"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/storage/dbutil"
)

const workerColumns = `id, name, group_id, description, cpu_free, memory_free, disk_read, disk_write,
	net_send, net_rev, running_tasks, status, refresh_time, registered_at, dead_at`

// UpsertWorker 更新或插入工作节点
func (s *Store) UpsertWorker(ctx context.Context, w *model.Worker) error {
	conflict := s.dialect.UpsertConflict("id", dbutil.ExcludedAll(
		"name", "group_id", "description", "cpu_free", "memory_free", "disk_read", "disk_write",
		"net_send", "net_rev", "running_tasks", "status", "refresh_time", "registered_at", "dead_at",
	))
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO workers (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		%s
	`, workerColumns, conflict))
	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.Name, w.GroupID, w.Desc, w.CPUFree, w.MemoryFree, w.DiskRead, w.DiskWrite,
		w.NetSend, w.NetRev, w.RunningTasks, string(w.Status), w.RefreshTime, w.RegisteredAt, w.DeadAt)
	return err
}

// DeleteWorker 删除工作节点
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM workers WHERE id = $1`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// ListWorkers 列出所有工作节点
func (s *Store) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers ORDER BY registered_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w := &model.Worker{}
		var desc *string
		if err := rows.Scan(&w.ID, &w.Name, &w.GroupID, &desc, &w.CPUFree, &w.MemoryFree,
			&w.DiskRead, &w.DiskWrite, &w.NetSend, &w.NetRev, &w.RunningTasks,
			&w.Status, &w.RefreshTime, &w.RegisteredAt, &w.DeadAt); err != nil {
			return nil, err
		}
		if desc != nil {
			w.Desc = *desc
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
