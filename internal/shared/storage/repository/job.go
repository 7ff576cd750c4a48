// Package repository JobGroup/TaskGroup/Task 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/storage"
	"angel-master/internal/shared/storage/dbutil"
)

const (
	jobGroupColumns = `id, name, pending_count, running_count, done_count, failed_count, total_count,
	done_time, created_at, updated_at`
	taskGroupColumns = `id, job_group_id, group_id, name, pending_count, running_count, done_count,
	failed_count, total_count, state, runtime_ms, done_time, created_at`
	taskColumns = `id, seq, task_group_id, job_group_id, group_id, name, payload, state,
	assigned_worker_id, assigned_time, started_time, retry_count, done_time, exit_state, fail_reason,
	created_at, updated_at`
)

// CreateJobGroup 在一个事务内插入作业组、任务组和任务
func (s *Store) CreateJobGroup(ctx context.Context, changes *storage.TaskChangeSet) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.writeChanges(ctx, tx, changes, false)
	})
	return s.translate(err)
}

// CommitTaskChanges 在一个事务内覆盖写入状态转换结果
func (s *Store) CommitTaskChanges(ctx context.Context, changes *storage.TaskChangeSet) error {
	if changes.Empty() {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.writeChanges(ctx, tx, changes, true)
	})
}

func (s *Store) writeChanges(ctx context.Context, tx execer, changes *storage.TaskChangeSet, upsert bool) error {
	for _, jg := range changes.JobGroups {
		if err := s.writeJobGroup(ctx, tx, jg, upsert); err != nil {
			return fmt.Errorf("write job group %s: %w", jg.ID, err)
		}
	}
	for _, tg := range changes.TaskGroups {
		if err := s.writeTaskGroup(ctx, tx, tg, upsert); err != nil {
			return fmt.Errorf("write task group %s: %w", tg.ID, err)
		}
	}
	for _, t := range changes.Tasks {
		if err := s.writeTask(ctx, tx, t, upsert); err != nil {
			return fmt.Errorf("write task %s: %w", t.ID, err)
		}
	}
	return nil
}

func (s *Store) conflictClause(upsert bool, columns ...string) string {
	if !upsert {
		return ""
	}
	return s.dialect.UpsertConflict("id", dbutil.ExcludedAll(columns...))
}

func (s *Store) writeJobGroup(ctx context.Context, tx execer, jg *model.JobGroup, upsert bool) error {
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO job_groups (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		%s
	`, jobGroupColumns, s.conflictClause(upsert,
		"name", "pending_count", "running_count", "done_count", "failed_count", "total_count",
		"done_time", "updated_at")))
	_, err := tx.ExecContext(ctx, query,
		jg.ID, jg.Name, jg.PendingCount, jg.RunningCount, jg.DoneCount, jg.FailedCount, jg.TotalCount,
		jg.DoneTime, jg.CreatedAt, jg.UpdatedAt)
	return err
}

func (s *Store) writeTaskGroup(ctx context.Context, tx execer, tg *model.TaskGroup, upsert bool) error {
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO task_groups (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		%s
	`, taskGroupColumns, s.conflictClause(upsert,
		"pending_count", "running_count", "done_count", "failed_count", "total_count",
		"state", "runtime_ms", "done_time")))
	_, err := tx.ExecContext(ctx, query,
		tg.ID, tg.JobGroupID, tg.GroupID, tg.Name, tg.PendingCount, tg.RunningCount, tg.DoneCount,
		tg.FailedCount, tg.TotalCount, string(tg.State), tg.RuntimeMs, tg.DoneTime, tg.CreatedAt)
	return err
}

func (s *Store) writeTask(ctx context.Context, tx execer, t *model.Task, upsert bool) error {
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO tasks (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		%s
	`, taskColumns, s.conflictClause(upsert,
		"state", "assigned_worker_id", "assigned_time", "started_time", "retry_count",
		"done_time", "exit_state", "fail_reason", "updated_at")))
	_, err := tx.ExecContext(ctx, query,
		t.ID, t.Seq, t.TaskGroupID, t.JobGroupID, t.GroupID, t.Name, nullJSON(t.Payload), string(t.State),
		nullString(t.AssignedWorkerID), t.AssignedTime, t.StartedTime, t.RetryCount, t.DoneTime,
		t.ExitState, string(t.FailReason), t.CreatedAt, t.UpdatedAt)
	return err
}

// DeleteJobGroup 删除作业组及其任务组、任务
func (s *Store) DeleteJobGroup(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE job_group_id = $1`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM task_groups WHERE job_group_id = $1`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM job_groups WHERE id = $1`), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// LoadJobs 加载全部作业数据
func (s *Store) LoadJobs(ctx context.Context) (*storage.JobSnapshot, error) {
	snap := &storage.JobSnapshot{}

	jgs, err := s.loadJobGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("load job groups: %w", err)
	}
	tgs, err := s.loadTaskGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("load task groups: %w", err)
	}
	tasks, err := s.loadTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	byID := make(map[string]*model.JobGroup, len(jgs))
	for _, jg := range jgs {
		jg.TaskGroupIDs = []string{}
		byID[jg.ID] = jg
	}
	for _, tg := range tgs {
		if jg, ok := byID[tg.JobGroupID]; ok {
			jg.TaskGroupIDs = append(jg.TaskGroupIDs, tg.ID)
		}
	}

	snap.JobGroups, snap.TaskGroups, snap.Tasks = jgs, tgs, tasks
	return snap, nil
}

func (s *Store) loadJobGroups(ctx context.Context) ([]*model.JobGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobGroupColumns+` FROM job_groups ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.JobGroup
	for rows.Next() {
		jg := &model.JobGroup{}
		var name sql.NullString
		if err := rows.Scan(&jg.ID, &name, &jg.PendingCount, &jg.RunningCount, &jg.DoneCount,
			&jg.FailedCount, &jg.TotalCount, &jg.DoneTime, &jg.CreatedAt, &jg.UpdatedAt); err != nil {
			return nil, err
		}
		jg.Name = name.String
		out = append(out, jg)
	}
	return out, rows.Err()
}

func (s *Store) loadTaskGroups(ctx context.Context) ([]*model.TaskGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskGroupColumns+` FROM task_groups ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TaskGroup
	for rows.Next() {
		tg := &model.TaskGroup{}
		var name sql.NullString
		if err := rows.Scan(&tg.ID, &tg.JobGroupID, &tg.GroupID, &name, &tg.PendingCount,
			&tg.RunningCount, &tg.DoneCount, &tg.FailedCount, &tg.TotalCount, &tg.State,
			&tg.RuntimeMs, &tg.DoneTime, &tg.CreatedAt); err != nil {
			return nil, err
		}
		tg.Name = name.String
		out = append(out, tg)
	}
	return out, rows.Err()
}

func (s *Store) loadTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// scanTask 辅助函数：从数据库行扫描 Task
func scanTask(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Task, error) {
	t := &model.Task{}
	var name, payload, worker, failReason sql.NullString
	err := scanner.Scan(&t.ID, &t.Seq, &t.TaskGroupID, &t.JobGroupID, &t.GroupID, &name, &payload,
		&t.State, &worker, &t.AssignedTime, &t.StartedTime, &t.RetryCount, &t.DoneTime,
		&t.ExitState, &failReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Name = name.String
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	t.AssignedWorkerID = worker.String
	t.FailReason = model.FailReason(failReason.String)
	return t, nil
}
