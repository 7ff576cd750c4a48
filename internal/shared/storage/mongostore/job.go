package mongostore

import (
	"context"
	"fmt"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func jobGroupKey(jg *model.JobGroup) string { return jg.ID }
func taskGroupKey(tg *model.TaskGroup) string { return tg.ID }
func taskKey(t *model.Task) string { return t.ID }

// CreateJobGroup 在一个事务内插入作业组、任务组和任务
func (s *Store) CreateJobGroup(ctx context.Context, changes *storage.TaskChangeSet) error {
	return s.withTransaction(ctx, func(ctx context.Context) error {
		if err := insertAll(ctx, s.col(ColJobGroups), changes.JobGroups...); err != nil {
			return fmt.Errorf("insert job groups: %w", err)
		}
		if err := insertAll(ctx, s.col(ColTaskGroups), changes.TaskGroups...); err != nil {
			return fmt.Errorf("insert task groups: %w", err)
		}
		if err := insertAll(ctx, s.col(ColTasks), changes.Tasks...); err != nil {
			return fmt.Errorf("insert tasks: %w", err)
		}
		return nil
	})
}

// CommitTaskChanges 在一个事务内覆盖写入状态转换结果
func (s *Store) CommitTaskChanges(ctx context.Context, changes *storage.TaskChangeSet) error {
	if changes.Empty() {
		return nil
	}
	return s.withTransaction(ctx, func(ctx context.Context) error {
		if err := upsertAll(ctx, s.col(ColJobGroups), jobGroupKey, changes.JobGroups...); err != nil {
			return fmt.Errorf("write job groups: %w", err)
		}
		if err := upsertAll(ctx, s.col(ColTaskGroups), taskGroupKey, changes.TaskGroups...); err != nil {
			return fmt.Errorf("write task groups: %w", err)
		}
		if err := upsertAll(ctx, s.col(ColTasks), taskKey, changes.Tasks...); err != nil {
			return fmt.Errorf("write tasks: %w", err)
		}
		return nil
	})
}

// DeleteJobGroup 删除作业组及其任务组、任务，作业组不存在时返回 storage.ErrNotFound
func (s *Store) DeleteJobGroup(ctx context.Context, id string) error {
	return s.withTransaction(ctx, func(ctx context.Context) error {
		byJG := bson.D{{Key: "job_group_id", Value: id}}
		if _, err := s.col(ColTasks).DeleteMany(ctx, byJG); err != nil {
			return wrapError(err)
		}
		if _, err := s.col(ColTaskGroups).DeleteMany(ctx, byJG); err != nil {
			return wrapError(err)
		}
		res, err := s.col(ColJobGroups).DeleteOne(ctx, byID(id))
		if err != nil {
			return wrapError(err)
		}
		if res.DeletedCount == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// LoadJobs 加载全部作业数据
func (s *Store) LoadJobs(ctx context.Context) (*storage.JobSnapshot, error) {
	byCreated := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	jgs, err := findAll[model.JobGroup](ctx, s.col(ColJobGroups), bson.D{}, byCreated)
	if err != nil {
		return nil, fmt.Errorf("load job groups: %w", err)
	}
	tgs, err := findAll[model.TaskGroup](ctx, s.col(ColTaskGroups), bson.D{}, byCreated)
	if err != nil {
		return nil, fmt.Errorf("load task groups: %w", err)
	}
	tasks, err := findAll[model.Task](ctx, s.col(ColTasks), bson.D{},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return &storage.JobSnapshot{JobGroups: jgs, TaskGroups: tgs, Tasks: tasks}, nil
}
