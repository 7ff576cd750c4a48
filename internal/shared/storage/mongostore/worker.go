package mongostore

import (
	"context"

	"angel-master/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func workerKey(w *model.Worker) string { return w.ID }

// UpsertWorker 更新或插入工作节点
func (s *Store) UpsertWorker(ctx context.Context, w *model.Worker) error {
	return upsertAll(ctx, s.col(ColWorkers), workerKey, w)
}

// DeleteWorker 删除工作节点，不存在时视为成功
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	_, err := s.col(ColWorkers).DeleteOne(ctx, byID(id))
	return wrapError(err)
}

// ListWorkers 列出所有工作节点
func (s *Store) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	opts := options.Find().SetSort(bson.D{{Key: "registered_at", Value: 1}, {Key: "_id", Value: 1}})
	return findAll[model.Worker](ctx, s.col(ColWorkers), bson.D{}, opts)
}

// CreateCredential 创建凭据
func (s *Store) CreateCredential(ctx context.Context, c *model.Credential) error {
	return insertAll(ctx, s.col(ColCredentials), c)
}

// GetCredentialByName 按名称获取凭据
func (s *Store) GetCredentialByName(ctx context.Context, name string) (*model.Credential, error) {
	return findOne[model.Credential](ctx, s.col(ColCredentials), bson.D{{Key: "name", Value: name}})
}

// AppendLog 追加任务日志
func (s *Store) AppendLog(ctx context.Context, e *model.LogEntry) error {
	return insertAll(ctx, s.col(ColTaskLogs), e)
}

// ListLogs 按时间顺序列出任务日志
func (s *Store) ListLogs(ctx context.Context, taskID string) ([]*model.LogEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return findAll[model.LogEntry](ctx, s.col(ColTaskLogs), bson.D{{Key: "task_id", Value: taskID}}, opts)
}
