package mongostore

import (
	"context"
	"errors"

	"angel-master/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// wrapError 将 MongoDB 错误转换为 storage 包的哨兵错误
func wrapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return storage.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return storage.ErrDuplicate
	}
	return err
}

func byID(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

// findOne 文档不存在时返回 storage.ErrNotFound
func findOne[T any](ctx context.Context, col *mongo.Collection, filter bson.D) (*T, error) {
	var result T
	if err := col.FindOne(ctx, filter).Decode(&result); err != nil {
		return nil, wrapError(err)
	}
	return &result, nil
}

// findAll 解码全部匹配文档，无结果时返回空切片
func findAll[T any](ctx context.Context, col *mongo.Collection, filter bson.D, opts ...options.Lister[options.FindOptions]) ([]*T, error) {
	cursor, err := col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, wrapError(err)
	}
	results := []*T{}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// insertAll 一次写入多个文档，_id 冲突返回 storage.ErrDuplicate
func insertAll[T any](ctx context.Context, col *mongo.Collection, docs ...*T) error {
	if len(docs) == 0 {
		return nil
	}
	items := make([]any, len(docs))
	for i, d := range docs {
		items[i] = d
	}
	_, err := col.InsertMany(ctx, items)
	return wrapError(err)
}

// upsertAll 按 _id 整文档覆盖写入，不存在时插入；一次往返完成
func upsertAll[T any](ctx context.Context, col *mongo.Collection, id func(*T) string, docs ...*T) error {
	if len(docs) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, len(docs))
	for i, d := range docs {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(byID(id(d))).
			SetReplacement(d).
			SetUpsert(true)
	}
	_, err := col.BulkWrite(ctx, models)
	return wrapError(err)
}
