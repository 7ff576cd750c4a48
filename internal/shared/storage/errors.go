// Package storage 定义存储层领域错误
//
// 这些错误用于隔离调度核心与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore/NoOpStore）负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID 或重复名称）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)

// IsDomainError 判断是否为领域错误；其余错误均视为存储层不可用
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate)
}

// IsNotFound 判断是否为实体不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
