// Package scherr 调度器错误分类
//
// 所有对外操作返回 *Error，调用方通过 errors.Is 按错误码匹配：
//
//	if errors.Is(err, scherr.ErrOwnershipMismatch) { ... }
//
// 校验类错误（INVALID_SPEC、NOT_FOUND 等）同步返回给调用方，内部从不重试；
// 所有权/状态转换冲突属于并发下的正常现象，由工作节点重新拉取处理；
// 只有 PERSISTENCE 是致命错误。
package scherr

import (
	"errors"
	"fmt"
)

// Code 错误码
type Code string

const (
	CodeDuplicateWorker   Code = "DUPLICATE_WORKER"
	CodeUnknownWorker     Code = "UNKNOWN_WORKER"
	CodeInvalidSpec       Code = "INVALID_SPEC"
	CodeOwnershipMismatch Code = "OWNERSHIP_MISMATCH"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeRetryExhausted    Code = "RETRY_EXHAUSTED"
	CodeJobGroupActive    Code = "JOB_GROUP_ACTIVE"
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodePersistence       Code = "PERSISTENCE"
)

// Error 带错误码的调度器错误
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按错误码匹配
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// 用于 errors.Is 的哨兵错误
var (
	ErrDuplicateWorker   = &Error{Code: CodeDuplicateWorker}
	ErrUnknownWorker     = &Error{Code: CodeUnknownWorker}
	ErrInvalidSpec       = &Error{Code: CodeInvalidSpec}
	ErrOwnershipMismatch = &Error{Code: CodeOwnershipMismatch}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrRetryExhausted    = &Error{Code: CodeRetryExhausted}
	ErrJobGroupActive    = &Error{Code: CodeJobGroupActive}
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest}
	ErrUnauthorized      = &Error{Code: CodeUnauthorized}
	ErrForbidden         = &Error{Code: CodeForbidden}
	ErrPersistence       = &Error{Code: CodePersistence}
)

// New 创建错误
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Persistence 包装持久化层错误
func Persistence(err error, op string) *Error {
	return Wrap(CodePersistence, err, "%s", op)
}

// CodeOf 提取错误码，非 *Error 返回空字符串
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatal 是否为致命错误（持久化层不可达）
func IsFatal(err error) bool {
	return errors.Is(err, ErrPersistence)
}
