package store

import (
	"errors"
	"fmt"

	"medsync/internal/domain"
	"medsync/internal/query"
)

// Code 存储错误分类
type Code string

const (
	CodePermissionDenied Code = "permission-denied"
	CodeNotFound         Code = "not-found"
	CodeAlreadyExists    Code = "already-exists"
	CodeUnavailable      Code = "unavailable"
	CodeInvalidArgument  Code = "invalid-argument"
	CodeInternal         Code = "internal"
)

// Error 存储操作错误
// Path 为存储能解析出的资源路径，集合组查询等无法确定时为空
type Error struct {
	Code Code
	Op   domain.Operation
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = string(e.Op) + " " + msg
	}
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按 Code 匹配哨兵错误（哨兵错误不带 Path/Op）
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Path == "" && t.Op == ""
}

var (
	ErrPermissionDenied = &Error{Code: CodePermissionDenied}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrAlreadyExists    = &Error{Code: CodeAlreadyExists}
	ErrUnavailable      = &Error{Code: CodeUnavailable}
	ErrInvalidArgument  = &Error{Code: CodeInvalidArgument}
)

func newError(code Code, op domain.Operation, path string, err error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

func invalidArgument(op domain.Operation, path string, format string, args ...any) *Error {
	return newError(CodeInvalidArgument, op, path, fmt.Errorf(format, args...))
}

// CodeOf 提取错误分类；非存储错误返回 CodeInternal，nil 返回空
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsPermissionDenied 是否为权限拒绝
func IsPermissionDenied(err error) bool {
	return CodeOf(err) == CodePermissionDenied
}

// PathOf 错误中携带的资源路径
func PathOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Path
	}
	return ""
}

// FailurePath 读取失败时上报的路径：优先取错误携带的路径，其次描述符的规范路径，
// 集合组查询没有规范路径时回退为人类可读描述
func FailurePath(err error, d *query.Descriptor) string {
	if path := PathOf(err); path != "" {
		return path
	}
	if path := d.CanonicalPath(); path != "" {
		return path
	}
	return d.Describe()
}
