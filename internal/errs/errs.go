// Package errs 定义请求处理过程中的错误分类。
// 处理链路上的每一类失败都有明确的归属，便于接口层映射成响应。
package errs

import (
	"errors"
	"fmt"
)

// Kind 标识错误的类别。
type Kind string

const (
	// KindConfiguration 启动期配置错误，例如向量维度与索引不一致，进程应当直接退出。
	KindConfiguration Kind = "configuration_error"
	// KindUpstreamUnavailable 上游（编码器/索引/生成服务）不可达或超时。
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindRecallDegraded 某路召回信号不可用，整体请求继续。
	KindRecallDegraded Kind = "recall_degraded"
	// KindValidation 请求参数缺失或非法，直接拒绝。
	KindValidation Kind = "validation_error"
	// KindGenerationFailure 生成服务返回错误或输出无法解析。
	KindGenerationFailure Kind = "generation_failure"
)

// Error 携带类别与可读信息的错误。
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New 创建一个带类别的错误。
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf 创建一个带类别的格式化错误。
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap 在保留底层错误的同时附加类别与说明。
func Wrap(kind Kind, msg string, err error) error {
	return &Error{kind: kind, msg: msg, err: err}
}

// KindOf 提取错误的类别，未分类的错误返回 ok 为 false。
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return "", false
}

// Is 判断错误是否属于指定类别。
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
