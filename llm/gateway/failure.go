package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/raceflow/llm"
)

// FailureKind 调用失败的分类
type FailureKind string

const (
	KindTimeout           FailureKind = "timeout"
	KindUpstream          FailureKind = "upstream"
	KindUnauthorized      FailureKind = "unauthorized"
	KindRateLimited       FailureKind = "rate_limited"
	KindInvalidRequest    FailureKind = "invalid_request"
	KindCanceled          FailureKind = "canceled"
	KindFallbackExhausted FailureKind = "fallback_exhausted"
)

// Failure 是 Invoke 唯一的错误类型，调用方用 errors.As 分支，不解析回复内容。
type Failure struct {
	Kind     FailureKind
	Alias    string
	Message  string
	Attempts []string // 按顺序尝试过的别名
	Cause    error
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]: %s", f.Alias, f.Kind, f.Message)
	if len(f.Attempts) > 1 {
		fmt.Fprintf(&b, " (tried %s)", strings.Join(f.Attempts, ", "))
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Cause }

// AsFailure 提取 *Failure
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}

// kindOf 将传输层错误码归类
func kindOf(code llm.ErrorCode) FailureKind {
	switch code {
	case llm.ErrUpstreamTimeout:
		return KindTimeout
	case llm.ErrUnauthorized, llm.ErrForbidden:
		return KindUnauthorized
	case llm.ErrRateLimited, llm.ErrQuotaExceeded:
		return KindRateLimited
	case llm.ErrInvalidRequest:
		return KindInvalidRequest
	case llm.ErrCanceled:
		return KindCanceled
	default:
		return KindUpstream
	}
}

func newFailure(alias string, err error) *Failure {
	if f, ok := AsFailure(err); ok {
		return f
	}
	return &Failure{
		Kind:     kindOf(llm.CodeOf(err)),
		Alias:    alias,
		Message:  err.Error(),
		Attempts: []string{alias},
		Cause:    err,
	}
}
