package loader

import (
	"errors"
	"fmt"
)

// Kind 区分加载失败的三种结果，展示层据此决定提示与重试方式。
type Kind string

const (
	// KindUnregistered 表示注册表中没有该模块，属于"模块不存在"，不是更新问题。
	KindUnregistered Kind = "module_not_found"
	// KindFetchFailed 表示已登记但拉取失败（网络、状态码、空正文），可重试。
	KindFetchFailed Kind = "fetch_failed"
	// KindFaulted 表示代码已加载但初始化/渲染失败，可通过重新挂载重试。
	KindFaulted Kind = "module_faulted"
)

// LoadError 是 Loader 返回的错误类型。
type LoadError struct {
	Kind Kind
	ID   string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.ID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Retryable 表示该错误是否值得重试。
func (e *LoadError) Retryable() bool {
	return e.Kind != KindUnregistered
}

// KindOf 提取错误中的 Kind，非 LoadError 返回空字符串。
func KindOf(err error) Kind {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Kind
	}
	return ""
}

// IsUnregistered 判断错误是否为"模块不存在"。
func IsUnregistered(err error) bool {
	return KindOf(err) == KindUnregistered
}
