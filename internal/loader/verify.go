package loader

import (
	"bytes"
	"errors"
)

var (
	// ErrEmptyBundle 表示分包正文为空。
	ErrEmptyBundle = errors.New("bundle body is empty")
	// ErrNotScript 表示正文是 HTML 文档，常见于 CDN 以 200 返回的错误页。
	ErrNotScript = errors.New("bundle body is not a script")
)

var htmlPrefixes = [][]byte{
	[]byte("<!doctype"),
	[]byte("<html"),
	[]byte("<?xml"),
}

// Verify 是挂载前的默认检查：正文非空且不是 HTML 文档。
// 分包可能是 Hermes 字节码，因此不要求正文是文本。
func Verify(bundle Bundle) error {
	body := bytes.TrimSpace(bundle.Body)
	if len(body) == 0 {
		return ErrEmptyBundle
	}
	head := body
	if len(head) > 64 {
		head = head[:64]
	}
	head = bytes.ToLower(head)
	for _, prefix := range htmlPrefixes {
		if bytes.HasPrefix(head, prefix) {
			return ErrNotScript
		}
	}
	return nil
}
