package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理分包正文的磁盘缓存。磁盘布局遵循：
//
//	<StoragePath>/<Module>/<path>           # 分包正文
//	<StoragePath>/<Module>/<path>.version   # 拉取时的远程版本
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入分包正文并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目及其版本文件，Loader 用它丢弃读取失败或为空的缓存。
	Remove(ctx context.Context, locator Locator) error

	// Purge 删除某个模块的全部缓存文件，模块目录不存在时视为成功。
	Purge(ctx context.Context, module string) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
	Version string
}

// Locator 唯一定位一个缓存条目（模块 id + 相对路径），路径均为 URL 路径风格。
type Locator struct {
	Module string
	Path   string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	Version   string  `json:"version"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
