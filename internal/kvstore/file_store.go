package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	stateDirMode    = 0o700
	stateFileMode   = 0o600
	tempFilePattern = ".state-*.toml"
	schemaVersion   = 1
)

// File 将所有键值写入同一个 TOML 文件。每次写入都走 临时文件 + fsync + rename，
// 进程在写入途中崩溃时旧文件保持完整。
type File struct {
	path string
	mu   sync.RWMutex
}

var _ Store = (*File)(nil)

type fileSchema struct {
	Version int               `toml:"version"`
	Entries map[string]string `toml:"entries"`
}

// NewFile 创建基于 path 的文件存储；文件在第一次写入时才创建。
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("state path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state path: %w", err)
	}
	return &File{path: abs}, nil
}

// Path 返回状态文件的绝对路径。
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	schema, err := f.read()
	if err != nil {
		return "", false, err
	}
	value, ok := schema.Entries[key]
	return value, ok, nil
}

func (f *File) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	schema, err := f.read()
	if err != nil {
		return err
	}
	schema.Entries[key] = value
	return f.write(schema)
}

func (f *File) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	schema, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := schema.Entries[key]; !ok {
		return nil
	}
	delete(schema.Entries, key)
	return f.write(schema)
}

func (f *File) read() (fileSchema, error) {
	schema := fileSchema{Version: schemaVersion, Entries: map[string]string{}}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return schema, nil
		}
		return schema, fmt.Errorf("read state file: %w", err)
	}

	if err := toml.Unmarshal(data, &schema); err != nil {
		return schema, fmt.Errorf("decode state file: %w", err)
	}
	if schema.Version > schemaVersion {
		return schema, fmt.Errorf("unsupported state file version %d", schema.Version)
	}
	if schema.Entries == nil {
		schema.Entries = map[string]string{}
	}
	schema.Version = schemaVersion
	return schema, nil
}

func (f *File) write(schema fileSchema) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, stateDirMode); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := toml.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(stateFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempName, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	cleanup = false

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("sync state directory: %w", err)
	}
	return nil
}

// syncDir 刷新目录项，rename 之后断电也不会丢失新文件。
func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return err
	}
	syncErr := handle.Sync()
	closeErr := handle.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
