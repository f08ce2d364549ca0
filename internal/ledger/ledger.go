// Package ledger 记录每个模块当前被视为"已加载/已确认"的版本。
//
// 账本只存在于内存中，进程启动时为空；没有记录表示版本未知，而不是过期。
package ledger

import (
	"sort"
	"strings"
	"sync"
)

// Entry 是账本中的一条记录。
type Entry struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Ledger 是并发安全的版本账本。
type Ledger struct {
	mu       sync.RWMutex
	versions map[string]string
}

// New 创建空账本。
func New() *Ledger {
	return &Ledger{versions: make(map[string]string)}
}

// Record 写入（或覆盖）模块的已加载版本。
func (l *Ledger) Record(id, version string) {
	id = normalize(id)
	if id == "" {
		return
	}
	l.mu.Lock()
	l.versions[id] = version
	l.mu.Unlock()
}

// RecordIfAbsent 仅在没有记录时写入，返回是否写入。首次加载成功时使用，
// 避免覆盖用户确认过的版本。
func (l *Ledger) RecordIfAbsent(id, version string) bool {
	id = normalize(id)
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.versions[id]; ok {
		return false
	}
	l.versions[id] = version
	return true
}

// Version 返回模块的已加载版本。
func (l *Ledger) Version(id string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	version, ok := l.versions[normalize(id)]
	return version, ok
}

// Forget 删除模块记录。
func (l *Ledger) Forget(id string) {
	l.mu.Lock()
	delete(l.versions, normalize(id))
	l.mu.Unlock()
}

// Reset 清空账本，reload 模式模拟进程重启时使用。
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.versions = make(map[string]string)
	l.mu.Unlock()
}

// Snapshot 返回按 id 排序的全部记录。
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.versions) == 0 {
		return nil
	}
	result := make([]Entry, 0, len(l.versions))
	for id, version := range l.versions {
		result = append(result, Entry{ID: id, Version: version})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
