package modregistry

import (
	"sort"
	"strings"
	"sync"
)

// Descriptor 描述一个远程模块。同一 id 至多一条。
type Descriptor struct {
	ID             string
	RemoteLocation string
	RemoteVersion  string
	Description    string
}

// Registry 是进程内的模块注册表，零值不可用，请使用 New。
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Descriptor
}

// New 创建空注册表。
func New() *Registry {
	return &Registry{modules: make(map[string]Descriptor)}
}

// NormalizeID 统一模块 id 的大小写与空白，所有组件都应通过它比较 id。
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Upsert 按 id 合并条目，同一 id 以最后一次写入为准，返回实际写入的条数。
// id 为空的条目会被跳过。
func (r *Registry) Upsert(entries ...Descriptor) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0
	for _, entry := range entries {
		id := NormalizeID(entry.ID)
		if id == "" {
			continue
		}
		entry.ID = id
		r.modules[id] = entry
		applied++
	}
	return applied
}

// Get 返回指定 id 的描述。
func (r *Registry) Get(id string) (Descriptor, bool) {
	normalized := NormalizeID(id)
	if normalized == "" {
		return Descriptor{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.modules[normalized]
	return desc, ok
}

// List 返回按 id 排序的全部描述。
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.modules) == 0 {
		return nil
	}

	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.modules[id])
	}
	return result
}

// Len 返回已登记的模块数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}
