// Package loader 按模块 id 拉取、缓存与清除远程分包。
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/modgate/internal/cache"
	"github.com/any-hub/modgate/internal/logging"
	"github.com/any-hub/modgate/internal/modregistry"
	"github.com/any-hub/modgate/internal/version"
)

// bundlePath 是分包正文在模块缓存目录中的固定文件名。远程地址变化时
// 仍然命中旧缓存，直到用户确认更新并清除。
const bundlePath = "index.bundle"

// maxBundleSize 限制单个分包正文大小。
const maxBundleSize = 64 << 20

// Bundle 是一次成功加载的结果。
type Bundle struct {
	ID       string
	Version  string
	Location string
	Body     []byte
	CacheHit bool
}

// Fault 记录展示层上报的最近一次挂载/渲染失败。
type Fault struct {
	ID       string    `json:"id"`
	Reason   string    `json:"reason"`
	Reported time.Time `json:"reported_at"`
}

// Descriptors 是 Loader 读取注册表所需的最小接口。
type Descriptors interface {
	Get(id string) (modregistry.Descriptor, bool)
}

// FirstLoadRecorder 在模块第一次成功加载时记录其版本。
type FirstLoadRecorder interface {
	RecordIfAbsent(id, version string) bool
}

// Options 汇总 Loader 的依赖。
type Options struct {
	Registry Descriptors
	Store    cache.Store
	Client   *http.Client
	Ledger   FirstLoadRecorder
	Logger   *logrus.Logger
}

// Loader 负责分包的拉取、磁盘缓存与清除。
type Loader struct {
	registry Descriptors
	store    cache.Store
	client   *http.Client
	ledger   FirstLoadRecorder
	logger   *logrus.Logger
	group    singleflight.Group

	// cacheMu 串行化"检查代际 + 写缓存"与 Evict 的代际递增，
	// 被清除后才完成的旧拉取不会把旧代码写回缓存。
	cacheMu     sync.Mutex
	generations map[string]uint64

	mu     sync.Mutex
	faults map[string]Fault
	now    func() time.Time
}

// New 校验依赖并构造 Loader。
func New(opts Options) (*Loader, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Loader{
		registry: opts.Registry,
		store:    opts.Store,
		client:   client,
		ledger:   opts.Ledger,
		logger:   logger,
		faults:   make(map[string]Fault),
		now:      time.Now,

		generations: make(map[string]uint64),
	}, nil
}

// Load 返回模块代码：优先读取磁盘缓存，未命中时从注册表当前的远程地址拉取。
// 同一模块的并发加载会合并为一次拉取。
func (l *Loader) Load(ctx context.Context, id string) (Bundle, error) {
	desc, ok := l.registry.Get(id)
	if !ok {
		return Bundle{}, &LoadError{Kind: KindUnregistered, ID: modregistry.NormalizeID(id)}
	}

	if bundle, ok := l.readCache(ctx, desc); ok {
		l.afterLoad(bundle)
		return bundle, nil
	}

	generation := l.generation(desc.ID)
	result, err, _ := l.group.Do(flightKey(desc.ID, generation), func() (interface{}, error) {
		return l.fetch(ctx, desc, generation)
	})
	if err != nil {
		return Bundle{}, err
	}
	bundle := result.(Bundle)
	l.afterLoad(bundle)
	return bundle, nil
}

// Mount 加载模块后执行 init（例如校验或初始化分包）；init 失败被归类为 KindFaulted。
func (l *Loader) Mount(ctx context.Context, id string, init func(Bundle) error) (Bundle, error) {
	bundle, err := l.Load(ctx, id)
	if err != nil {
		return Bundle{}, err
	}
	if init == nil {
		return bundle, nil
	}
	if err := init(bundle); err != nil {
		l.recordFault(bundle.ID, err.Error())
		return Bundle{}, &LoadError{Kind: KindFaulted, ID: bundle.ID, Err: err}
	}
	return bundle, nil
}

// Evict 清除模块的全部缓存代码与故障记录，下一次 Load 会重新拉取。
func (l *Loader) Evict(ctx context.Context, id string) error {
	normalized := modregistry.NormalizeID(id)
	if normalized == "" {
		return errors.New("module id required")
	}
	l.cacheMu.Lock()
	previous := l.generations[normalized]
	l.generations[normalized] = previous + 1
	l.cacheMu.Unlock()
	l.group.Forget(flightKey(normalized, previous))

	if err := l.store.Purge(ctx, normalized); err != nil {
		return fmt.Errorf("purge cache for %s: %w", normalized, err)
	}
	l.mu.Lock()
	delete(l.faults, normalized)
	l.mu.Unlock()

	l.logger.WithFields(logging.ModuleFields("evict", normalized, "", "")).Info("module cache evicted")
	return nil
}

// ReportFault 记录展示层上报的渲染失败；未登记的模块返回 KindUnregistered。
func (l *Loader) ReportFault(id, reason string) error {
	desc, ok := l.registry.Get(id)
	if !ok {
		return &LoadError{Kind: KindUnregistered, ID: modregistry.NormalizeID(id)}
	}
	l.recordFault(desc.ID, reason)
	return nil
}

// Faults 返回按模块 id 排序的故障记录。
func (l *Loader) Faults() []Fault {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.faults) == 0 {
		return nil
	}
	result := make([]Fault, 0, len(l.faults))
	for _, f := range l.faults {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Reset 清空内存中的故障记录，reload 模式重建模块图时调用。
func (l *Loader) Reset() {
	l.mu.Lock()
	l.faults = make(map[string]Fault)
	l.mu.Unlock()
}

func (l *Loader) recordFault(id, reason string) {
	l.mu.Lock()
	l.faults[id] = Fault{ID: id, Reason: reason, Reported: l.now().UTC()}
	l.mu.Unlock()

	l.logger.WithFields(logging.ModuleFields("module_fault", id, "", "")).
		WithField("reason", reason).
		Warn("module faulted")
}

func (l *Loader) afterLoad(bundle Bundle) {
	l.mu.Lock()
	delete(l.faults, bundle.ID)
	l.mu.Unlock()

	if l.ledger != nil && bundle.Version != "" {
		if l.ledger.RecordIfAbsent(bundle.ID, bundle.Version) {
			l.logger.WithFields(logging.ModuleFields("first_load", bundle.ID, bundle.Version, "")).
				Info("loaded version recorded")
		}
	}
}

func (l *Loader) readCache(ctx context.Context, desc modregistry.Descriptor) (Bundle, bool) {
	result, err := l.store.Get(ctx, cache.Locator{Module: desc.ID, Path: bundlePath})
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound):
		return Bundle{}, false
	default:
		l.logger.WithError(err).WithFields(logging.ModuleFields("cache_get", desc.ID, "", "")).Warn("cache_get_failed")
		return Bundle{}, false
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil || len(body) == 0 {
		if err == nil {
			err = errors.New("empty cached bundle")
		}
		l.logger.WithError(err).WithFields(logging.ModuleFields("cache_read", desc.ID, "", "")).Warn("cache_read_failed")
		// 损坏的条目直接删除，随后按未命中重新拉取。
		if removeErr := l.store.Remove(ctx, result.Entry.Locator); removeErr != nil {
			l.logger.WithError(removeErr).WithFields(logging.ModuleFields("cache_remove", desc.ID, "", "")).Warn("cache_remove_failed")
		}
		return Bundle{}, false
	}
	return Bundle{
		ID:       desc.ID,
		Version:  result.Entry.Version,
		Location: desc.RemoteLocation,
		Body:     body,
		CacheHit: true,
	}, true
}

func (l *Loader) generation(id string) uint64 {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	return l.generations[id]
}

func flightKey(id string, generation uint64) string {
	return fmt.Sprintf("%s#%d", id, generation)
}

// storeBundle 仅在拉取期间模块未被清除时写入缓存，返回是否写入。
func (l *Loader) storeBundle(ctx context.Context, desc modregistry.Descriptor, generation uint64, body []byte) bool {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if l.generations[desc.ID] != generation {
		return false
	}
	locator := cache.Locator{Module: desc.ID, Path: bundlePath}
	if _, err := l.store.Put(ctx, locator, bytes.NewReader(body), cache.PutOptions{Version: desc.RemoteVersion}); err != nil {
		l.logger.WithError(err).WithFields(logging.ModuleFields("cache_put", desc.ID, "", desc.RemoteVersion)).Warn("cache_write_failed")
		return false
	}
	return true
}

func (l *Loader) fetch(ctx context.Context, desc modregistry.Descriptor, generation uint64) (Bundle, error) {
	started := time.Now()
	fail := func(err error) (Bundle, error) {
		l.logger.WithError(err).
			WithFields(logging.ModuleFields("fetch", desc.ID, "", desc.RemoteVersion)).
			WithField("location", desc.RemoteLocation).
			Warn("module fetch failed")
		return Bundle{}, &LoadError{Kind: KindFetchFailed, ID: desc.ID, Err: err}
	}

	if strings.TrimSpace(desc.RemoteLocation) == "" {
		return fail(errors.New("module has no remote location"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.RemoteLocation, http.NoBody)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := l.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize+1))
	if err != nil {
		return fail(err)
	}
	if len(body) == 0 {
		return fail(errors.New("empty bundle body"))
	}
	if len(body) > maxBundleSize {
		return fail(fmt.Errorf("bundle exceeds %d bytes", maxBundleSize))
	}

	cached := l.storeBundle(ctx, desc, generation, body)

	l.logger.WithFields(logging.ModuleFields("fetch", desc.ID, "", desc.RemoteVersion)).
		WithFields(logrus.Fields{
			"location":   desc.RemoteLocation,
			"bytes":      len(body),
			"cached":     cached,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Info("module fetched")

	return Bundle{
		ID:       desc.ID,
		Version:  desc.RemoteVersion,
		Location: desc.RemoteLocation,
		Body:     body,
	}, nil
}
