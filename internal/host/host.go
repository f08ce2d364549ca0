// Package host 组装模块注册表、账本、加载器、更新状态机与重启恢复，
// 对外提供唯一一个拥有全部状态的上下文对象。
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modgate/internal/cache"
	"github.com/any-hub/modgate/internal/config"
	"github.com/any-hub/modgate/internal/gate"
	"github.com/any-hub/modgate/internal/kvstore"
	"github.com/any-hub/modgate/internal/ledger"
	"github.com/any-hub/modgate/internal/listing"
	"github.com/any-hub/modgate/internal/loader"
	"github.com/any-hub/modgate/internal/logging"
	"github.com/any-hub/modgate/internal/modregistry"
	"github.com/any-hub/modgate/internal/restart"
	"github.com/any-hub/modgate/internal/resume"
	"github.com/any-hub/modgate/internal/versioncheck"
)

// Options 汇总 Host 的外部依赖；Cache、Intents、Restarter 为空时按配置创建。
type Options struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Client    *http.Client
	Cache     cache.Store
	Intents   kvstore.Store
	Restarter restart.Restarter
}

// Navigation 记录最近一次呈现给用户的模块。
type Navigation struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

const (
	sourceNavigate = "navigate"
	sourceResume   = "resume"
)

// Host 持有全部运行时状态，各 HTTP 处理器通过它访问核心组件。
type Host struct {
	cfg    *config.Config
	logger *logrus.Logger

	Registry  *modregistry.Registry
	Ledger    *ledger.Ledger
	Checker   *versioncheck.Checker
	Loader    *loader.Loader
	Gate      *gate.Controller
	Navigator *resume.Navigator
	Refresher *listing.Refresher
	Intents   kvstore.Store

	mu   sync.RWMutex
	last *Navigation
	now  func() time.Time
	// prefetch 在恢复导航时后台预热模块，测试可替换为同步实现。
	prefetch func(id string)
}

// New 根据配置创建 Host，但不执行任何 I/O 启动流程，见 Start。
func New(opts Options) (*Host, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	store := opts.Cache
	if store == nil {
		var err error
		store, err = cache.NewStore(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("init cache store: %w", err)
		}
	}
	intents := opts.Intents
	if intents == nil {
		file, err := kvstore.NewFile(cfg.Global.StatePath)
		if err != nil {
			return nil, fmt.Errorf("init state store: %w", err)
		}
		intents = file
	}

	h := &Host{
		cfg:      cfg,
		logger:   logger,
		Registry: modregistry.New(),
		Ledger:   ledger.New(),
		Intents:  intents,
		now:      time.Now,
	}
	h.Checker = versioncheck.New(h.Registry, h.Ledger)
	h.prefetch = h.prefetchAsync

	var err error
	h.Loader, err = loader.New(loader.Options{
		Registry: h.Registry,
		Store:    store,
		Client:   opts.Client,
		Ledger:   h.Ledger,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init loader: %w", err)
	}

	h.Navigator, err = resume.New(resume.Options{
		Store:       intents,
		Presenter:   resume.PresenterFunc(h.presentResumed),
		SettleDelay: cfg.Global.ResumeDelay.DurationValue(),
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init navigator: %w", err)
	}

	restarter := opts.Restarter
	if restarter == nil {
		restarter, err = restart.New(cfg.Global.Restart(), logger, h.reload)
		if err != nil {
			return nil, err
		}
	}

	h.Gate, err = gate.New(gate.Options{
		Evictor:   h.Loader,
		Ledger:    h.Ledger,
		Intents:   h.Navigator,
		Restarter: restarter,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init update gate: %w", err)
	}
	h.Gate.Subscribe(gate.LogObserver(logger))

	if cfg.Global.HasListing() {
		h.Refresher, err = listing.New(listing.Options{
			URL:            cfg.Global.ListingURL,
			Client:         opts.Client,
			Registry:       h.Registry,
			MaxRetries:     cfg.Global.MaxRetries,
			InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init listing refresher: %w", err)
		}
	}

	return h, nil
}

// Start 执行启动序列：静态模块写入注册表、刷新远程清单、消费恢复导航意图。
// 清单刷新失败不会中断启动；配置了 RefreshInterval 时在后台定时刷新直到 ctx 结束。
func (h *Host) Start(ctx context.Context) {
	seeded := h.Seed()
	h.logger.WithFields(logrus.Fields{
		"action":  "startup",
		"modules": config.ModuleNames(h.cfg.Modules),
		"seeded":  seeded,
	}).Info("static modules registered")

	if h.Refresher != nil {
		// 失败时 Refresher 已记录日志，注册表保留静态模块。
		_, _ = h.Refresher.Refresh(ctx)
		if interval := h.cfg.Global.RefreshInterval.DurationValue(); interval > 0 {
			go h.Refresher.Run(ctx, interval)
		}
	}

	h.Navigator.ResumeIfPending(ctx)
}

// Seed 把配置文件中的静态模块写入注册表。
func (h *Host) Seed() int {
	if len(h.cfg.Modules) == 0 {
		return 0
	}
	descriptors := make([]modregistry.Descriptor, 0, len(h.cfg.Modules))
	for _, mod := range h.cfg.Modules {
		descriptors = append(descriptors, modregistry.Descriptor{
			ID:             mod.Name,
			RemoteLocation: mod.URL,
			RemoteVersion:  mod.Version,
			Description:    mod.Description,
		})
	}
	return h.Registry.Upsert(descriptors...)
}

// LastNavigation 返回最近一次呈现的模块。
func (h *Host) LastNavigation() (Navigation, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return Navigation{}, false
	}
	return *h.last, true
}

func (h *Host) present(id, source string) {
	h.mu.Lock()
	h.last = &Navigation{ID: id, Source: source, At: h.now().UTC()}
	h.mu.Unlock()
}

func (h *Host) presentResumed(id string) {
	h.present(id, sourceResume)
	h.logger.WithFields(logging.ModuleFields("resume_present", id, "", "")).Info("resumed navigation to module")
	h.prefetch(id)
}

func (h *Host) prefetchAsync(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.prefetchTimeout())
		defer cancel()
		if _, err := h.Loader.Load(ctx, id); err != nil {
			h.logger.WithError(err).WithFields(logging.ModuleFields("prefetch", id, "", "")).Warn("prefetch resumed module failed")
		}
	}()
}

func (h *Host) prefetchTimeout() time.Duration {
	if d := h.cfg.Global.UpstreamTimeout.DurationValue(); d > 0 {
		return d
	}
	return 30 * time.Second
}

// reload 是 reload 重启模式下的模块图重建：内存态回到冷启动，然后重新消费恢复意图。
func (h *Host) reload() error {
	h.Ledger.Reset()
	h.Loader.Reset()
	h.mu.Lock()
	h.last = nil
	h.mu.Unlock()

	h.logger.WithField("action", "reload").Warn("module graph reinitialized")
	h.Navigator.ResumeIfPending(context.Background())
	return nil
}
