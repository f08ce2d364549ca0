// Package resume 负责"重启后继续导航"：重启前写入目标模块 id，
// 下一次启动时读取并立即清除，再在界面就绪后导航过去。
package resume

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modgate/internal/kvstore"
	"github.com/any-hub/modgate/internal/logging"
)

// PendingNavigationKey 是持久化存储中保存恢复导航意图的唯一键。
const PendingNavigationKey = "pending_navigation_screen"

// DefaultSettleDelay 是读取意图后等待界面挂载完成的默认时长。
const DefaultSettleDelay = 500 * time.Millisecond

// Presenter 是导航层：将目标模块呈现给用户。
type Presenter interface {
	Present(id string)
}

// PresenterFunc 适配函数为 Presenter。
type PresenterFunc func(id string)

// Present makes PresenterFunc satisfy Presenter.
func (f PresenterFunc) Present(id string) {
	f(id)
}

// Options 汇总 Navigator 的依赖。SettleDelay 为负数时按 0 处理。
type Options struct {
	Store       kvstore.Store
	Presenter   Presenter
	SettleDelay time.Duration
	Logger      *logrus.Logger
}

// Navigator 同时承担意图的写入（供更新确认流程调用）与启动时的消费。
type Navigator struct {
	store     kvstore.Store
	presenter Presenter
	delay     time.Duration
	logger    *logrus.Logger
	afterFunc func(time.Duration, func())
}

// New 创建 Navigator。
func New(opts Options) (*Navigator, error) {
	if opts.Store == nil {
		return nil, errors.New("kv store is required")
	}
	if opts.Presenter == nil {
		return nil, errors.New("presenter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	delay := opts.SettleDelay
	if delay < 0 {
		delay = 0
	}
	return &Navigator{
		store:     opts.Store,
		presenter: opts.Presenter,
		delay:     delay,
		logger:    logger,
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}, nil
}

// Persist 写入恢复导航意图，覆盖之前未消费的值。
func (n *Navigator) Persist(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("module id required")
	}
	if err := n.store.Set(ctx, PendingNavigationKey, id); err != nil {
		return err
	}
	n.logger.WithFields(logging.ModuleFields("persist_intent", id, "", "")).Info("pending navigation saved")
	return nil
}

// ResumeIfPending 在启动时调用一次。存在意图时先删除键再安排导航，
// 保证导航过程中崩溃也不会在下一次启动时重复恢复。读取或删除失败都按
// "没有待恢复的导航"处理，不阻塞正常启动。
func (n *Navigator) ResumeIfPending(ctx context.Context) (string, bool) {
	id, ok, err := n.store.Get(ctx, PendingNavigationKey)
	if err != nil {
		n.logger.WithError(err).WithField("action", "resume").Warn("read pending navigation failed")
		return "", false
	}
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", false
	}

	if err := n.store.Remove(ctx, PendingNavigationKey); err != nil {
		n.logger.WithError(err).
			WithFields(logging.ModuleFields("resume", id, "", "")).
			Warn("clear pending navigation failed, skipping resume")
		return "", false
	}

	n.logger.WithFields(logging.ModuleFields("resume", id, "", "")).
		WithField("delay", n.delay.String()).
		Info("found pending navigation")

	present := func() { n.presenter.Present(id) }
	if n.delay == 0 {
		present()
	} else {
		n.afterFunc(n.delay, present)
	}
	return id, true
}
