package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modgate/internal/logging"
	"github.com/any-hub/modgate/internal/versioncheck"
)

// State 是状态机的当前状态。
type State string

const (
	StateIdle       State = "idle"
	StateOffered    State = "offered"
	StateConfirming State = "confirming"
	// StateRestarting 表示更新已确认、正在重启；期间不接受新的候选更新，
	// 重启失败时才能安全地恢复原更新。
	StateRestarting State = "restarting"
)

var (
	// ErrOfferPending 表示已有待确认的更新，新的候选被拒绝，调用方可稍后重试。
	ErrOfferPending = errors.New("update offer already pending")
	// ErrNoOffer 表示当前没有可确认或可拒绝的更新。
	ErrNoOffer = errors.New("no update offer pending")
	// ErrConfirmInFlight 表示确认流程正在执行，期间拒绝其它状态变更。
	ErrConfirmInFlight = errors.New("update confirmation in progress")
	// ErrInvalidOffer 表示候选更新缺少模块 id。
	ErrInvalidOffer = errors.New("invalid update offer")

	ErrEvictFailed         = errors.New("evict module cache failed")
	ErrPersistIntentFailed = errors.New("persist navigation intent failed")
	ErrRestartFailed       = errors.New("restart failed")
)

// Evictor 清除模块的已缓存代码，下一次加载将重新拉取。
type Evictor interface {
	Evict(ctx context.Context, id string) error
}

// VersionLedger 是确认流程对账本的读写需求。
type VersionLedger interface {
	Record(id, version string)
	Version(id string) (string, bool)
	Forget(id string)
}

// IntentWriter 将恢复导航意图写入持久化存储。
type IntentWriter interface {
	Persist(ctx context.Context, id string) error
}

// Restarter 触发进程重启（或模块图重建）。成功时 exec 实现不会返回。
type Restarter interface {
	Restart() error
}

// Options 汇总 Controller 的依赖。
type Options struct {
	Evictor   Evictor
	Ledger    VersionLedger
	Intents   IntentWriter
	Restarter Restarter
	Logger    *logrus.Logger
}

// Controller 是更新确认状态机。所有方法并发安全；状态守卫不在 I/O 期间持锁。
type Controller struct {
	evictor   Evictor
	ledger    VersionLedger
	intents   IntentWriter
	restarter Restarter
	logger    *logrus.Logger

	mu        sync.Mutex
	state     State
	offer     versioncheck.Offer
	observers map[int]Observer
	nextObsID int
}

// New 校验依赖并返回处于 idle 状态的 Controller。
func New(opts Options) (*Controller, error) {
	if opts.Evictor == nil {
		return nil, errors.New("evictor is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.Intents == nil {
		return nil, errors.New("intent writer is required")
	}
	if opts.Restarter == nil {
		return nil, errors.New("restarter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Controller{
		evictor:   opts.Evictor,
		ledger:    opts.Ledger,
		intents:   opts.Intents,
		restarter: opts.Restarter,
		logger:    logger,
		state:     StateIdle,
		observers: make(map[int]Observer),
	}, nil
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current 返回待确认（或确认中）的更新。
func (c *Controller) Current() (versioncheck.Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || c.state == StateRestarting {
		return versioncheck.Offer{}, false
	}
	return c.offer, true
}

// Offer 在 idle 状态下登记一个候选更新；非 idle 时返回 ErrOfferPending，
// 原有更新保持不变。
func (c *Controller) Offer(candidate versioncheck.Offer) error {
	if strings.TrimSpace(candidate.ID) == "" {
		return ErrInvalidOffer
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrOfferPending
	}
	c.state = StateOffered
	c.offer = candidate
	c.mu.Unlock()

	c.notify(Transition{From: StateIdle, To: StateOffered, Event: EventOffered, Offer: candidate})
	return nil
}

// Decline 放弃当前更新，不触碰注册表、账本与缓存；用户继续使用已缓存的旧代码。
func (c *Controller) Decline() error {
	c.mu.Lock()
	switch c.state {
	case StateConfirming, StateRestarting:
		c.mu.Unlock()
		return ErrConfirmInFlight
	case StateIdle:
		c.mu.Unlock()
		return ErrNoOffer
	}
	offer := c.offer
	c.state = StateIdle
	c.offer = versioncheck.Offer{}
	c.mu.Unlock()

	c.notify(Transition{From: StateOffered, To: StateIdle, Event: EventDeclined, Offer: offer})
	return nil
}

// Confirm 执行确认流程。缓存清除或意图持久化失败时回滚到 offered 并返回
// 包装了 ErrEvictFailed / ErrPersistIntentFailed 的错误，不会重启。
// 重启期间处于 restarting，拒绝一切新的候选更新；重启本身失败属于致命错误，
// 记录后回到 offered，供用户手动重试。
func (c *Controller) Confirm(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConfirming, StateRestarting:
		c.mu.Unlock()
		return ErrConfirmInFlight
	case StateIdle:
		c.mu.Unlock()
		return ErrNoOffer
	}
	offer := c.offer
	c.state = StateConfirming
	c.mu.Unlock()

	c.notify(Transition{From: StateOffered, To: StateConfirming, Event: EventConfirming, Offer: offer})

	if err := c.evictor.Evict(ctx, offer.ID); err != nil {
		return c.rollback(offer, fmt.Errorf("%w: %w", ErrEvictFailed, err))
	}

	previous, hadPrevious := c.ledger.Version(offer.ID)
	c.ledger.Record(offer.ID, offer.LatestVersion)

	if err := c.intents.Persist(ctx, offer.ID); err != nil {
		if hadPrevious {
			c.ledger.Record(offer.ID, previous)
		} else {
			c.ledger.Forget(offer.ID)
		}
		return c.rollback(offer, fmt.Errorf("%w: %w", ErrPersistIntentFailed, err))
	}

	c.mu.Lock()
	c.state = StateRestarting
	c.offer = versioncheck.Offer{}
	c.mu.Unlock()
	c.notify(Transition{From: StateConfirming, To: StateRestarting, Event: EventConfirmed, Offer: offer})

	c.logger.WithFields(logging.ModuleFields("restart", offer.ID, offer.CurrentVersion, offer.LatestVersion)).
		Info("update confirmed, restarting")

	if err := c.restarter.Restart(); err != nil {
		restartErr := fmt.Errorf("%w: %w", ErrRestartFailed, err)
		c.logger.WithError(err).
			WithFields(logging.ModuleFields("restart", offer.ID, offer.CurrentVersion, offer.LatestVersion)).
			Error("restart_failed")

		c.mu.Lock()
		c.state = StateOffered
		c.offer = offer
		c.mu.Unlock()
		c.notify(Transition{From: StateRestarting, To: StateOffered, Event: EventRestartFailed, Offer: offer, Err: restartErr})
		return restartErr
	}

	// exec 模式成功时不会执行到这里；reload 模式在模块图重建后回到 idle。
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.notify(Transition{From: StateRestarting, To: StateIdle, Event: EventRestarted, Offer: offer})
	return nil
}

func (c *Controller) rollback(offer versioncheck.Offer, cause error) error {
	c.mu.Lock()
	c.state = StateOffered
	c.offer = offer
	c.mu.Unlock()

	c.logger.WithError(cause).
		WithFields(logging.ModuleFields("confirm_update", offer.ID, offer.CurrentVersion, offer.LatestVersion)).
		Warn("confirm_rolled_back")
	c.notify(Transition{From: StateConfirming, To: StateOffered, Event: EventRolledBack, Offer: offer, Err: cause})
	return cause
}
