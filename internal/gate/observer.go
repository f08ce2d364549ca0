package gate

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modgate/internal/logging"
	"github.com/any-hub/modgate/internal/versioncheck"
)

// Event 标识一次状态转换的原因。
type Event string

const (
	EventOffered       Event = "offered"
	EventDeclined      Event = "declined"
	EventConfirming    Event = "confirming"
	EventConfirmed     Event = "confirmed"
	EventRolledBack    Event = "rolled_back"
	EventRestartFailed Event = "restart_failed"
	EventRestarted     Event = "restarted"
)

// Transition 描述一次状态转换，在状态已经生效后派发。
type Transition struct {
	From  State
	To    State
	Event Event
	Offer versioncheck.Offer
	Err   error
}

// Observer 接收状态转换通知。回调在调用方 goroutine 中同步执行，不应阻塞。
type Observer interface {
	OnTransition(Transition)
}

// ObserverFunc 适配函数为 Observer。
type ObserverFunc func(Transition)

// OnTransition makes ObserverFunc satisfy Observer.
func (f ObserverFunc) OnTransition(t Transition) {
	f(t)
}

// Subscribe 注册观察者并返回取消函数。
func (c *Controller) Subscribe(obs Observer) func() {
	if obs == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = obs
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify(t Transition) {
	c.mu.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.mu.Unlock()

	for _, obs := range observers {
		obs.OnTransition(t)
	}
}

// LogObserver 将状态转换输出为结构化日志。
func LogObserver(logger *logrus.Logger) Observer {
	return ObserverFunc(func(t Transition) {
		fields := logging.ModuleFields("update_gate", t.Offer.ID, t.Offer.CurrentVersion, t.Offer.LatestVersion)
		fields["from"] = string(t.From)
		fields["to"] = string(t.To)
		fields["event"] = string(t.Event)
		entry := logger.WithFields(fields)
		if t.Err != nil {
			entry.WithError(t.Err).Warn("update_transition")
			return
		}
		entry.Info("update_transition")
	})
}
