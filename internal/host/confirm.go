package host

import (
	"context"
	"sync"

	"github.com/any-hub/modgate/internal/gate"
	"github.com/any-hub/modgate/internal/versioncheck"
)

// ConfirmUpdate 在后台执行确认流程，流程失败或进入重启阶段时立即返回。
// exec 重启在 Grace 之后才替换进程，调用方借此先把响应写回客户端；
// 之后的重启失败由 gate 记录并恢复待确认的更新。
func (h *Host) ConfirmUpdate(ctx context.Context) (versioncheck.Offer, error) {
	offer, ok := h.Gate.Current()
	if !ok {
		if h.Gate.State() == gate.StateRestarting {
			return versioncheck.Offer{}, gate.ErrConfirmInFlight
		}
		return versioncheck.Offer{}, gate.ErrNoOffer
	}

	restarting := make(chan struct{})
	var once sync.Once
	unsubscribe := h.Gate.Subscribe(gate.ObserverFunc(func(t gate.Transition) {
		if t.Event == gate.EventConfirmed && t.Offer.ID == offer.ID {
			once.Do(func() { close(restarting) })
		}
	}))
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		done <- h.Gate.Confirm(context.WithoutCancel(ctx))
	}()

	select {
	case err := <-done:
		return offer, err
	case <-restarting:
		select {
		case err := <-done:
			return offer, err
		default:
			return offer, nil
		}
	}
}
