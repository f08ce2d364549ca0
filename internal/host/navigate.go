package host

import (
	"context"
	"errors"

	"github.com/any-hub/modgate/internal/gate"
	"github.com/any-hub/modgate/internal/loader"
	"github.com/any-hub/modgate/internal/logging"
	"github.com/any-hub/modgate/internal/modregistry"
	"github.com/any-hub/modgate/internal/versioncheck"
)

// Result 是一次导航请求的结论。
type Result string

const (
	ResultReady           Result = "ready"
	ResultUpdateAvailable Result = "update_available"
	ResultOfferPending    Result = "offer_pending"
	ResultNotFound        Result = "module_not_found"
	ResultFetchFailed     Result = "fetch_failed"
	ResultFaulted         Result = "module_faulted"
)

// Outcome 描述导航结果；Offer 仅在 update_available/offer_pending 时有值，
// Bundle 仅在 ready 时有值。
type Outcome struct {
	Result Result
	ID     string
	Offer  *versioncheck.Offer
	Bundle *loader.Bundle
	Err    error
}

// Navigate 处理用户点击模块入口：先检查版本，有新版本时交给更新状态机，
// 否则加载并校验模块（缓存优先）。
func (h *Host) Navigate(ctx context.Context, id string) Outcome {
	id = modregistry.NormalizeID(id)
	fields := logging.ModuleFields("navigate", id, "", "")

	if offer, ok := h.Checker.Check(id); ok {
		err := h.Gate.Offer(offer)
		switch {
		case err == nil:
			h.logger.WithFields(logging.ModuleFields("navigate", id, offer.CurrentVersion, offer.LatestVersion)).
				Info("update offered")
			return Outcome{Result: ResultUpdateAvailable, ID: id, Offer: &offer}
		case errors.Is(err, gate.ErrOfferPending), errors.Is(err, gate.ErrConfirmInFlight):
			out := Outcome{Result: ResultOfferPending, ID: id, Err: err}
			if current, ok := h.Gate.Current(); ok {
				out.Offer = &current
			}
			return out
		default:
			h.logger.WithError(err).WithFields(fields).Warn("offer rejected")
			return Outcome{Result: ResultOfferPending, ID: id, Err: err}
		}
	}

	return h.mount(ctx, id)
}

// Retry 清除模块缓存后重新加载，对应错误页上的"重试"。
func (h *Host) Retry(ctx context.Context, id string) Outcome {
	id = modregistry.NormalizeID(id)
	if _, ok := h.Registry.Get(id); !ok {
		return Outcome{Result: ResultNotFound, ID: id, Err: &loader.LoadError{Kind: loader.KindUnregistered, ID: id}}
	}
	if err := h.Loader.Evict(ctx, id); err != nil {
		return Outcome{Result: ResultFetchFailed, ID: id, Err: err}
	}
	return h.mount(ctx, id)
}

// mount 加载并校验模块；校验失败记为故障，由 Retry 清除后重新挂载。
func (h *Host) mount(ctx context.Context, id string) Outcome {
	bundle, err := h.Loader.Mount(ctx, id, loader.Verify)
	if err != nil {
		return Outcome{Result: resultOf(err), ID: id, Err: err}
	}
	h.present(bundle.ID, sourceNavigate)
	return Outcome{Result: ResultReady, ID: bundle.ID, Bundle: &bundle}
}

func resultOf(err error) Result {
	switch loader.KindOf(err) {
	case loader.KindUnregistered:
		return ResultNotFound
	case loader.KindFaulted:
		return ResultFaulted
	default:
		return ResultFetchFailed
	}
}
