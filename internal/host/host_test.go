package host

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/modgate/internal/cache"
	"github.com/any-hub/modgate/internal/config"
	"github.com/any-hub/modgate/internal/gate"
	"github.com/any-hub/modgate/internal/kvstore"
	"github.com/any-hub/modgate/internal/modregistry"
	"github.com/any-hub/modgate/internal/restart"
	"github.com/any-hub/modgate/internal/resume"
)

type hostFixture struct {
	html      atomic.Bool
	server    *httptest.Server
	store     cache.Store
	intents   *kvstore.Memory
	restarts  int
	prefetchs []string
	mu        sync.Mutex
}

func newFixture(t *testing.T) *hostFixture {
	t.Helper()
	f := &hostFixture{intents: kvstore.NewMemory()}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.html.Load() {
			_, _ = w.Write([]byte("<!DOCTYPE html><html><body>maintenance</body></html>"))
			return
		}
		_, _ = w.Write([]byte("bundle:" + r.URL.Path))
	}))
	t.Cleanup(f.server.Close)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create cache store: %v", err)
	}
	f.store = store
	return f
}

func (f *hostFixture) config(mode config.RestartMode) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{RestartMode: string(mode)},
		Modules: []config.ModuleConfig{
			{Name: "Orders", URL: f.server.URL + "/orders/1.0/orders.chunk.bundle", Version: "1.0"},
			{Name: "profile", URL: f.server.URL + "/profile/1.0/profile.chunk.bundle", Version: "1.0"},
		},
	}
}

func (f *hostFixture) newHost(t *testing.T, mode config.RestartMode, withRestarter bool) *Host {
	t.Helper()
	opts := Options{
		Config:  f.config(mode),
		Client:  f.server.Client(),
		Cache:   f.store,
		Intents: f.intents,
	}
	if withRestarter {
		opts.Restarter = restart.Func(func() error {
			f.mu.Lock()
			f.restarts++
			f.mu.Unlock()
			return nil
		})
	}
	h, err := New(opts)
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	h.prefetch = func(id string) {
		f.mu.Lock()
		f.prefetchs = append(f.prefetchs, id)
		f.mu.Unlock()
	}
	h.Start(context.Background())
	return h
}

func (f *hostFixture) publish(h *Host, id, version string) {
	h.Registry.Upsert(modregistry.Descriptor{
		ID:             id,
		RemoteLocation: f.server.URL + "/" + id + "/" + version + "/" + id + ".chunk.bundle",
		RemoteVersion:  version,
	})
}

func TestStartSeedsStaticModules(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeExec, true)

	if h.Registry.Len() != 2 {
		t.Fatalf("expected 2 seeded modules, got %d", h.Registry.Len())
	}
	if _, ok := h.Registry.Get("orders"); !ok {
		t.Fatalf("module ids should be normalized")
	}
	if _, ok := h.LastNavigation(); ok {
		t.Fatalf("no navigation expected without pending intent")
	}
}

func TestNavigateUnknownModule(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeExec, true)

	out := h.Navigate(context.Background(), "missing")
	if out.Result != ResultNotFound {
		t.Fatalf("expected module_not_found, got %s", out.Result)
	}
	if h.Gate.State() != gate.StateIdle {
		t.Fatalf("unknown module must not touch gate")
	}
}

func TestNavigateFirstLoadIsReady(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeExec, true)

	out := h.Navigate(context.Background(), "orders")
	if out.Result != ResultReady || out.Bundle == nil {
		t.Fatalf("expected ready with bundle, got %+v", out)
	}
	if v, ok := h.Ledger.Version("orders"); !ok || v != "1.0" {
		t.Fatalf("first load should record 1.0, got %q %v", v, ok)
	}
	nav, ok := h.LastNavigation()
	if !ok || nav.ID != "orders" || nav.Source != sourceNavigate {
		t.Fatalf("unexpected navigation: %+v", nav)
	}
}

func TestUpdateFlowAcrossRestart(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeExec, true)
	ctx := context.Background()

	if out := h.Navigate(ctx, "orders"); out.Result != ResultReady {
		t.Fatalf("initial navigate: %s", out.Result)
	}
	f.publish(h, "orders", "2.0")

	out := h.Navigate(ctx, "orders")
	if out.Result != ResultUpdateAvailable || out.Offer == nil {
		t.Fatalf("expected update offer, got %+v", out)
	}
	if out.Offer.CurrentVersion != "1.0" || out.Offer.LatestVersion != "2.0" {
		t.Fatalf("unexpected offer: %+v", out.Offer)
	}

	// 待确认期间对同一模块的再次点击不会替换当前提示。
	if again := h.Navigate(ctx, "orders"); again.Result != ResultOfferPending {
		t.Fatalf("expected offer_pending, got %s", again.Result)
	}

	if err := h.Gate.Confirm(ctx); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if f.restarts != 1 {
		t.Fatalf("expected one restart, got %d", f.restarts)
	}
	if v, _ := h.Ledger.Version("orders"); v != "2.0" {
		t.Fatalf("ledger should be 2.0 after confirm, got %q", v)
	}
	if id, ok, _ := f.intents.Get(ctx, resume.PendingNavigationKey); !ok || id != "orders" {
		t.Fatalf("intent should be persisted, got %q %v", id, ok)
	}

	// 新进程：账本为空，意图被消费一次。
	next := f.newHost(t, config.RestartModeExec, true)
	nav, ok := next.LastNavigation()
	if !ok || nav.ID != "orders" || nav.Source != sourceResume {
		t.Fatalf("expected resume to orders, got %+v %v", nav, ok)
	}
	if _, ok, _ := f.intents.Get(ctx, resume.PendingNavigationKey); ok {
		t.Fatalf("intent must be cleared after resume")
	}
	if len(f.prefetchs) != 1 || f.prefetchs[0] != "orders" {
		t.Fatalf("resumed module should be prefetched, got %v", f.prefetchs)
	}

	// 新进程加载到的是新版本代码。
	f.publish(next, "orders", "2.0")
	ready := next.Navigate(ctx, "orders")
	if ready.Result != ResultReady || ready.Bundle.Version != "2.0" {
		t.Fatalf("expected fresh 2.0 bundle, got %+v", ready)
	}
	if !strings.Contains(string(ready.Bundle.Body), "/orders/2.0/") {
		t.Fatalf("unexpected body %s", ready.Bundle.Body)
	}

	third := f.newHost(t, config.RestartModeExec, true)
	if _, ok := third.LastNavigation(); ok {
		t.Fatalf("intent must be delivered at most once")
	}
}

func TestDeclineKeepsOldCode(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeExec, true)
	ctx := context.Background()

	h.Navigate(ctx, "orders")
	f.publish(h, "orders", "2.0")
	if out := h.Navigate(ctx, "orders"); out.Result != ResultUpdateAvailable {
		t.Fatalf("expected offer, got %s", out.Result)
	}
	if err := h.Gate.Decline(); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	if f.restarts != 0 {
		t.Fatalf("decline must not restart")
	}
	if _, ok, _ := f.intents.Get(ctx, resume.PendingNavigationKey); ok {
		t.Fatalf("decline must not persist intent")
	}
	// 下次点击会再次提示。
	if out := h.Navigate(ctx, "orders"); out.Result != ResultUpdateAvailable {
		t.Fatalf("expected offer again after decline, got %s", out.Result)
	}
}

func TestReloadModeResumesInProcess(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeReload, false)
	ctx := context.Background()

	h.Navigate(ctx, "orders")
	h.Navigate(ctx, "profile")
	f.publish(h, "orders", "2.0")
	if out := h.Navigate(ctx, "orders"); out.Result != ResultUpdateAvailable {
		t.Fatalf("expected offer, got %s", out.Result)
	}
	if err := h.Gate.Confirm(ctx); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	nav, ok := h.LastNavigation()
	if !ok || nav.ID != "orders" || nav.Source != sourceResume {
		t.Fatalf("reload should resume to orders, got %+v %v", nav, ok)
	}
	if _, ok := h.Ledger.Version("profile"); ok {
		t.Fatalf("reload should reset ledger like a cold start")
	}
	if h.Gate.State() != gate.StateIdle {
		t.Fatalf("gate should be idle after reload, got %s", h.Gate.State())
	}
}

func TestRestartFailureKeepsOffer(t *testing.T) {
	f := newFixture(t)
	h, err := New(Options{
		Config:    f.config(config.RestartModeExec),
		Client:    f.server.Client(),
		Cache:     f.store,
		Intents:   f.intents,
		Restarter: restart.Func(func() error { return errors.New("exec denied") }),
	})
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	h.Start(context.Background())
	ctx := context.Background()

	h.Navigate(ctx, "orders")
	f.publish(h, "orders", "2.0")
	h.Navigate(ctx, "orders")

	if err := h.Gate.Confirm(ctx); !errors.Is(err, gate.ErrRestartFailed) {
		t.Fatalf("expected restart failure, got %v", err)
	}
	if h.Gate.State() != gate.StateOffered {
		t.Fatalf("offer should remain for manual retry, got %s", h.Gate.State())
	}
}

func TestRetryRefetches(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeExec, true)
	ctx := context.Background()

	first := h.Navigate(ctx, "orders")
	if first.Result != ResultReady || first.Bundle.CacheHit {
		t.Fatalf("unexpected first navigate: %+v", first)
	}
	retried := h.Retry(ctx, "orders")
	if retried.Result != ResultReady || retried.Bundle.CacheHit {
		t.Fatalf("retry should refetch, got %+v", retried)
	}
	if out := h.Retry(ctx, "missing"); out.Result != ResultNotFound {
		t.Fatalf("expected not found, got %s", out.Result)
	}
}

func TestModulesView(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeExec, true)
	ctx := context.Background()

	h.Navigate(ctx, "orders")
	f.publish(h, "orders", "2.0")

	views := h.Modules()
	if len(views) != 2 || views[0].ID != "orders" {
		t.Fatalf("unexpected views: %+v", views)
	}
	if views[0].LoadedVersion != "1.0" || views[0].Offer == nil {
		t.Fatalf("orders view should show pending update: %+v", views[0])
	}
	if views[1].Offer != nil || views[1].LoadedVersion != "" {
		t.Fatalf("profile was never loaded: %+v", views[1])
	}
	if _, ok := h.Module("missing"); ok {
		t.Fatalf("missing module should not have a view")
	}
}

func TestNavigateHTMLBundleIsFaultedUntilRetry(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeExec, true)
	ctx := context.Background()

	f.html.Store(true)
	out := h.Navigate(ctx, "orders")
	if out.Result != ResultFaulted {
		t.Fatalf("HTML 错误页应判定为 module_faulted, got %s", out.Result)
	}
	if faults := h.Loader.Faults(); len(faults) != 1 || faults[0].ID != "orders" {
		t.Fatalf("fault should be recorded, got %+v", faults)
	}
	if _, ok := h.LastNavigation(); ok {
		t.Fatalf("faulted module must not be presented")
	}

	f.html.Store(false)
	if again := h.Navigate(ctx, "orders"); again.Result != ResultFaulted {
		t.Fatalf("cached faulty bundle should still fault until retry, got %s", again.Result)
	}
	retried := h.Retry(ctx, "orders")
	if retried.Result != ResultReady || retried.Bundle.CacheHit {
		t.Fatalf("retry should refetch a good bundle, got %+v", retried)
	}
	if len(h.Loader.Faults()) != 0 {
		t.Fatalf("successful remount should clear faults")
	}
}

func TestConfirmUpdateReturnsOnceRestarting(t *testing.T) {
	f := newFixture(t)
	release := make(chan error)
	h, err := New(Options{
		Config:  f.config(config.RestartModeExec),
		Client:  f.server.Client(),
		Cache:   f.store,
		Intents: f.intents,
		Restarter: restart.Func(func() error {
			return <-release
		}),
	})
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	h.Start(context.Background())
	ctx := context.Background()

	h.Navigate(ctx, "orders")
	h.Navigate(ctx, "profile")
	f.publish(h, "orders", "2.0")
	f.publish(h, "profile", "2.0")
	h.Navigate(ctx, "orders")

	offer, err := h.ConfirmUpdate(ctx)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if offer.ID != "orders" {
		t.Fatalf("unexpected confirmed offer %+v", offer)
	}
	if h.Gate.State() != gate.StateRestarting {
		t.Fatalf("expected restarting while restart is pending, got %s", h.Gate.State())
	}
	if out := h.Navigate(ctx, "profile"); out.Result != ResultOfferPending {
		t.Fatalf("重启期间的新更新应被拒绝, got %s", out.Result)
	}
	if _, err := h.ConfirmUpdate(ctx); !errors.Is(err, gate.ErrConfirmInFlight) {
		t.Fatalf("second confirm should be in flight, got %v", err)
	}

	release <- errors.New("exec denied")
	deadline := time.Now().Add(2 * time.Second)
	for h.Gate.State() != gate.StateOffered && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	held, ok := h.Gate.Current()
	if !ok || held.ID != "orders" {
		t.Fatalf("restart failure should restore the orders offer, got %+v ok=%v", held, ok)
	}
}

func TestConfirmUpdateWithoutOffer(t *testing.T) {
	f := newFixture(t)
	h := f.newHost(t, config.RestartModeExec, true)
	ctx := context.Background()

	if _, err := h.ConfirmUpdate(ctx); !errors.Is(err, gate.ErrNoOffer) {
		t.Fatalf("expected ErrNoOffer, got %v", err)
	}
}
