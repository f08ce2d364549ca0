package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/modgate/internal/cache"
	"github.com/any-hub/modgate/internal/config"
	"github.com/any-hub/modgate/internal/gate"
	"github.com/any-hub/modgate/internal/host"
	"github.com/any-hub/modgate/internal/kvstore"
	"github.com/any-hub/modgate/internal/logging"
	"github.com/any-hub/modgate/internal/modregistry"
	"github.com/any-hub/modgate/internal/restart"
	"github.com/any-hub/modgate/internal/server"
)

type routeFixture struct {
	app      *fiber.App
	host     *host.Host
	upstream *httptest.Server
	restarts *atomic.Int32
}

func newRouteFixture(t *testing.T, listingURL string) *routeFixture {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bundle:" + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create cache store: %v", err)
	}
	restarts := &atomic.Int32{}
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5100, ListingURL: listingURL},
		Modules: []config.ModuleConfig{
			{Name: "orders", URL: upstream.URL + "/orders/1.0/orders.chunk.bundle", Version: "1.0"},
		},
	}
	h, err := host.New(host.Options{
		Config:  cfg,
		Client:  upstream.Client(),
		Cache:   store,
		Intents: kvstore.NewMemory(),
		Restarter: restart.Func(func() error {
			restarts.Add(1)
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	h.Seed()

	app, err := server.NewApp(server.AppOptions{Logger: logging.Discard(), ListenPort: 5100})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	Register(app, h)
	return &routeFixture{app: app, host: h, upstream: upstream, restarts: restarts}
}

func (f *routeFixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s %s failed: %v", method, path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	payload := map[string]interface{}{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode %s: %v", string(raw), err)
		}
	}
	return resp, payload
}

func (f *routeFixture) publish(version string) {
	f.host.Registry.Upsert(modregistry.Descriptor{
		ID:             "orders",
		RemoteLocation: f.upstream.URL + "/orders/" + version + "/orders.chunk.bundle",
		RemoteVersion:  version,
	})
}

func TestNavigateRouteOutcomes(t *testing.T) {
	f := newRouteFixture(t, "")

	resp, payload := f.do(t, "POST", "/navigate/orders", "")
	if resp.StatusCode != fiber.StatusOK || payload["result"] != "ready" {
		t.Fatalf("expected ready, got %d %v", resp.StatusCode, payload)
	}

	resp, payload = f.do(t, "POST", "/navigate/missing", "")
	if resp.StatusCode != fiber.StatusNotFound || payload["error"] != "module_not_found" {
		t.Fatalf("expected module_not_found, got %d %v", resp.StatusCode, payload)
	}

	f.publish("2.0")
	resp, payload = f.do(t, "POST", "/navigate/orders", "")
	if resp.StatusCode != fiber.StatusOK || payload["result"] != "update_available" {
		t.Fatalf("expected update_available, got %d %v", resp.StatusCode, payload)
	}
	offer, _ := payload["offer"].(map[string]interface{})
	if offer["latest_version"] != "2.0" || offer["current_version"] != "1.0" {
		t.Fatalf("unexpected offer %v", offer)
	}

	resp, _ = f.do(t, "POST", "/navigate/orders", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409 offer_pending, got %d", resp.StatusCode)
	}
}

func TestUpdateRoutes(t *testing.T) {
	f := newRouteFixture(t, "")

	resp, _ := f.do(t, "POST", "/-/update/confirm", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("confirm without offer should be 409, got %d", resp.StatusCode)
	}

	f.do(t, "POST", "/navigate/orders", "")
	f.publish("2.0")
	f.do(t, "POST", "/navigate/orders", "")

	_, payload := f.do(t, "GET", "/-/update", "")
	if payload["state"] != "offered" {
		t.Fatalf("expected offered state, got %v", payload)
	}

	resp, payload = f.do(t, "POST", "/-/update/confirm", "")
	if resp.StatusCode != fiber.StatusAccepted || payload["id"] != "orders" {
		t.Fatalf("expected 202 restarting, got %d %v", resp.StatusCode, payload)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.restarts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.restarts.Load() != 1 {
		t.Fatalf("expected one restart, got %d", f.restarts.Load())
	}
	for f.host.Gate.State() != gate.StateIdle && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	resp, _ = f.do(t, "POST", "/-/update/decline", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("decline without offer should be 409, got %d", resp.StatusCode)
	}
}

func TestBundleRouteHeaders(t *testing.T) {
	f := newRouteFixture(t, "")

	resp, _ := f.do(t, "GET", "/modules/orders/bundle", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(headerCacheHit) != "false" || resp.Header.Get(headerVersion) != "1.0" {
		t.Fatalf("unexpected headers: %v", resp.Header)
	}

	resp, _ = f.do(t, "GET", "/modules/orders/bundle", "")
	if resp.Header.Get(headerCacheHit) != "true" {
		t.Fatalf("second request should hit cache")
	}

	resp, _ = f.do(t, "GET", "/modules/missing/bundle", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestFaultAndDiagnosticsRoutes(t *testing.T) {
	f := newRouteFixture(t, "")

	resp, _ := f.do(t, "POST", "/modules/orders/fault", `{"reason":"blank screen"}`)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "POST", "/modules/orders/fault", `{bad`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", resp.StatusCode)
	}

	_, payload := f.do(t, "GET", "/-/modules", "")
	faults, _ := payload["faults"].([]interface{})
	if len(faults) != 1 {
		t.Fatalf("expected one fault, got %v", payload["faults"])
	}

	resp, payload = f.do(t, "POST", "/modules/orders/retry", "")
	if resp.StatusCode != fiber.StatusOK || payload["result"] != "ready" {
		t.Fatalf("retry should succeed, got %d %v", resp.StatusCode, payload)
	}

	_, payload = f.do(t, "GET", "/-/modules/orders", "")
	if payload["loaded_version"] != "1.0" {
		t.Fatalf("expected loaded_version 1.0, got %v", payload)
	}
	resp, _ = f.do(t, "GET", "/-/modules/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	_, payload = f.do(t, "GET", "/-/navigation", "")
	if payload["id"] != "orders" {
		t.Fatalf("expected last navigation orders, got %v", payload)
	}
}

func TestRefreshRoute(t *testing.T) {
	f := newRouteFixture(t, "")
	resp, _ := f.do(t, "POST", "/-/modules/refresh", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected listing_not_configured, got %d", resp.StatusCode)
	}

	listingServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"200","msg":"ok","results":[{"des":"资料","url":"https://cdn.example.com/p/1/profile.chunk.bundle","version":"1"}]}`))
	}))
	t.Cleanup(listingServer.Close)

	withListing := newRouteFixture(t, listingServer.URL)
	resp, payload := withListing.do(t, "POST", "/-/modules/refresh", "")
	if resp.StatusCode != fiber.StatusOK || payload["modules"] != float64(1) {
		t.Fatalf("expected 1 refreshed module, got %d %v", resp.StatusCode, payload)
	}
	if _, ok := withListing.host.Registry.Get("profile"); !ok {
		t.Fatalf("refreshed module should be registered")
	}
}
