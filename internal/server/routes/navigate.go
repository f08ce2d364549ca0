// Package routes 把 host 暴露为 HTTP 接口。
package routes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/modgate/internal/host"
	"github.com/any-hub/modgate/internal/loader"
	"github.com/any-hub/modgate/internal/modregistry"
	"github.com/any-hub/modgate/internal/server"
)

const (
	headerCacheHit = "X-Modgate-Cache-Hit"
	headerVersion  = "X-Modgate-Version"
)

type navigatePayload struct {
	Result   host.Result `json:"result"`
	ID       string      `json:"id"`
	Version  string      `json:"version,omitempty"`
	CacheHit bool        `json:"cache_hit,omitempty"`
	Offer    interface{} `json:"offer,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type faultRequest struct {
	Reason string `json:"reason"`
}

// RegisterNavigationRoutes 注册模块入口点击、分包下载、重试与故障上报接口。
func RegisterNavigationRoutes(app *fiber.App, h *host.Host) {
	if app == nil || h == nil {
		return
	}

	app.Post("/navigate/:id", func(c fiber.Ctx) error {
		id, ok := moduleParam(c)
		if !ok {
			return server.RenderError(c, fiber.StatusBadRequest, "module_id_required")
		}
		return renderOutcome(c, h.Navigate(requestContext(c), id))
	})

	app.Post("/modules/:id/retry", func(c fiber.Ctx) error {
		id, ok := moduleParam(c)
		if !ok {
			return server.RenderError(c, fiber.StatusBadRequest, "module_id_required")
		}
		return renderOutcome(c, h.Retry(requestContext(c), id))
	})

	app.Get("/modules/:id/bundle", func(c fiber.Ctx) error {
		id, ok := moduleParam(c)
		if !ok {
			return server.RenderError(c, fiber.StatusBadRequest, "module_id_required")
		}
		bundle, err := h.Loader.Mount(requestContext(c), id, loader.Verify)
		if err != nil {
			return server.RenderError(c, loadErrorStatus(err), string(loadErrorCode(err)))
		}
		c.Set(fiber.HeaderContentType, "application/javascript")
		c.Set(headerVersion, bundle.Version)
		if bundle.CacheHit {
			c.Set(headerCacheHit, "true")
		} else {
			c.Set(headerCacheHit, "false")
		}
		return c.Send(bundle.Body)
	})

	app.Post("/modules/:id/fault", func(c fiber.Ctx) error {
		id, ok := moduleParam(c)
		if !ok {
			return server.RenderError(c, fiber.StatusBadRequest, "module_id_required")
		}
		var req faultRequest
		if body := c.Body(); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return server.RenderError(c, fiber.StatusBadRequest, "invalid_body")
			}
		}
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "unspecified"
		}
		if err := h.Loader.ReportFault(id, reason); err != nil {
			return server.RenderError(c, loadErrorStatus(err), string(loadErrorCode(err)))
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/navigation", func(c fiber.Ctx) error {
		nav, ok := h.LastNavigation()
		if !ok {
			return server.RenderError(c, fiber.StatusNotFound, "no_navigation")
		}
		return c.JSON(nav)
	})
}

func renderOutcome(c fiber.Ctx, out host.Outcome) error {
	payload := navigatePayload{Result: out.Result, ID: out.ID}
	if out.Offer != nil {
		payload.Offer = out.Offer
	}

	status := fiber.StatusOK
	switch out.Result {
	case host.ResultReady:
		payload.Version = out.Bundle.Version
		payload.CacheHit = out.Bundle.CacheHit
	case host.ResultUpdateAvailable:
	case host.ResultOfferPending:
		status = fiber.StatusConflict
		payload.Error = string(out.Result)
	case host.ResultNotFound:
		status = fiber.StatusNotFound
		payload.Error = string(out.Result)
	case host.ResultFaulted:
		status = fiber.StatusUnprocessableEntity
		payload.Error = string(out.Result)
	default:
		status = fiber.StatusBadGateway
		payload.Error = string(out.Result)
	}
	return c.Status(status).JSON(payload)
}

func loadErrorCode(err error) loader.Kind {
	if kind := loader.KindOf(err); kind != "" {
		return kind
	}
	return loader.KindFetchFailed
}

func loadErrorStatus(err error) int {
	switch loader.KindOf(err) {
	case loader.KindUnregistered:
		return fiber.StatusNotFound
	case loader.KindFaulted:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusBadGateway
	}
}

func moduleParam(c fiber.Ctx) (string, bool) {
	id := modregistry.NormalizeID(c.Params("id"))
	return id, id != ""
}

// requestContext 返回请求上下文；客户端断开不应打断缓存写入等副作用。
func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
