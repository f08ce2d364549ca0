package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/modgate/internal/host"
	"github.com/any-hub/modgate/internal/listing"
	"github.com/any-hub/modgate/internal/server"
)

// RegisterModuleRoutes 暴露 /-/modules 诊断接口，查询注册表、已加载版本与故障记录。
func RegisterModuleRoutes(app *fiber.App, h *host.Host) {
	if app == nil || h == nil {
		return
	}

	app.Get("/-/modules", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"modules": h.Modules(),
			"ledger":  h.Ledger.Snapshot(),
			"faults":  h.Loader.Faults(),
			"update":  currentUpdate(h),
		}
		if h.Refresher != nil {
			payload["listing"] = h.Refresher.Status()
		}
		return c.JSON(payload)
	})

	app.Post("/-/modules/refresh", func(c fiber.Ctx) error {
		if h.Refresher == nil {
			return server.RenderError(c, fiber.StatusConflict, "listing_not_configured")
		}
		applied, err := h.Refresher.Refresh(requestContext(c))
		if err != nil {
			var refreshErr *listing.RefreshError
			if errors.As(err, &refreshErr) {
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
					"error":    "refresh_failed",
					"attempts": refreshErr.Attempts,
				})
			}
			return server.RenderError(c, fiber.StatusBadGateway, "refresh_failed")
		}
		return c.JSON(fiber.Map{"modules": applied})
	})

	app.Get("/-/modules/:id", func(c fiber.Ctx) error {
		id, ok := moduleParam(c)
		if !ok {
			return server.RenderError(c, fiber.StatusBadRequest, "module_id_required")
		}
		view, ok := h.Module(id)
		if !ok {
			return server.RenderError(c, fiber.StatusNotFound, "module_not_found")
		}
		return c.JSON(view)
	})
}

// Register 注册全部路由。
func Register(app *fiber.App, h *host.Host) {
	RegisterNavigationRoutes(app, h)
	RegisterUpdateRoutes(app, h)
	RegisterModuleRoutes(app, h)
}
