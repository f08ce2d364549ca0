package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/modgate/internal/gate"
	"github.com/any-hub/modgate/internal/host"
	"github.com/any-hub/modgate/internal/server"
)

type updatePayload struct {
	State gate.State  `json:"state"`
	Offer interface{} `json:"offer,omitempty"`
}

// RegisterUpdateRoutes 暴露更新提示的查询、确认与拒绝。
func RegisterUpdateRoutes(app *fiber.App, h *host.Host) {
	if app == nil || h == nil {
		return
	}

	app.Get("/-/update", func(c fiber.Ctx) error {
		return c.JSON(currentUpdate(h))
	})

	app.Post("/-/update/confirm", func(c fiber.Ctx) error {
		offer, err := h.ConfirmUpdate(requestContext(c))
		if err != nil {
			status, code := gateErrorResponse(err)
			return server.RenderError(c, status, code)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"result":  "restarting",
			"id":      offer.ID,
			"version": offer.LatestVersion,
		})
	})

	app.Post("/-/update/decline", func(c fiber.Ctx) error {
		if err := h.Gate.Decline(); err != nil {
			status, code := gateErrorResponse(err)
			return server.RenderError(c, status, code)
		}
		return c.JSON(currentUpdate(h))
	})
}

func currentUpdate(h *host.Host) updatePayload {
	payload := updatePayload{State: h.Gate.State()}
	if offer, ok := h.Gate.Current(); ok {
		payload.Offer = offer
	}
	return payload
}

func gateErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, gate.ErrNoOffer):
		return fiber.StatusConflict, "no_offer"
	case errors.Is(err, gate.ErrConfirmInFlight):
		return fiber.StatusConflict, "confirm_in_flight"
	case errors.Is(err, gate.ErrEvictFailed):
		return fiber.StatusInternalServerError, "evict_failed"
	case errors.Is(err, gate.ErrPersistIntentFailed):
		return fiber.StatusInternalServerError, "persist_intent_failed"
	case errors.Is(err, gate.ErrRestartFailed):
		return fiber.StatusInternalServerError, "restart_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}
