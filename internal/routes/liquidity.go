package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/swapdesk/swapdesk/internal/liquidity"
)

// RegisterLiquidityRoutes wires the pooled-liquidity endpoints.
func RegisterLiquidityRoutes(r fiber.Router, h *liquidity.Handler) {
	group := r.Group("/liquidity")
	group.Post("/reserve", h.Reserve)
	group.Post("/deduct", h.Deduct)
	group.Post("/release", h.Release)
	group.Post("/add", h.Add)
	group.Get("/:currency", h.Wallet)
}
