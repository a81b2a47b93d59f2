package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/swapdesk/swapdesk/internal/escrow"
)

// RegisterEscrowRoutes wires escrow and balance endpoints.
func RegisterEscrowRoutes(r fiber.Router, h *escrow.Handler) {
	group := r.Group("/escrow")
	group.Post("/lock", h.Lock)
	group.Post("/unlock", h.Unlock)
	group.Post("/release", h.Release)

	r.Get("/balances/:owner/:currency", h.Balance)
}
