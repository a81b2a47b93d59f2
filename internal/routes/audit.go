package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/swapdesk/swapdesk/internal/audit"
)

// RegisterAuditRoutes wires the operator audit endpoints.
func RegisterAuditRoutes(r fiber.Router, h *audit.Handler) {
	group := r.Group("/audit")
	group.Post("/reconcile", h.Reconcile)
	group.Post("/clear-hold", h.ClearHold)
	group.Get("/history", h.History)
	group.Get("/blocked", h.Blocked)
}
