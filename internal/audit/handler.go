package audit

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/swapdesk/swapdesk/internal/ledger"
)

// Handler exposes the operator audit endpoints.
type Handler struct {
	reader *Reader
}

// NewHandler constructs an audit handler.
func NewHandler(reader *Reader) *Handler {
	return &Handler{reader: reader}
}

// Reconcile runs a full sweep and reports violations.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	violations, err := h.reader.Reconcile(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"violations": violations,
		"count":      len(violations),
	})
}

// History reads the audit trail with optional query filters.
func (h *Handler) History(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	entries, err := h.reader.History(c.UserContext(), ledger.HistoryFilter{
		OwnerID:       c.Query("owner_id"),
		Currency:      c.Query("currency"),
		Operation:     c.Query("operation"),
		TransactionID: c.Query("transaction_id"),
		Limit:         limit,
	})
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

// Blocked lists recent liquidity-denied transactions.
func (h *Handler) Blocked(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	rows, err := h.reader.Blocked(c.UserContext(), limit)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"blocked": rows, "count": len(rows)})
}

type clearHoldRequest struct {
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`
}

// ClearHold lifts a reconciliation hold from a balance record.
func (h *Handler) ClearHold(c *fiber.Ctx) error {
	var req clearHoldRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.OwnerID == "" || req.Currency == "" {
		return fiber.NewError(http.StatusBadRequest, "owner_id and currency are required")
	}
	if err := h.reader.ClearHold(c.UserContext(), req.OwnerID, req.Currency); err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(http.StatusNoContent)
}
