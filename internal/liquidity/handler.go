package liquidity

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/swapdesk/swapdesk/internal/ledger"
)

// Handler exposes the liquidity pool endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a liquidity handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type reserveRequest struct {
	Currency      string            `json:"currency"`
	Amount        string            `json:"amount"`
	TransactionID string            `json:"transaction_id"`
	OwnerID       string            `json:"owner_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type settleRequest struct {
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason,omitempty"`
}

type addRequest struct {
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id"`
	OwnerID       string `json:"owner_id"`
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, errors.New("amount is required")
	}
	return decimal.NewFromString(raw)
}

// Reserve checks the pool and reserves the requested amount.
func (h *Handler) Reserve(c *fiber.Ctx) error {
	var req reserveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.CheckAndReserve(c.UserContext(), ReserveInput{
		Currency:      req.Currency,
		Amount:        amount,
		TransactionID: req.TransactionID,
		OwnerID:       req.OwnerID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return mapError(err)
	}

	status := http.StatusCreated
	if res.AlreadyReserved {
		status = http.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"currency":         res.Currency,
		"amount":           res.Amount,
		"available":        res.Available,
		"reserved":         res.Reserved,
		"already_reserved": res.AlreadyReserved,
	})
}

// Deduct settles a reservation after a swap pays out.
func (h *Handler) Deduct(c *fiber.Ctx) error {
	return h.settle(c, h.service.Deduct)
}

// Release returns a reservation to the pool after a failed swap.
func (h *Handler) Release(c *fiber.Ctx) error {
	return h.settle(c, h.service.Release)
}

func (h *Handler) settle(c *fiber.Ctx, fn func(context.Context, SettleInput) (SettleResult, error)) error {
	var req settleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := fn(c.UserContext(), SettleInput{
		Currency:      req.Currency,
		Amount:        amount,
		TransactionID: req.TransactionID,
		Reason:        req.Reason,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(settleBody(res))
}

// Add tops up a pool wallet.
func (h *Handler) Add(c *fiber.Ctx) error {
	var req addRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.Add(c.UserContext(), AddInput{
		Currency:      req.Currency,
		Amount:        amount,
		TransactionID: req.TransactionID,
		OwnerID:       req.OwnerID,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(settleBody(res))
}

// Wallet reads one currency's pool state.
func (h *Handler) Wallet(c *fiber.Ctx) error {
	wallet, err := h.service.Wallet(c.UserContext(), c.Params("currency"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"currency":  wallet.Currency,
		"balance":   wallet.Balance,
		"available": wallet.Available,
		"reserved":  wallet.Reserved,
	})
}

func settleBody(res SettleResult) fiber.Map {
	return fiber.Map{
		"currency":        res.Currency,
		"amount":          res.Amount,
		"balance":         res.Balance,
		"available":       res.Available,
		"reserved":        res.Reserved,
		"already_settled": res.AlreadySettled,
	}
}

func mapError(err error) error {
	var insufficient *ledger.InsufficientLiquidityError
	switch {
	case errors.Is(err, ErrInvalidInput):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDisabled):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &insufficient):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrRecordMismatch):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrReservationRaceLost):
		return fiber.NewError(http.StatusConflict, "reservation lost to a concurrent request, retry")
	case errors.Is(err, ledger.ErrNoActiveReservation):
		return fiber.NewError(http.StatusConflict, "no active reservation for transaction")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
