package escrow

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/swapdesk/swapdesk/internal/ledger"
)

// Handler exposes the escrow endpoints.
type Handler struct {
	service           *Service
	defaultFeePercent decimal.Decimal
}

// NewHandler constructs an escrow handler. defaultFeePercent applies to
// release requests that do not carry their own fee percentage.
func NewHandler(service *Service, defaultFeePercent decimal.Decimal) *Handler {
	return &Handler{service: service, defaultFeePercent: defaultFeePercent}
}

type lockRequest struct {
	OwnerID       string `json:"owner_id"`
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

type unlockRequest struct {
	OwnerID       string `json:"owner_id"`
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

type releaseRequest struct {
	SellerID      string `json:"seller_id"`
	BuyerID       string `json:"buyer_id"`
	Currency      string `json:"currency"`
	GrossAmount   string `json:"gross_amount"`
	FeePercent    string `json:"fee_percent,omitempty"`
	TransactionID string `json:"transaction_id"`
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, errors.New("amount is required")
	}
	return decimal.NewFromString(raw)
}

// Lock places funds in escrow for a trade.
func (h *Handler) Lock(c *fiber.Ctx) error {
	var req lockRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.Lock(c.UserContext(), LockInput{
		OwnerID:       req.OwnerID,
		Currency:      req.Currency,
		Amount:        amount,
		TransactionID: req.TransactionID,
	})
	if err != nil {
		return mapError(err)
	}

	status := http.StatusCreated
	if res.AlreadyLocked {
		status = http.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"owner_id":       res.OwnerID,
		"currency":       res.Currency,
		"amount":         res.Amount,
		"available":      res.Available,
		"locked":         res.Locked,
		"already_locked": res.AlreadyLocked,
	})
}

// Unlock returns escrowed funds to the owner.
func (h *Handler) Unlock(c *fiber.Ctx) error {
	var req unlockRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.Unlock(c.UserContext(), UnlockInput{
		OwnerID:       req.OwnerID,
		Currency:      req.Currency,
		Amount:        amount,
		TransactionID: req.TransactionID,
		Reason:        req.Reason,
	})
	if err != nil {
		return mapError(err)
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"owner_id":         res.OwnerID,
		"currency":         res.Currency,
		"amount":           res.Amount,
		"available":        res.Available,
		"locked":           res.Locked,
		"already_unlocked": res.AlreadyUnlocked,
	})
}

// Release settles a completed trade to the buyer.
func (h *Handler) Release(c *fiber.Ctx) error {
	var req releaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	gross, err := parseAmount(req.GrossAmount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	feePercent := h.defaultFeePercent
	if req.FeePercent != "" {
		feePercent, err = decimal.NewFromString(req.FeePercent)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}

	res, err := h.service.Release(c.UserContext(), ReleaseInput{
		SellerID:      req.SellerID,
		BuyerID:       req.BuyerID,
		Currency:      req.Currency,
		GrossAmount:   gross,
		FeePercent:    feePercent,
		TransactionID: req.TransactionID,
	})
	if err != nil {
		return mapError(err)
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"seller_id":    res.SellerID,
		"buyer_id":     res.BuyerID,
		"currency":     res.Currency,
		"gross_amount": res.GrossAmount,
		"fee_amount":   res.FeeAmount,
		"net_amount":   res.NetAmount,
		"fee_percent":  res.FeePercent,
	})
}

// Balance reads one owner's custody record.
func (h *Handler) Balance(c *fiber.Ctx) error {
	rec, err := h.service.Balance(c.UserContext(), c.Params("owner"), c.Params("currency"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"owner_id":  rec.OwnerID,
		"currency":  rec.Currency,
		"total":     rec.Total,
		"available": rec.Available,
		"locked":    rec.Locked,
		"status":    rec.Status,
	})
}

func mapError(err error) error {
	var insufficient *ledger.InsufficientAvailableError
	switch {
	case errors.Is(err, ErrInvalidInput):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficient):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrRecordMismatch):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNoActiveLock):
		return fiber.NewError(http.StatusConflict, "no active lock for transaction")
	case errors.Is(err, ledger.ErrRecordHeld):
		return fiber.NewError(http.StatusLocked, "balance record is held pending reconciliation")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
