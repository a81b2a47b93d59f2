package liquidity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapdesk/swapdesk/internal/currency"
	"github.com/swapdesk/swapdesk/internal/ledger"
	"github.com/swapdesk/swapdesk/internal/metrics"
	"github.com/swapdesk/swapdesk/internal/notification"
)

var (
	// ErrInvalidInput rejects an operation before any store access.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDisabled is returned by every mutation when the liquidity pool
	// feature is switched off in configuration.
	ErrDisabled = errors.New("liquidity pool is disabled")
)

// Service manages the pooled liquidity wallets that instant swaps draw
// from. The pool is shared across all owners, so every mutation goes
// through a reserve-then-settle protocol keyed by transaction id.
type Service struct {
	store    ledger.Store
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	enabled  bool
}

// NewService builds a liquidity service. When enabled is false all
// mutations fail with ErrDisabled; reads still work.
func NewService(store ledger.Store, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger, enabled bool) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notifier: notifier, metrics: m, logger: logger, enabled: enabled}
}

// ReserveInput captures a check-and-reserve request. Metadata travels into
// the log line only, never into the store.
type ReserveInput struct {
	Currency      string
	Amount        decimal.Decimal
	TransactionID string
	OwnerID       string
	Metadata      map[string]string
}

// ReserveResult reports the pool state after a reservation.
type ReserveResult struct {
	Currency        string
	Amount          decimal.Decimal
	Available       decimal.Decimal
	Reserved        decimal.Decimal
	AlreadyReserved bool
}

// SettleInput captures a deduct or release against an existing reservation.
type SettleInput struct {
	Currency      string
	Amount        decimal.Decimal
	TransactionID string
	Reason        string
}

// SettleResult reports the pool state after a deduct or release.
type SettleResult struct {
	Currency       string
	Amount         decimal.Decimal
	Balance        decimal.Decimal
	Available      decimal.Decimal
	Reserved       decimal.Decimal
	AlreadySettled bool
}

// AddInput captures a liquidity top-up.
type AddInput struct {
	Currency      string
	Amount        decimal.Decimal
	TransactionID string
	OwnerID       string
}

func validate(currencyCode, transactionID string, amount decimal.Decimal) (string, error) {
	if transactionID == "" {
		return "", fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidInput, amount)
	}
	if err := currency.Validate(currencyCode); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return currency.Normalize(currencyCode), nil
}

// CheckAndReserve atomically verifies the pool can cover the amount and
// moves it from available to reserved. A shortage is recorded as a blocked
// transaction so operators can see demand the pool could not serve.
func (s *Service) CheckAndReserve(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	if !s.enabled {
		return ReserveResult{}, ErrDisabled
	}
	cur, err := validate(in.Currency, in.TransactionID, in.Amount)
	if err != nil {
		return ReserveResult{}, err
	}

	start := time.Now()
	wallet, _, err := s.store.ReserveLiquidity(ctx, cur, in.Amount, in.TransactionID, in.OwnerID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.metrics.ObserveOperation(ledger.OpReserve, "duplicate", time.Since(start))
			return ReserveResult{
				Currency:        cur,
				Amount:          in.Amount,
				Available:       wallet.Available,
				Reserved:        wallet.Reserved,
				AlreadyReserved: true,
			}, nil
		}
		var insufficient *ledger.InsufficientLiquidityError
		if errors.As(err, &insufficient) {
			s.metrics.IncBlocked()
			if recErr := s.store.RecordBlocked(ctx, cur, insufficient.Available, insufficient.Required, in.TransactionID, in.OwnerID); recErr != nil {
				s.logger.Error("record blocked transaction",
					"currency", cur, "transaction_id", in.TransactionID, "error", recErr)
			}
			s.logger.Warn("liquidity shortage",
				"currency", cur, "available", insufficient.Available.String(),
				"required", insufficient.Required.String(),
				"shortage", insufficient.Shortage().String(),
				"transaction_id", in.TransactionID)
		}
		s.observeFailure(ledger.OpReserve, err, start)
		return ReserveResult{}, err
	}
	s.metrics.ObserveOperation(ledger.OpReserve, "ok", time.Since(start))

	s.logger.Info("liquidity reserved",
		"currency", cur, "amount", in.Amount.String(),
		"transaction_id", in.TransactionID, "owner_id", in.OwnerID,
		"metadata", in.Metadata)
	return ReserveResult{
		Currency:  cur,
		Amount:    in.Amount,
		Available: wallet.Available,
		Reserved:  wallet.Reserved,
	}, nil
}

// Deduct settles a reservation by removing the reserved amount from the
// pool for good. Called once the swap has paid out.
func (s *Service) Deduct(ctx context.Context, in SettleInput) (SettleResult, error) {
	if !s.enabled {
		return SettleResult{}, ErrDisabled
	}
	cur, err := validate(in.Currency, in.TransactionID, in.Amount)
	if err != nil {
		return SettleResult{}, err
	}

	start := time.Now()
	wallet, err := s.store.DeductReserved(ctx, cur, in.Amount, in.TransactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.metrics.ObserveOperation(ledger.OpDeduct, "duplicate", time.Since(start))
			return settleResult(cur, in.Amount, wallet, true), nil
		}
		s.observeFailure(ledger.OpDeduct, err, start)
		return SettleResult{}, err
	}
	s.metrics.ObserveOperation(ledger.OpDeduct, "ok", time.Since(start))

	s.logger.Info("liquidity deducted",
		"currency", cur, "amount", in.Amount.String(), "transaction_id", in.TransactionID)

	if s.notifier != nil {
		_ = s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindLiquidityDeduct,
			Destination: "treasury",
			Body:        fmt.Sprintf("Pool %s deducted %s for swap %s, balance %s", cur, in.Amount, in.TransactionID, wallet.Balance),
		})
	}
	return settleResult(cur, in.Amount, wallet, false), nil
}

// Release is the compensating action for CheckAndReserve: the reserved
// amount returns to available when the swap fails before paying out.
func (s *Service) Release(ctx context.Context, in SettleInput) (SettleResult, error) {
	if !s.enabled {
		return SettleResult{}, ErrDisabled
	}
	cur, err := validate(in.Currency, in.TransactionID, in.Amount)
	if err != nil {
		return SettleResult{}, err
	}

	start := time.Now()
	wallet, err := s.store.ReleaseReserved(ctx, cur, in.Amount, in.TransactionID, in.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.metrics.ObserveOperation(ledger.OpReleaseReserved, "duplicate", time.Since(start))
			return settleResult(cur, in.Amount, wallet, true), nil
		}
		s.observeFailure(ledger.OpReleaseReserved, err, start)
		return SettleResult{}, err
	}
	s.metrics.ObserveOperation(ledger.OpReleaseReserved, "ok", time.Since(start))

	s.logger.Info("liquidity reservation released",
		"currency", cur, "amount", in.Amount.String(),
		"transaction_id", in.TransactionID, "reason", in.Reason)
	return settleResult(cur, in.Amount, wallet, false), nil
}

// Add tops up the pool, creating the wallet on first use.
func (s *Service) Add(ctx context.Context, in AddInput) (SettleResult, error) {
	if !s.enabled {
		return SettleResult{}, ErrDisabled
	}
	cur, err := validate(in.Currency, in.TransactionID, in.Amount)
	if err != nil {
		return SettleResult{}, err
	}

	start := time.Now()
	wallet, err := s.store.AddLiquidity(ctx, cur, in.Amount, in.TransactionID, in.OwnerID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.metrics.ObserveOperation(ledger.OpAddLiquidity, "duplicate", time.Since(start))
			return settleResult(cur, in.Amount, wallet, true), nil
		}
		s.observeFailure(ledger.OpAddLiquidity, err, start)
		return SettleResult{}, err
	}
	s.metrics.ObserveOperation(ledger.OpAddLiquidity, "ok", time.Since(start))

	s.logger.Info("liquidity added",
		"currency", cur, "amount", in.Amount.String(),
		"transaction_id", in.TransactionID, "owner_id", in.OwnerID)
	return settleResult(cur, in.Amount, wallet, false), nil
}

// Wallet reads the pool state for one currency. Works even when the
// feature is disabled.
func (s *Service) Wallet(ctx context.Context, currencyCode string) (ledger.LiquidityWallet, error) {
	if err := currency.Validate(currencyCode); err != nil {
		return ledger.LiquidityWallet{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.Wallet(ctx, currency.Normalize(currencyCode))
}

func settleResult(cur string, amount decimal.Decimal, wallet ledger.LiquidityWallet, already bool) SettleResult {
	return SettleResult{
		Currency:       cur,
		Amount:         amount,
		Balance:        wallet.Balance,
		Available:      wallet.Available,
		Reserved:       wallet.Reserved,
		AlreadySettled: already,
	}
}

func (s *Service) observeFailure(operation string, err error, start time.Time) {
	reason := "error"
	var insufficient *ledger.InsufficientLiquidityError
	switch {
	case errors.As(err, &insufficient):
		reason = "insufficient_liquidity"
	case errors.Is(err, ledger.ErrReservationRaceLost):
		reason = "race_lost"
	case errors.Is(err, ledger.ErrRecordMismatch):
		reason = "record_mismatch"
	case errors.Is(err, ledger.ErrNoActiveReservation):
		reason = "no_active_reservation"
	}
	s.metrics.IncGuardFailure(operation, reason)
	s.metrics.ObserveOperation(operation, "failed", time.Since(start))
}
