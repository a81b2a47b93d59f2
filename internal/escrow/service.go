package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapdesk/swapdesk/internal/currency"
	"github.com/swapdesk/swapdesk/internal/fee"
	"github.com/swapdesk/swapdesk/internal/ledger"
	"github.com/swapdesk/swapdesk/internal/metrics"
	"github.com/swapdesk/swapdesk/internal/notification"
)

// FeeAccountID owns the platform fee balance credited on every release.
const FeeAccountID = "platform:fees"

// ErrInvalidInput rejects an operation before any store access.
var ErrInvalidInput = errors.New("invalid input")

// Service implements the escrow side of fund movement: locking a seller's
// crypto for a P2P trade, releasing it to the buyer minus the platform fee,
// or unlocking it when the trade does not complete.
type Service struct {
	store    ledger.Store
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService builds an escrow service.
func NewService(store ledger.Store, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, notifier: notifier, metrics: m, logger: logger}
}

// LockInput captures the data required to lock a seller's funds.
type LockInput struct {
	OwnerID       string
	Currency      string
	Amount        decimal.Decimal
	TransactionID string
}

// LockResult reports the record state after a lock.
type LockResult struct {
	OwnerID       string
	Currency      string
	Amount        decimal.Decimal
	Available     decimal.Decimal
	Locked        decimal.Decimal
	AlreadyLocked bool
}

// UnlockInput captures the data required to compensate a lock.
type UnlockInput struct {
	OwnerID       string
	Currency      string
	Amount        decimal.Decimal
	TransactionID string
	Reason        string
}

// UnlockResult reports the record state after an unlock.
type UnlockResult struct {
	OwnerID         string
	Currency        string
	Amount          decimal.Decimal
	Available       decimal.Decimal
	Locked          decimal.Decimal
	AlreadyUnlocked bool
}

// ReleaseInput captures the data required to settle a completed trade.
type ReleaseInput struct {
	SellerID      string
	BuyerID       string
	Currency      string
	GrossAmount   decimal.Decimal
	FeePercent    decimal.Decimal
	TransactionID string
}

// ReleaseResult reports the amounts settled for the caller to persist
// against its trade record.
type ReleaseResult struct {
	GrossAmount decimal.Decimal
	FeeAmount   decimal.Decimal
	NetAmount   decimal.Decimal
	FeePercent  decimal.Decimal
	SellerID    string
	BuyerID     string
	Currency    string
}

func validateCommon(ownerID, currencyCode, transactionID string, amount decimal.Decimal) error {
	if ownerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if transactionID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidInput, amount)
	}
	if err := currency.Validate(currencyCode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Lock moves funds from the seller's available balance into escrow.
// A retried lock for an already-locked transaction is a safe no-op.
func (s *Service) Lock(ctx context.Context, in LockInput) (LockResult, error) {
	if err := validateCommon(in.OwnerID, in.Currency, in.TransactionID, in.Amount); err != nil {
		return LockResult{}, err
	}
	cur := currency.Normalize(in.Currency)

	start := time.Now()
	rec, err := s.store.LockFunds(ctx, in.OwnerID, cur, in.Amount, in.TransactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.metrics.ObserveOperation(ledger.OpLock, "duplicate", time.Since(start))
			return LockResult{
				OwnerID:       in.OwnerID,
				Currency:      cur,
				Amount:        in.Amount,
				Available:     rec.Available,
				Locked:        rec.Locked,
				AlreadyLocked: true,
			}, nil
		}
		s.observeFailure(ledger.OpLock, err, start)
		return LockResult{}, err
	}
	s.metrics.ObserveOperation(ledger.OpLock, "ok", time.Since(start))

	s.logger.Info("escrow locked",
		"owner_id", in.OwnerID, "currency", cur,
		"amount", in.Amount.String(), "transaction_id", in.TransactionID)
	return LockResult{
		OwnerID:   in.OwnerID,
		Currency:  cur,
		Amount:    in.Amount,
		Available: rec.Available,
		Locked:    rec.Locked,
	}, nil
}

// Unlock is the compensating action for Lock, used when a trade is cancelled
// or disputed against the locker. Safe to retry.
func (s *Service) Unlock(ctx context.Context, in UnlockInput) (UnlockResult, error) {
	if err := validateCommon(in.OwnerID, in.Currency, in.TransactionID, in.Amount); err != nil {
		return UnlockResult{}, err
	}
	cur := currency.Normalize(in.Currency)

	start := time.Now()
	rec, err := s.store.UnlockFunds(ctx, in.OwnerID, cur, in.Amount, in.TransactionID, in.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.metrics.ObserveOperation(ledger.OpUnlock, "duplicate", time.Since(start))
			return UnlockResult{
				OwnerID:         in.OwnerID,
				Currency:        cur,
				Amount:          in.Amount,
				Available:       rec.Available,
				Locked:          rec.Locked,
				AlreadyUnlocked: true,
			}, nil
		}
		s.observeFailure(ledger.OpUnlock, err, start)
		return UnlockResult{}, err
	}
	s.metrics.ObserveOperation(ledger.OpUnlock, "ok", time.Since(start))

	s.logger.Info("escrow unlocked",
		"owner_id", in.OwnerID, "currency", cur,
		"amount", in.Amount.String(), "transaction_id", in.TransactionID, "reason", in.Reason)
	return UnlockResult{
		OwnerID:   in.OwnerID,
		Currency:  cur,
		Amount:    in.Amount,
		Available: rec.Available,
		Locked:    rec.Locked,
	}, nil
}

// Release settles a completed trade: the seller's locked funds are burned,
// the buyer is credited the net amount and the platform fee account the fee.
// The three sub-steps run in a fixed order and each is idempotent on the
// transaction id, so a partially applied release is retried with the same
// id until all three steps have landed. No multi-record transaction is used.
func (s *Service) Release(ctx context.Context, in ReleaseInput) (ReleaseResult, error) {
	if err := validateCommon(in.SellerID, in.Currency, in.TransactionID, in.GrossAmount); err != nil {
		return ReleaseResult{}, err
	}
	if in.BuyerID == "" {
		return ReleaseResult{}, fmt.Errorf("%w: buyer is required", ErrInvalidInput)
	}
	cur := currency.Normalize(in.Currency)

	breakdown, err := fee.Compute(in.GrossAmount, in.FeePercent, cur)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	start := time.Now()

	// Step 1: seller decrement, the only step that can fail on a guard.
	if _, err := s.store.BurnLocked(ctx, in.SellerID, cur, in.GrossAmount, in.TransactionID); err != nil {
		if !errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.observeFailure(ledger.OpReleaseBurn, err, start)
			return ReleaseResult{}, err
		}
	}

	// Steps 2 and 3: credits cannot fail on a guard, only on the store being
	// unreachable, in which case the caller retries with the same id.
	if _, err := s.store.Credit(ctx, in.BuyerID, cur, breakdown.Net, ledger.OpReleaseCredit, in.TransactionID); err != nil {
		if !errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.observeFailure(ledger.OpReleaseCredit, err, start)
			return ReleaseResult{}, err
		}
	}
	if breakdown.Fee.GreaterThan(decimal.Zero) {
		if _, err := s.store.Credit(ctx, FeeAccountID, cur, breakdown.Fee, ledger.OpReleaseFee, in.TransactionID); err != nil {
			if !errors.Is(err, ledger.ErrDuplicateTransaction) {
				s.observeFailure(ledger.OpReleaseFee, err, start)
				return ReleaseResult{}, err
			}
		}
	}
	s.metrics.ObserveOperation(ledger.OpReleaseBurn, "ok", time.Since(start))

	s.logger.Info("escrow released",
		"seller_id", in.SellerID, "buyer_id", in.BuyerID, "currency", cur,
		"gross", breakdown.Gross.String(), "fee", breakdown.Fee.String(),
		"net", breakdown.Net.String(), "transaction_id", in.TransactionID)

	if s.notifier != nil {
		_ = s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindEscrowRelease,
			Destination: in.BuyerID,
			Body:        fmt.Sprintf("You received %s %s from trade %s", breakdown.Net, cur, in.TransactionID),
		})
	}

	return ReleaseResult{
		GrossAmount: breakdown.Gross,
		FeeAmount:   breakdown.Fee,
		NetAmount:   breakdown.Net,
		FeePercent:  breakdown.FeePercent,
		SellerID:    in.SellerID,
		BuyerID:     in.BuyerID,
		Currency:    cur,
	}, nil
}

// Balance reads the custody record for an owner.
func (s *Service) Balance(ctx context.Context, ownerID, currencyCode string) (ledger.BalanceRecord, error) {
	if err := currency.Validate(currencyCode); err != nil {
		return ledger.BalanceRecord{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.Balance(ctx, ownerID, currency.Normalize(currencyCode))
}

func (s *Service) observeFailure(operation string, err error, start time.Time) {
	reason := "error"
	var insufficient *ledger.InsufficientAvailableError
	switch {
	case errors.As(err, &insufficient):
		reason = "insufficient_available"
	case errors.Is(err, ledger.ErrNoActiveLock):
		reason = "no_active_lock"
	case errors.Is(err, ledger.ErrRecordMismatch):
		reason = "record_mismatch"
	case errors.Is(err, ledger.ErrRecordHeld):
		reason = "record_held"
	}
	s.metrics.IncGuardFailure(operation, reason)
	s.metrics.ObserveOperation(operation, "failed", time.Since(start))
}
