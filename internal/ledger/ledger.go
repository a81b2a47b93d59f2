package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateTransaction indicates the provided transaction identifier was
	// already applied for the requested operation. Callers treat it as an
	// idempotent no-op and read the returned state instead of failing.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrNoActiveLock occurs when release or unlock is attempted for a
	// transaction identifier with no prior successful lock.
	ErrNoActiveLock = errors.New("no active lock for transaction")

	// ErrNoActiveReservation occurs when deduct or release is attempted for a
	// transaction identifier with no matching reserved liquidity.
	ErrNoActiveReservation = errors.New("no active reservation for transaction")

	// ErrReservationRaceLost indicates the pool held enough liquidity when the
	// operation started but a concurrent caller consumed it before the guarded
	// update applied. The whole operation is safe to retry from scratch.
	ErrReservationRaceLost = errors.New("reservation race lost")

	// ErrRecordHeld indicates the balance record failed reconciliation and is
	// blocked from automated settlement until an operator clears the hold.
	ErrRecordHeld = errors.New("balance record held pending reconciliation")

	// ErrRecordMismatch rejects a settle or compensating call whose owner,
	// currency or amount disagrees with the stored lock or reservation for
	// that transaction. The stored record stays active; nothing is moved or
	// closed on a mismatched call.
	ErrRecordMismatch = errors.New("call does not match stored record")
)

// InsufficientAvailableError reports a lock that exceeds the owner's available
// balance, carrying the state observed when the guard failed.
type InsufficientAvailableError struct {
	OwnerID   string
	Currency  string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientAvailableError) Error() string {
	return fmt.Sprintf("insufficient available balance: available %s %s, requested %s",
		e.Available, e.Currency, e.Requested)
}

// InsufficientLiquidityError reports a reservation that exceeds the pooled
// available liquidity for a currency.
type InsufficientLiquidityError struct {
	Currency  string
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity: available %s %s, required %s, shortage %s",
		e.Available, e.Currency, e.Required, e.Shortage())
}

// Shortage is the amount missing from the pool.
func (e *InsufficientLiquidityError) Shortage() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// matchLock refuses to close a lock on behalf of the wrong owner or for the
// wrong amount. Both backends run this check before moving anything, so a
// mismatched call never strands the stored lock in a terminal state.
func matchLock(lock LockRecord, ownerID, currency string, amount decimal.Decimal) error {
	if lock.OwnerID != ownerID || lock.Currency != currency || !lock.Amount.Equal(amount) {
		return fmt.Errorf("%w: lock %s is %s %s for owner %s, got %s %s for owner %s",
			ErrRecordMismatch, lock.TransactionID, lock.Amount, lock.Currency, lock.OwnerID,
			amount, currency, ownerID)
	}
	return nil
}

// matchReservation refuses partial or cross-currency settles of a pooled
// reservation; deduct and release always settle the full reserved amount.
func matchReservation(res Reservation, currency string, amount decimal.Decimal) error {
	if res.Currency != currency || !res.Amount.Equal(amount) {
		return fmt.Errorf("%w: reservation %s is %s %s, got %s %s",
			ErrRecordMismatch, res.TransactionID, res.Amount, res.Currency,
			amount, currency)
	}
	return nil
}

// Balance record statuses.
const (
	StatusActive = "active"
	StatusHeld   = "held"
)

// Escrow lock statuses. A lock moves none -> locked -> released|unlocked;
// both end states are terminal.
const (
	LockStatusLocked   = "locked"
	LockStatusReleased = "released"
	LockStatusUnlocked = "unlocked"
)

// Reservation statuses for pooled liquidity.
const (
	ReservationStatusReserved  = "reserved"
	ReservationStatusReleased  = "released"
	ReservationStatusCompleted = "completed"
)

// History operation names. (transaction_id, operation) is unique in the
// history, which is what makes every sub-step individually idempotent.
const (
	OpCredit          = "credit"
	OpLock            = "lock"
	OpUnlock          = "unlock"
	OpReleaseBurn     = "release_burn"
	OpReleaseCredit   = "release_credit"
	OpReleaseFee      = "release_fee"
	OpReserve         = "reserve"
	OpDeduct          = "deduct"
	OpReleaseReserved = "release_reserved"
	OpAddLiquidity    = "add_liquidity"
)

// BalanceRecord is the per-(owner, currency) custody record.
// Invariant: Total == Available + Locked, no field negative.
type BalanceRecord struct {
	OwnerID   string
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
	Status    string
	UpdatedAt time.Time
}

// LiquidityWallet is the singleton per-currency platform pool.
// Invariant: Balance == Available + Reserved, no field negative.
type LiquidityWallet struct {
	Currency  string
	Balance   decimal.Decimal
	Available decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// LockRecord tracks the escrow lifecycle of one transaction identifier.
type LockRecord struct {
	TransactionID string
	OwnerID       string
	Currency      string
	Amount        decimal.Decimal
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Reservation tracks one in-flight pooled-liquidity transaction.
type Reservation struct {
	ID            string
	TransactionID string
	OwnerID       string
	Currency      string
	Amount        decimal.Decimal
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HistoryEntry is the immutable audit record written in the same step as
// every balance mutation. The mutating path never reads it back except for
// the (transaction_id, operation) idempotency check.
type HistoryEntry struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation"`
	OwnerID       string          `json:"owner_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BlockedTransaction is an operator-visibility row recorded when a
// reservation is denied for lack of liquidity.
type BlockedTransaction struct {
	ID            string          `json:"id"`
	Currency      string          `json:"currency"`
	Available     decimal.Decimal `json:"available"`
	Required      decimal.Decimal `json:"required"`
	TransactionID string          `json:"transaction_id"`
	OwnerID       string          `json:"owner_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// HistoryFilter narrows audit history reads.
type HistoryFilter struct {
	OwnerID       string
	Currency      string
	Operation     string
	TransactionID string
	Limit         int
}

// Store is the contract implemented by ledger backends. Every mutating method
// is a single guarded update: the backend evaluates the guard against the
// current stored record and applies the delta in one indivisible step,
// together with the history insert. There is no cross-record transaction and
// no application-level mutex; concurrent callers racing on the same record
// are serialized by the backend, and the loser observes a guard failure.
type Store interface {
	// Balance reads the custody record, returning a zeroed record when the
	// owner has never been credited.
	Balance(ctx context.Context, ownerID, currency string) (BalanceRecord, error)

	// Credit adds amount to available and total, creating the record on first
	// credit. Idempotent per (transactionID, operation).
	Credit(ctx context.Context, ownerID, currency string, amount decimal.Decimal, operation, transactionID string) (BalanceRecord, error)

	// LockFunds moves amount from available to locked, guarded on
	// available >= amount, and opens a lock record for the transaction.
	LockFunds(ctx context.Context, ownerID, currency string, amount decimal.Decimal, transactionID string) (BalanceRecord, error)

	// UnlockFunds reverses LockFunds, guarded on locked >= amount, and closes
	// the lock record as unlocked. Fails with ErrRecordMismatch when owner,
	// currency or amount disagree with the stored lock.
	UnlockFunds(ctx context.Context, ownerID, currency string, amount decimal.Decimal, transactionID, reason string) (BalanceRecord, error)

	// BurnLocked removes amount from locked and total, guarded on
	// locked >= amount, and closes the lock record as released. This is the
	// seller-side first step of an escrow release. Fails with
	// ErrRecordMismatch when owner, currency or amount disagree with the
	// stored lock.
	BurnLocked(ctx context.Context, ownerID, currency string, amount decimal.Decimal, transactionID string) (BalanceRecord, error)

	// LockForTransaction reads the lock record for a transaction identifier.
	LockForTransaction(ctx context.Context, transactionID string) (LockRecord, error)

	// Wallet reads the pooled liquidity wallet for a currency.
	Wallet(ctx context.Context, currency string) (LiquidityWallet, error)

	// AddLiquidity upserts the pool wallet and credits available and balance.
	// Idempotent per transaction identifier.
	AddLiquidity(ctx context.Context, currency string, amount decimal.Decimal, transactionID, ownerID string) (LiquidityWallet, error)

	// ReserveLiquidity moves amount from available to reserved, guarded on
	// available >= amount, and opens a reservation for the transaction.
	ReserveLiquidity(ctx context.Context, currency string, amount decimal.Decimal, transactionID, ownerID string) (LiquidityWallet, Reservation, error)

	// DeductReserved removes amount from reserved and balance, guarded on
	// reserved >= amount, and marks the reservation completed. Fails with
	// ErrRecordMismatch when currency or amount disagree with the stored
	// reservation; partial settles are not supported.
	DeductReserved(ctx context.Context, currency string, amount decimal.Decimal, transactionID string) (LiquidityWallet, error)

	// ReleaseReserved moves amount back from reserved to available and marks
	// the reservation released. Fails with ErrRecordMismatch when currency or
	// amount disagree with the stored reservation.
	ReleaseReserved(ctx context.Context, currency string, amount decimal.Decimal, transactionID, reason string) (LiquidityWallet, error)

	// RecordBlocked appends an operator-visibility row for a denied
	// reservation. Never read by the mutating path.
	RecordBlocked(ctx context.Context, currency string, available, required decimal.Decimal, transactionID, ownerID string) error

	// History reads the append-only audit trail.
	History(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error)

	// Balances lists every custody record for reconciliation.
	Balances(ctx context.Context) ([]BalanceRecord, error)

	// Wallets lists every pool wallet for reconciliation.
	Wallets(ctx context.Context) ([]LiquidityWallet, error)

	// BlockedTransactions lists recent denied reservations, newest first.
	BlockedTransactions(ctx context.Context, limit int) ([]BlockedTransaction, error)

	// HoldBalance blocks a record from further automated settlement.
	HoldBalance(ctx context.Context, ownerID, currency, reason string) error

	// ClearHold re-enables settlement for a held record.
	ClearHold(ctx context.Context, ownerID, currency string) error
}
