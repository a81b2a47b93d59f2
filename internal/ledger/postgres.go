package ledger

// PostgresStore expects the following schema:
//
//	balances            (owner_id text, currency text, total numeric, available numeric,
//	                     locked numeric, status text, updated_at timestamptz,
//	                     PRIMARY KEY (owner_id, currency))
//	liquidity_wallets   (currency text PRIMARY KEY, balance numeric, available numeric,
//	                     reserved numeric, updated_at timestamptz)
//	escrow_locks        (transaction_id text PRIMARY KEY, owner_id text, currency text,
//	                     amount numeric, status text, created_at timestamptz, updated_at timestamptz)
//	reservations        (id uuid PRIMARY KEY, transaction_id text UNIQUE, owner_id text,
//	                     currency text, amount numeric, status text,
//	                     created_at timestamptz, updated_at timestamptz)
//	ledger_history      (id uuid PRIMARY KEY, operation text, owner_id text, currency text,
//	                     amount numeric, transaction_id text, created_at timestamptz,
//	                     UNIQUE (transaction_id, operation))
//	blocked_transactions(id uuid PRIMARY KEY, currency text, available numeric,
//	                     required numeric, transaction_id text, owner_id text,
//	                     created_at timestamptz)
//
// Serialization relies entirely on conditional updates: every mutation is an
// UPDATE whose WHERE clause carries the guard, and a statement that matches no
// row means the guard no longer held. FOR UPDATE row locks are not used.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists custody records, the liquidity pool and the audit
// history in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanBalance(row pgx.Row) (BalanceRecord, error) {
	var rec BalanceRecord
	var totalStr, availableStr, lockedStr string
	if err := row.Scan(&rec.OwnerID, &rec.Currency, &totalStr, &availableStr, &lockedStr, &rec.Status, &rec.UpdatedAt); err != nil {
		return BalanceRecord{}, err
	}
	var err error
	if rec.Total, err = decimal.NewFromString(totalStr); err != nil {
		return BalanceRecord{}, fmt.Errorf("parse total: %w", err)
	}
	if rec.Available, err = decimal.NewFromString(availableStr); err != nil {
		return BalanceRecord{}, fmt.Errorf("parse available: %w", err)
	}
	if rec.Locked, err = decimal.NewFromString(lockedStr); err != nil {
		return BalanceRecord{}, fmt.Errorf("parse locked: %w", err)
	}
	return rec, nil
}

func scanWallet(row pgx.Row) (LiquidityWallet, error) {
	var w LiquidityWallet
	var balanceStr, availableStr, reservedStr string
	if err := row.Scan(&w.Currency, &balanceStr, &availableStr, &reservedStr, &w.UpdatedAt); err != nil {
		return LiquidityWallet{}, err
	}
	var err error
	if w.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return LiquidityWallet{}, fmt.Errorf("parse balance: %w", err)
	}
	if w.Available, err = decimal.NewFromString(availableStr); err != nil {
		return LiquidityWallet{}, fmt.Errorf("parse available: %w", err)
	}
	if w.Reserved, err = decimal.NewFromString(reservedStr); err != nil {
		return LiquidityWallet{}, fmt.Errorf("parse reserved: %w", err)
	}
	return w, nil
}

const selectBalance = `
	SELECT owner_id, currency, total::text, available::text, locked::text, status, updated_at
	FROM balances
	WHERE owner_id = $1 AND currency = $2`

const selectWallet = `
	SELECT currency, balance::text, available::text, reserved::text, updated_at
	FROM liquidity_wallets
	WHERE currency = $1`

func (s *PostgresStore) readBalance(ctx context.Context, q rowQuerier, ownerID, currency string) (BalanceRecord, error) {
	rec, err := scanBalance(q.QueryRow(ctx, selectBalance, ownerID, currency))
	if errors.Is(err, pgx.ErrNoRows) {
		return BalanceRecord{
			OwnerID:   ownerID,
			Currency:  currency,
			Total:     decimal.Zero,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
			Status:    StatusActive,
		}, nil
	}
	return rec, err
}

func (s *PostgresStore) readWallet(ctx context.Context, q rowQuerier, currency string) (LiquidityWallet, error) {
	w, err := scanWallet(q.QueryRow(ctx, selectWallet, currency))
	if errors.Is(err, pgx.ErrNoRows) {
		return LiquidityWallet{
			Currency:  currency,
			Balance:   decimal.Zero,
			Available: decimal.Zero,
			Reserved:  decimal.Zero,
		}, nil
	}
	return w, err
}

// Balance reads the custody record without taking any lock.
func (s *PostgresStore) Balance(ctx context.Context, ownerID, currency string) (BalanceRecord, error) {
	return s.readBalance(ctx, s.db, ownerID, currency)
}

func (s *PostgresStore) ensureBalanceRow(ctx context.Context, tx pgx.Tx, ownerID, currency string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (owner_id, currency, total, available, locked, status, updated_at)
		VALUES ($1, $2, 0, 0, 0, $3, now())
		ON CONFLICT (owner_id, currency) DO NOTHING`, ownerID, currency, StatusActive)
	return err
}

func (s *PostgresStore) insertHistory(ctx context.Context, tx pgx.Tx, operation, ownerID, currency string, amount decimal.Decimal, transactionID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_history (id, operation, owner_id, currency, amount, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (transaction_id, operation) DO NOTHING`,
		uuid.New(), operation, ownerID, currency, amount.String(), transactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Credit applies an idempotent credit. The history row doubles as the
// idempotency marker: if (transaction_id, operation) was already written the
// credit was already applied.
func (s *PostgresStore) Credit(ctx context.Context, ownerID, currency string, amount decimal.Decimal, operation, transactionID string) (BalanceRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return BalanceRecord{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	applied, err := s.insertHistory(ctx, tx, operation, ownerID, currency, amount, transactionID)
	if err != nil {
		return BalanceRecord{}, err
	}
	if !applied {
		rec, readErr := s.readBalance(ctx, s.db, ownerID, currency)
		if readErr != nil {
			return BalanceRecord{}, readErr
		}
		return rec, ErrDuplicateTransaction
	}

	if err := s.ensureBalanceRow(ctx, tx, ownerID, currency); err != nil {
		return BalanceRecord{}, err
	}

	rec, err := scanBalance(tx.QueryRow(ctx, `
		UPDATE balances
		SET available = available + $3, total = total + $3, updated_at = now()
		WHERE owner_id = $1 AND currency = $2 AND status = $4
		RETURNING owner_id, currency, total::text, available::text, locked::text, status, updated_at`,
		ownerID, currency, amount.String(), StatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceRecord{}, ErrRecordHeld
		}
		return BalanceRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return BalanceRecord{}, err
	}
	return rec, nil
}

// LockFunds moves amount from available to locked. The WHERE clause is the
// guard: when no row matches, either the balance is short or the record is
// held, and the observed state decides which error the caller sees.
func (s *PostgresStore) LockFunds(ctx context.Context, ownerID, currency string, amount decimal.Decimal, transactionID string) (BalanceRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return BalanceRecord{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var existingStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM escrow_locks WHERE transaction_id = $1`, transactionID).Scan(&existingStatus)
	if err == nil {
		rec, readErr := s.readBalance(ctx, s.db, ownerID, currency)
		if readErr != nil {
			return BalanceRecord{}, readErr
		}
		return rec, ErrDuplicateTransaction
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return BalanceRecord{}, err
	}

	if err := s.ensureBalanceRow(ctx, tx, ownerID, currency); err != nil {
		return BalanceRecord{}, err
	}

	rec, err := scanBalance(tx.QueryRow(ctx, `
		UPDATE balances
		SET available = available - $3, locked = locked + $3, updated_at = now()
		WHERE owner_id = $1 AND currency = $2 AND status = $4 AND available >= $3
		RETURNING owner_id, currency, total::text, available::text, locked::text, status, updated_at`,
		ownerID, currency, amount.String(), StatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceRecord{}, s.lockGuardError(ctx, ownerID, currency, amount)
		}
		return BalanceRecord{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_locks (transaction_id, owner_id, currency, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())`,
		transactionID, ownerID, currency, amount.String(), LockStatusLocked)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			cur, readErr := s.readBalance(ctx, s.db, ownerID, currency)
			if readErr != nil {
				return BalanceRecord{}, readErr
			}
			return cur, ErrDuplicateTransaction
		}
		return BalanceRecord{}, err
	}

	if _, err := s.insertHistory(ctx, tx, OpLock, ownerID, currency, amount, transactionID); err != nil {
		return BalanceRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return BalanceRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) lockGuardError(ctx context.Context, ownerID, currency string, amount decimal.Decimal) error {
	rec, err := s.readBalance(ctx, s.db, ownerID, currency)
	if err != nil {
		return err
	}
	if rec.Status == StatusHeld {
		return ErrRecordHeld
	}
	return &InsufficientAvailableError{
		OwnerID:   ownerID,
		Currency:  currency,
		Available: rec.Available,
		Requested: amount,
	}
}

// closeLock transitions the lock to its terminal state only when the stored
// row agrees with the caller's owner, currency and amount; a mismatched call
// must leave the lock open.
func (s *PostgresStore) closeLock(ctx context.Context, tx pgx.Tx, transactionID, toStatus, ownerID, currency string, amount decimal.Decimal) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_locks
		SET status = $2, updated_at = now()
		WHERE transaction_id = $1 AND status = $3
		  AND owner_id = $4 AND currency = $5 AND amount = $6`,
		transactionID, toStatus, LockStatusLocked, ownerID, currency, amount.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// lockClosedError shapes the failure when a lock could not be transitioned:
// a still-open lock means the call's arguments disagree with the stored row,
// a lock already in the requested end state is an idempotent duplicate, any
// other state (or a missing lock) has no active lock to act on.
func (s *PostgresStore) lockClosedError(ctx context.Context, ownerID, currency string, amount decimal.Decimal, transactionID, wantStatus string) (BalanceRecord, error) {
	lock, err := s.LockForTransaction(ctx, transactionID)
	if err != nil {
		return BalanceRecord{}, err
	}
	if lock.Status == LockStatusLocked {
		if matchErr := matchLock(lock, ownerID, currency, amount); matchErr != nil {
			return BalanceRecord{}, matchErr
		}
		return BalanceRecord{}, ErrNoActiveLock
	}
	if lock.Status == wantStatus {
		rec, readErr := s.readBalance(ctx, s.db, ownerID, currency)
		if readErr != nil {
			return BalanceRecord{}, readErr
		}
		return rec, ErrDuplicateTransaction
	}
	return BalanceRecord{}, ErrNoActiveLock
}

// UnlockFunds is the compensating action for LockFunds.
func (s *PostgresStore) UnlockFunds(ctx context.Context, ownerID, currency string, amount decimal.Decimal, transactionID, _ string) (BalanceRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return BalanceRecord{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	closed, err := s.closeLock(ctx, tx, transactionID, LockStatusUnlocked, ownerID, currency, amount)
	if err != nil {
		return BalanceRecord{}, err
	}
	if !closed {
		_ = tx.Rollback(ctx)
		return s.lockClosedError(ctx, ownerID, currency, amount, transactionID, LockStatusUnlocked)
	}

	rec, err := scanBalance(tx.QueryRow(ctx, `
		UPDATE balances
		SET locked = locked - $3, available = available + $3, updated_at = now()
		WHERE owner_id = $1 AND currency = $2 AND status = $4 AND locked >= $3
		RETURNING owner_id, currency, total::text, available::text, locked::text, status, updated_at`,
		ownerID, currency, amount.String(), StatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceRecord{}, s.heldOrNoLock(ctx, ownerID, currency, amount)
		}
		return BalanceRecord{}, err
	}

	if _, err := s.insertHistory(ctx, tx, OpUnlock, ownerID, currency, amount, transactionID); err != nil {
		return BalanceRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return BalanceRecord{}, err
	}
	return rec, nil
}

// BurnLocked permanently removes locked funds from the seller's record.
func (s *PostgresStore) BurnLocked(ctx context.Context, ownerID, currency string, amount decimal.Decimal, transactionID string) (BalanceRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return BalanceRecord{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	closed, err := s.closeLock(ctx, tx, transactionID, LockStatusReleased, ownerID, currency, amount)
	if err != nil {
		return BalanceRecord{}, err
	}
	if !closed {
		_ = tx.Rollback(ctx)
		return s.lockClosedError(ctx, ownerID, currency, amount, transactionID, LockStatusReleased)
	}

	rec, err := scanBalance(tx.QueryRow(ctx, `
		UPDATE balances
		SET locked = locked - $3, total = total - $3, updated_at = now()
		WHERE owner_id = $1 AND currency = $2 AND status = $4 AND locked >= $3
		RETURNING owner_id, currency, total::text, available::text, locked::text, status, updated_at`,
		ownerID, currency, amount.String(), StatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceRecord{}, s.heldOrNoLock(ctx, ownerID, currency, amount)
		}
		return BalanceRecord{}, err
	}

	if _, err := s.insertHistory(ctx, tx, OpReleaseBurn, ownerID, currency, amount, transactionID); err != nil {
		return BalanceRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return BalanceRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) heldOrNoLock(ctx context.Context, ownerID, currency string, amount decimal.Decimal) error {
	rec, err := s.readBalance(ctx, s.db, ownerID, currency)
	if err != nil {
		return err
	}
	if rec.Status == StatusHeld {
		return ErrRecordHeld
	}
	return fmt.Errorf("%w: locked %s below requested %s", ErrNoActiveLock, rec.Locked, amount)
}

// LockForTransaction reads the escrow lock record for a transaction.
func (s *PostgresStore) LockForTransaction(ctx context.Context, transactionID string) (LockRecord, error) {
	var lock LockRecord
	var amountStr string
	err := s.db.QueryRow(ctx, `
		SELECT transaction_id, owner_id, currency, amount::text, status, created_at, updated_at
		FROM escrow_locks
		WHERE transaction_id = $1`, transactionID).
		Scan(&lock.TransactionID, &lock.OwnerID, &lock.Currency, &amountStr, &lock.Status, &lock.CreatedAt, &lock.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LockRecord{}, ErrNoActiveLock
		}
		return LockRecord{}, err
	}
	if lock.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return LockRecord{}, fmt.Errorf("parse lock amount: %w", err)
	}
	return lock, nil
}

// Wallet reads the pooled liquidity wallet for a currency.
func (s *PostgresStore) Wallet(ctx context.Context, currency string) (LiquidityWallet, error) {
	return s.readWallet(ctx, s.db, currency)
}

// AddLiquidity upserts the pool wallet. The wallet row is created lazily on
// the first add for a currency.
func (s *PostgresStore) AddLiquidity(ctx context.Context, currency string, amount decimal.Decimal, transactionID, ownerID string) (LiquidityWallet, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return LiquidityWallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	applied, err := s.insertHistory(ctx, tx, OpAddLiquidity, ownerID, currency, amount, transactionID)
	if err != nil {
		return LiquidityWallet{}, err
	}
	if !applied {
		w, readErr := s.readWallet(ctx, s.db, currency)
		if readErr != nil {
			return LiquidityWallet{}, readErr
		}
		return w, ErrDuplicateTransaction
	}

	w, err := scanWallet(tx.QueryRow(ctx, `
		INSERT INTO liquidity_wallets (currency, balance, available, reserved, updated_at)
		VALUES ($1, $2, $2, 0, now())
		ON CONFLICT (currency) DO UPDATE
		SET balance = liquidity_wallets.balance + $2,
		    available = liquidity_wallets.available + $2,
		    updated_at = now()
		RETURNING currency, balance::text, available::text, reserved::text, updated_at`,
		currency, amount.String()))
	if err != nil {
		return LiquidityWallet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return LiquidityWallet{}, err
	}
	return w, nil
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var res Reservation
	var amountStr string
	if err := row.Scan(&res.ID, &res.TransactionID, &res.OwnerID, &res.Currency, &amountStr, &res.Status, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return Reservation{}, err
	}
	var err error
	if res.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Reservation{}, fmt.Errorf("parse reservation amount: %w", err)
	}
	return res, nil
}

const selectReservation = `
	SELECT id, transaction_id, owner_id, currency, amount::text, status, created_at, updated_at
	FROM reservations
	WHERE transaction_id = $1`

// ReserveLiquidity is the check-and-reserve step of the two-phase pool
// protocol. A duplicate transaction returns the existing reservation; a pool
// that was sufficient at read time but changed before the guarded update
// applied surfaces as ErrReservationRaceLost.
func (s *PostgresStore) ReserveLiquidity(ctx context.Context, currency string, amount decimal.Decimal, transactionID, ownerID string) (LiquidityWallet, Reservation, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return LiquidityWallet{}, Reservation{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	existing, err := scanReservation(tx.QueryRow(ctx, selectReservation, transactionID))
	if err == nil {
		w, readErr := s.readWallet(ctx, s.db, currency)
		if readErr != nil {
			return LiquidityWallet{}, Reservation{}, readErr
		}
		return w, existing, ErrDuplicateTransaction
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return LiquidityWallet{}, Reservation{}, err
	}

	checked, err := s.readWallet(ctx, tx, currency)
	if err != nil {
		return LiquidityWallet{}, Reservation{}, err
	}
	if checked.Available.LessThan(amount) {
		return LiquidityWallet{}, Reservation{}, &InsufficientLiquidityError{
			Currency:  currency,
			Available: checked.Available,
			Required:  amount,
		}
	}

	w, err := scanWallet(tx.QueryRow(ctx, `
		UPDATE liquidity_wallets
		SET available = available - $2, reserved = reserved + $2, updated_at = now()
		WHERE currency = $1 AND available >= $2
		RETURNING currency, balance::text, available::text, reserved::text, updated_at`,
		currency, amount.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LiquidityWallet{}, Reservation{}, s.reserveGuardError(ctx, currency, amount)
		}
		return LiquidityWallet{}, Reservation{}, err
	}

	now := time.Now().UTC()
	res := Reservation{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		OwnerID:       ownerID,
		Currency:      currency,
		Amount:        amount,
		Status:        ReservationStatusReserved,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (id, transaction_id, owner_id, currency, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		res.ID, res.TransactionID, res.OwnerID, res.Currency, res.Amount.String(), res.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			dup, readErr := scanReservation(s.db.QueryRow(ctx, selectReservation, transactionID))
			if readErr != nil {
				return LiquidityWallet{}, Reservation{}, readErr
			}
			cur, readErr := s.readWallet(ctx, s.db, currency)
			if readErr != nil {
				return LiquidityWallet{}, Reservation{}, readErr
			}
			return cur, dup, ErrDuplicateTransaction
		}
		return LiquidityWallet{}, Reservation{}, err
	}

	if _, err := s.insertHistory(ctx, tx, OpReserve, ownerID, currency, amount, transactionID); err != nil {
		return LiquidityWallet{}, Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return LiquidityWallet{}, Reservation{}, err
	}
	return w, res, nil
}

// reserveGuardError distinguishes losing a race from genuine shortage: if the
// pool still cannot cover the amount the caller sees the shortage, otherwise
// another caller moved the funds between our check and our update.
func (s *PostgresStore) reserveGuardError(ctx context.Context, currency string, amount decimal.Decimal) error {
	w, err := s.readWallet(ctx, s.db, currency)
	if err != nil {
		return err
	}
	if w.Available.LessThan(amount) {
		return &InsufficientLiquidityError{
			Currency:  currency,
			Available: w.Available,
			Required:  amount,
		}
	}
	return ErrReservationRaceLost
}

// closeReservation settles the reservation only when the stored row agrees
// with the caller's currency and amount; a mismatched call must leave the
// reservation open.
func (s *PostgresStore) closeReservation(ctx context.Context, tx pgx.Tx, transactionID, toStatus, currency string, amount decimal.Decimal) (string, error) {
	var ownerID string
	err := tx.QueryRow(ctx, `
		UPDATE reservations
		SET status = $2, updated_at = now()
		WHERE transaction_id = $1 AND status = $3
		  AND currency = $4 AND amount = $5
		RETURNING owner_id`,
		transactionID, toStatus, ReservationStatusReserved, currency, amount.String()).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return ownerID, nil
}

// reservationClosedError shapes the failure when a reservation could not be
// settled: still reserved means the call's currency or amount disagree with
// the stored row, the requested end state is an idempotent duplicate,
// anything else has no active reservation.
func (s *PostgresStore) reservationClosedError(ctx context.Context, currency string, amount decimal.Decimal, transactionID, wantStatus string) (LiquidityWallet, error) {
	res, err := scanReservation(s.db.QueryRow(ctx, selectReservation, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LiquidityWallet{}, ErrNoActiveReservation
		}
		return LiquidityWallet{}, err
	}
	if res.Status == ReservationStatusReserved {
		if matchErr := matchReservation(res, currency, amount); matchErr != nil {
			return LiquidityWallet{}, matchErr
		}
		return LiquidityWallet{}, ErrNoActiveReservation
	}
	if res.Status == wantStatus {
		w, readErr := s.readWallet(ctx, s.db, currency)
		if readErr != nil {
			return LiquidityWallet{}, readErr
		}
		return w, ErrDuplicateTransaction
	}
	return LiquidityWallet{}, ErrNoActiveReservation
}

// DeductReserved completes a reservation, removing the funds from the pool
// for good.
func (s *PostgresStore) DeductReserved(ctx context.Context, currency string, amount decimal.Decimal, transactionID string) (LiquidityWallet, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return LiquidityWallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	ownerID, err := s.closeReservation(ctx, tx, transactionID, ReservationStatusCompleted, currency, amount)
	if err != nil {
		return LiquidityWallet{}, err
	}
	if ownerID == "" {
		_ = tx.Rollback(ctx)
		return s.reservationClosedError(ctx, currency, amount, transactionID, ReservationStatusCompleted)
	}

	w, err := scanWallet(tx.QueryRow(ctx, `
		UPDATE liquidity_wallets
		SET reserved = reserved - $2, balance = balance - $2, updated_at = now()
		WHERE currency = $1 AND reserved >= $2
		RETURNING currency, balance::text, available::text, reserved::text, updated_at`,
		currency, amount.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LiquidityWallet{}, fmt.Errorf("%w: reserved funds below requested %s", ErrNoActiveReservation, amount)
		}
		return LiquidityWallet{}, err
	}

	if _, err := s.insertHistory(ctx, tx, OpDeduct, ownerID, currency, amount, transactionID); err != nil {
		return LiquidityWallet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return LiquidityWallet{}, err
	}
	return w, nil
}

// ReleaseReserved is the compensating action for ReserveLiquidity.
func (s *PostgresStore) ReleaseReserved(ctx context.Context, currency string, amount decimal.Decimal, transactionID, _ string) (LiquidityWallet, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return LiquidityWallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	ownerID, err := s.closeReservation(ctx, tx, transactionID, ReservationStatusReleased, currency, amount)
	if err != nil {
		return LiquidityWallet{}, err
	}
	if ownerID == "" {
		_ = tx.Rollback(ctx)
		return s.reservationClosedError(ctx, currency, amount, transactionID, ReservationStatusReleased)
	}

	w, err := scanWallet(tx.QueryRow(ctx, `
		UPDATE liquidity_wallets
		SET reserved = reserved - $2, available = available + $2, updated_at = now()
		WHERE currency = $1 AND reserved >= $2
		RETURNING currency, balance::text, available::text, reserved::text, updated_at`,
		currency, amount.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LiquidityWallet{}, fmt.Errorf("%w: reserved funds below requested %s", ErrNoActiveReservation, amount)
		}
		return LiquidityWallet{}, err
	}

	if _, err := s.insertHistory(ctx, tx, OpReleaseReserved, ownerID, currency, amount, transactionID); err != nil {
		return LiquidityWallet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return LiquidityWallet{}, err
	}
	return w, nil
}

// RecordBlocked appends an operator-visibility row for a denied reservation.
func (s *PostgresStore) RecordBlocked(ctx context.Context, currency string, available, required decimal.Decimal, transactionID, ownerID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO blocked_transactions (id, currency, available, required, transaction_id, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		uuid.New(), currency, available.String(), required.String(), transactionID, ownerID)
	return err
}

// History reads the append-only audit trail, oldest first.
func (s *PostgresStore) History(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	conditions := []string{"1=1"}
	args := []any{}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("owner_id", filter.OwnerID)
	add("currency", filter.Currency)
	add("operation", filter.Operation)
	add("transaction_id", filter.TransactionID)

	query := fmt.Sprintf(`
		SELECT id, operation, owner_id, currency, amount::text, transaction_id, created_at
		FROM ledger_history
		WHERE %s
		ORDER BY created_at ASC`, strings.Join(conditions, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var amountStr string
		if err := rows.Scan(&entry.ID, &entry.Operation, &entry.OwnerID, &entry.Currency, &amountStr, &entry.TransactionID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if entry.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse history amount: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Balances lists every custody record.
func (s *PostgresStore) Balances(ctx context.Context) ([]BalanceRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT owner_id, currency, total::text, available::text, locked::text, status, updated_at
		FROM balances
		ORDER BY owner_id, currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []BalanceRecord
	for rows.Next() {
		rec, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Wallets lists every pool wallet.
func (s *PostgresStore) Wallets(ctx context.Context) ([]LiquidityWallet, error) {
	rows, err := s.db.Query(ctx, `
		SELECT currency, balance::text, available::text, reserved::text, updated_at
		FROM liquidity_wallets
		ORDER BY currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []LiquidityWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// BlockedTransactions lists recent denied reservations, newest first.
func (s *PostgresStore) BlockedTransactions(ctx context.Context, limit int) ([]BlockedTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, currency, available::text, required::text, transaction_id, owner_id, created_at
		FROM blocked_transactions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocked []BlockedTransaction
	for rows.Next() {
		var b BlockedTransaction
		var availableStr, requiredStr string
		if err := rows.Scan(&b.ID, &b.Currency, &availableStr, &requiredStr, &b.TransactionID, &b.OwnerID, &b.CreatedAt); err != nil {
			return nil, err
		}
		if b.Available, err = decimal.NewFromString(availableStr); err != nil {
			return nil, fmt.Errorf("parse blocked available: %w", err)
		}
		if b.Required, err = decimal.NewFromString(requiredStr); err != nil {
			return nil, fmt.Errorf("parse blocked required: %w", err)
		}
		blocked = append(blocked, b)
	}
	return blocked, rows.Err()
}

// HoldBalance blocks a record from automated settlement.
func (s *PostgresStore) HoldBalance(ctx context.Context, ownerID, currency, _ string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE balances SET status = $3, updated_at = now()
		WHERE owner_id = $1 AND currency = $2`,
		ownerID, currency, StatusHeld)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance record not found for %s/%s", ownerID, currency)
	}
	return nil
}

// ClearHold re-enables settlement for a held record.
func (s *PostgresStore) ClearHold(ctx context.Context, ownerID, currency string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE balances SET status = $3, updated_at = now()
		WHERE owner_id = $1 AND currency = $2`,
		ownerID, currency, StatusActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance record not found for %s/%s", ownerID, currency)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
