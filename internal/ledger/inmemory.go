package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type memoryStore struct {
	mu           sync.RWMutex
	balances     map[string]*BalanceRecord
	wallets      map[string]*LiquidityWallet
	locks        map[string]*LockRecord
	reservations map[string]*Reservation
	history      []HistoryEntry
	applied      map[string]struct{}
	blocked      []BlockedTransaction
}

// NewInMemory creates a concurrency-safe in-memory store. It backs unit tests
// and dev-mode runs without Postgres; the mutex stands in for the database's
// single-record atomicity.
func NewInMemory() Store {
	return &memoryStore{
		balances:     make(map[string]*BalanceRecord),
		wallets:      make(map[string]*LiquidityWallet),
		locks:        make(map[string]*LockRecord),
		reservations: make(map[string]*Reservation),
		applied:      make(map[string]struct{}),
	}
}

func balanceKey(ownerID, currency string) string {
	return ownerID + "|" + currency
}

func appliedKey(transactionID, operation string) string {
	return operation + ":" + transactionID
}

func (s *memoryStore) Balance(_ context.Context, ownerID, currency string) (BalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.balances[balanceKey(ownerID, currency)]; ok {
		return *rec, nil
	}
	return BalanceRecord{
		OwnerID:   ownerID,
		Currency:  currency,
		Total:     decimal.Zero,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		Status:    StatusActive,
	}, nil
}

func (s *memoryStore) getOrCreateLocked(ownerID, currency string) *BalanceRecord {
	key := balanceKey(ownerID, currency)
	rec, ok := s.balances[key]
	if !ok {
		rec = &BalanceRecord{
			OwnerID:   ownerID,
			Currency:  currency,
			Total:     decimal.Zero,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
			Status:    StatusActive,
			UpdatedAt: time.Now().UTC(),
		}
		s.balances[key] = rec
	}
	return rec
}

func (s *memoryStore) appendHistoryLocked(operation, ownerID, currency string, amount decimal.Decimal, transactionID string) {
	s.applied[appliedKey(transactionID, operation)] = struct{}{}
	s.history = append(s.history, HistoryEntry{
		ID:            uuid.NewString(),
		Operation:     operation,
		OwnerID:       ownerID,
		Currency:      currency,
		Amount:        amount,
		TransactionID: transactionID,
		CreatedAt:     time.Now().UTC(),
	})
}

func (s *memoryStore) Credit(_ context.Context, ownerID, currency string, amount decimal.Decimal, operation, transactionID string) (BalanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(ownerID, currency)
	if _, done := s.applied[appliedKey(transactionID, operation)]; done {
		return *rec, ErrDuplicateTransaction
	}
	if rec.Status == StatusHeld {
		return BalanceRecord{}, ErrRecordHeld
	}

	rec.Available = rec.Available.Add(amount)
	rec.Total = rec.Total.Add(amount)
	rec.UpdatedAt = time.Now().UTC()
	s.appendHistoryLocked(operation, ownerID, currency, amount, transactionID)
	return *rec, nil
}

func (s *memoryStore) LockFunds(_ context.Context, ownerID, currency string, amount decimal.Decimal, transactionID string) (BalanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locks[transactionID]; exists {
		return *s.getOrCreateLocked(ownerID, currency), ErrDuplicateTransaction
	}

	rec := s.getOrCreateLocked(ownerID, currency)
	if rec.Status == StatusHeld {
		return BalanceRecord{}, ErrRecordHeld
	}
	if rec.Available.LessThan(amount) {
		return BalanceRecord{}, &InsufficientAvailableError{
			OwnerID:   ownerID,
			Currency:  currency,
			Available: rec.Available,
			Requested: amount,
		}
	}

	now := time.Now().UTC()
	rec.Available = rec.Available.Sub(amount)
	rec.Locked = rec.Locked.Add(amount)
	rec.UpdatedAt = now
	s.locks[transactionID] = &LockRecord{
		TransactionID: transactionID,
		OwnerID:       ownerID,
		Currency:      currency,
		Amount:        amount,
		Status:        LockStatusLocked,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.appendHistoryLocked(OpLock, ownerID, currency, amount, transactionID)
	return *rec, nil
}

func (s *memoryStore) UnlockFunds(_ context.Context, ownerID, currency string, amount decimal.Decimal, transactionID, _ string) (BalanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, exists := s.locks[transactionID]
	if !exists || lock.Status == LockStatusReleased {
		return BalanceRecord{}, ErrNoActiveLock
	}
	rec := s.getOrCreateLocked(ownerID, currency)
	if lock.Status == LockStatusUnlocked {
		return *rec, ErrDuplicateTransaction
	}
	if err := matchLock(*lock, ownerID, currency, amount); err != nil {
		return BalanceRecord{}, err
	}
	if rec.Status == StatusHeld {
		return BalanceRecord{}, ErrRecordHeld
	}
	if rec.Locked.LessThan(amount) {
		return BalanceRecord{}, fmt.Errorf("%w: locked %s below requested %s", ErrNoActiveLock, rec.Locked, amount)
	}

	now := time.Now().UTC()
	rec.Locked = rec.Locked.Sub(amount)
	rec.Available = rec.Available.Add(amount)
	rec.UpdatedAt = now
	lock.Status = LockStatusUnlocked
	lock.UpdatedAt = now
	s.appendHistoryLocked(OpUnlock, ownerID, currency, amount, transactionID)
	return *rec, nil
}

func (s *memoryStore) BurnLocked(_ context.Context, ownerID, currency string, amount decimal.Decimal, transactionID string) (BalanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, exists := s.locks[transactionID]
	if !exists || lock.Status == LockStatusUnlocked {
		return BalanceRecord{}, ErrNoActiveLock
	}
	rec := s.getOrCreateLocked(ownerID, currency)
	if lock.Status == LockStatusReleased {
		return *rec, ErrDuplicateTransaction
	}
	if err := matchLock(*lock, ownerID, currency, amount); err != nil {
		return BalanceRecord{}, err
	}
	if rec.Status == StatusHeld {
		return BalanceRecord{}, ErrRecordHeld
	}
	if rec.Locked.LessThan(amount) {
		return BalanceRecord{}, fmt.Errorf("%w: locked %s below requested %s", ErrNoActiveLock, rec.Locked, amount)
	}

	now := time.Now().UTC()
	rec.Locked = rec.Locked.Sub(amount)
	rec.Total = rec.Total.Sub(amount)
	rec.UpdatedAt = now
	lock.Status = LockStatusReleased
	lock.UpdatedAt = now
	s.appendHistoryLocked(OpReleaseBurn, ownerID, currency, amount, transactionID)
	return *rec, nil
}

func (s *memoryStore) LockForTransaction(_ context.Context, transactionID string) (LockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, exists := s.locks[transactionID]
	if !exists {
		return LockRecord{}, ErrNoActiveLock
	}
	return *lock, nil
}

func (s *memoryStore) Wallet(_ context.Context, currency string) (LiquidityWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[currency]; ok {
		return *w, nil
	}
	return LiquidityWallet{
		Currency:  currency,
		Balance:   decimal.Zero,
		Available: decimal.Zero,
		Reserved:  decimal.Zero,
	}, nil
}

func (s *memoryStore) getOrCreateWalletLocked(currency string) *LiquidityWallet {
	w, ok := s.wallets[currency]
	if !ok {
		w = &LiquidityWallet{
			Currency:  currency,
			Balance:   decimal.Zero,
			Available: decimal.Zero,
			Reserved:  decimal.Zero,
			UpdatedAt: time.Now().UTC(),
		}
		s.wallets[currency] = w
	}
	return w
}

func (s *memoryStore) AddLiquidity(_ context.Context, currency string, amount decimal.Decimal, transactionID, ownerID string) (LiquidityWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.getOrCreateWalletLocked(currency)
	if _, done := s.applied[appliedKey(transactionID, OpAddLiquidity)]; done {
		return *w, ErrDuplicateTransaction
	}

	w.Available = w.Available.Add(amount)
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	s.appendHistoryLocked(OpAddLiquidity, ownerID, currency, amount, transactionID)
	return *w, nil
}

func (s *memoryStore) ReserveLiquidity(_ context.Context, currency string, amount decimal.Decimal, transactionID, ownerID string) (LiquidityWallet, Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, exists := s.reservations[transactionID]; exists {
		w := s.getOrCreateWalletLocked(currency)
		return *w, *res, ErrDuplicateTransaction
	}

	w := s.getOrCreateWalletLocked(currency)
	if w.Available.LessThan(amount) {
		return LiquidityWallet{}, Reservation{}, &InsufficientLiquidityError{
			Currency:  currency,
			Available: w.Available,
			Required:  amount,
		}
	}

	now := time.Now().UTC()
	w.Available = w.Available.Sub(amount)
	w.Reserved = w.Reserved.Add(amount)
	w.UpdatedAt = now
	res := &Reservation{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		OwnerID:       ownerID,
		Currency:      currency,
		Amount:        amount,
		Status:        ReservationStatusReserved,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.reservations[transactionID] = res
	s.appendHistoryLocked(OpReserve, ownerID, currency, amount, transactionID)
	return *w, *res, nil
}

func (s *memoryStore) DeductReserved(_ context.Context, currency string, amount decimal.Decimal, transactionID string) (LiquidityWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, exists := s.reservations[transactionID]
	if !exists || res.Status == ReservationStatusReleased {
		return LiquidityWallet{}, ErrNoActiveReservation
	}
	w := s.getOrCreateWalletLocked(currency)
	if res.Status == ReservationStatusCompleted {
		return *w, ErrDuplicateTransaction
	}
	if err := matchReservation(*res, currency, amount); err != nil {
		return LiquidityWallet{}, err
	}
	if w.Reserved.LessThan(amount) {
		return LiquidityWallet{}, fmt.Errorf("%w: reserved %s below requested %s", ErrNoActiveReservation, w.Reserved, amount)
	}

	now := time.Now().UTC()
	w.Reserved = w.Reserved.Sub(amount)
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = now
	res.Status = ReservationStatusCompleted
	res.UpdatedAt = now
	s.appendHistoryLocked(OpDeduct, res.OwnerID, currency, amount, transactionID)
	return *w, nil
}

func (s *memoryStore) ReleaseReserved(_ context.Context, currency string, amount decimal.Decimal, transactionID, _ string) (LiquidityWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, exists := s.reservations[transactionID]
	if !exists || res.Status == ReservationStatusCompleted {
		return LiquidityWallet{}, ErrNoActiveReservation
	}
	w := s.getOrCreateWalletLocked(currency)
	if res.Status == ReservationStatusReleased {
		return *w, ErrDuplicateTransaction
	}
	if err := matchReservation(*res, currency, amount); err != nil {
		return LiquidityWallet{}, err
	}
	if w.Reserved.LessThan(amount) {
		return LiquidityWallet{}, fmt.Errorf("%w: reserved %s below requested %s", ErrNoActiveReservation, w.Reserved, amount)
	}

	now := time.Now().UTC()
	w.Reserved = w.Reserved.Sub(amount)
	w.Available = w.Available.Add(amount)
	w.UpdatedAt = now
	res.Status = ReservationStatusReleased
	res.UpdatedAt = now
	s.appendHistoryLocked(OpReleaseReserved, res.OwnerID, currency, amount, transactionID)
	return *w, nil
}

func (s *memoryStore) RecordBlocked(_ context.Context, currency string, available, required decimal.Decimal, transactionID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = append(s.blocked, BlockedTransaction{
		ID:            uuid.NewString(),
		Currency:      currency,
		Available:     available,
		Required:      required,
		TransactionID: transactionID,
		OwnerID:       ownerID,
		CreatedAt:     time.Now().UTC(),
	})
	return nil
}

func (s *memoryStore) History(_ context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []HistoryEntry
	for _, entry := range s.history {
		if filter.OwnerID != "" && entry.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Currency != "" && entry.Currency != filter.Currency {
			continue
		}
		if filter.Operation != "" && entry.Operation != filter.Operation {
			continue
		}
		if filter.TransactionID != "" && entry.TransactionID != filter.TransactionID {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) Balances(_ context.Context) ([]BalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BalanceRecord, 0, len(s.balances))
	for _, rec := range s.balances {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *memoryStore) Wallets(_ context.Context) ([]LiquidityWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LiquidityWallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, *w)
	}
	return out, nil
}

func (s *memoryStore) BlockedTransactions(_ context.Context, limit int) ([]BlockedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BlockedTransaction, 0, len(s.blocked))
	for i := len(s.blocked) - 1; i >= 0; i-- {
		out = append(out, s.blocked[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) HoldBalance(_ context.Context, ownerID, currency, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.balances[balanceKey(ownerID, currency)]
	if !ok {
		return errors.New("balance record not found")
	}
	rec.Status = StatusHeld
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) ClearHold(_ context.Context, ownerID, currency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.balances[balanceKey(ownerID, currency)]
	if !ok {
		return errors.New("balance record not found")
	}
	rec.Status = StatusActive
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
