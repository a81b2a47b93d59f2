package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func assertBalanceInvariant(t *testing.T, rec BalanceRecord) {
	t.Helper()
	if !rec.Total.Equal(rec.Available.Add(rec.Locked)) {
		t.Fatalf("invariant broken: total %s != available %s + locked %s", rec.Total, rec.Available, rec.Locked)
	}
	if rec.Total.IsNegative() || rec.Available.IsNegative() || rec.Locked.IsNegative() {
		t.Fatalf("negative field in record: %+v", rec)
	}
}

func assertWalletInvariant(t *testing.T, w LiquidityWallet) {
	t.Helper()
	if !w.Balance.Equal(w.Available.Add(w.Reserved)) {
		t.Fatalf("invariant broken: balance %s != available %s + reserved %s", w.Balance, w.Available, w.Reserved)
	}
	if w.Balance.IsNegative() || w.Available.IsNegative() || w.Reserved.IsNegative() {
		t.Fatalf("negative field in wallet: %+v", w)
	}
}

func TestInMemoryLockMovesAvailableToLocked(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("1.0"), decimal.Zero)

	rec, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !rec.Available.Equal(dec("0.9")) || !rec.Locked.Equal(dec("0.1")) {
		t.Fatalf("unexpected balances after lock: %+v", rec)
	}
	assertBalanceInvariant(t, rec)
}

func TestInMemoryLockInsufficientAvailable(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("0.05"), decimal.Zero)

	_, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1")
	var insufficient *InsufficientAvailableError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientAvailableError, got %v", err)
	}
	if !insufficient.Available.Equal(dec("0.05")) || !insufficient.Requested.Equal(dec("0.1")) {
		t.Fatalf("unexpected error detail: %+v", insufficient)
	}

	rec, _ := s.Balance(ctx, "seller-1", "BTC")
	if !rec.Available.Equal(dec("0.05")) || !rec.Locked.IsZero() {
		t.Fatalf("failed lock mutated record: %+v", rec)
	}
}

func TestInMemoryDuplicateLock(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("1.0"), decimal.Zero)

	if _, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	rec, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1")
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if !rec.Available.Equal(dec("0.9")) || !rec.Locked.Equal(dec("0.1")) {
		t.Fatalf("duplicate lock mutated record: %+v", rec)
	}
}

func TestInMemoryUnlockRestoresPreLockState(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("1.0"), decimal.Zero)

	if _, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.25"), "t1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	rec, err := s.UnlockFunds(ctx, "seller-1", "BTC", dec("0.25"), "t1", "trade cancelled")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !rec.Available.Equal(dec("1.0")) || !rec.Locked.IsZero() || !rec.Total.Equal(dec("1.0")) {
		t.Fatalf("unlock did not restore record: %+v", rec)
	}
	assertBalanceInvariant(t, rec)

	// Second unlock is an idempotent no-op.
	if _, err := s.UnlockFunds(ctx, "seller-1", "BTC", dec("0.25"), "t1", "retry"); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate on repeated unlock, got %v", err)
	}
}

func TestInMemoryUnlockWithoutLock(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("1.0"), decimal.Zero)

	if _, err := s.UnlockFunds(ctx, "seller-1", "BTC", dec("0.1"), "missing", "x"); !errors.Is(err, ErrNoActiveLock) {
		t.Fatalf("expected no active lock, got %v", err)
	}
}

func TestInMemoryBurnLockedTerminal(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("1.0"), decimal.Zero)

	if _, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	rec, err := s.BurnLocked(ctx, "seller-1", "BTC", dec("0.1"), "t1")
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if !rec.Locked.IsZero() || !rec.Total.Equal(dec("0.9")) {
		t.Fatalf("unexpected record after burn: %+v", rec)
	}
	assertBalanceInvariant(t, rec)

	// Burn is terminal: unlock after release is rejected.
	if _, err := s.UnlockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1", "late cancel"); !errors.Is(err, ErrNoActiveLock) {
		t.Fatalf("expected no active lock after release, got %v", err)
	}
	// Repeated burn is an idempotent duplicate.
	if _, err := s.BurnLocked(ctx, "seller-1", "BTC", dec("0.1"), "t1"); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate on repeated burn, got %v", err)
	}
}

func TestInMemoryConcurrentLocksNeverOversell(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("1.0"), decimal.Zero)

	const workers = 10
	amount := dec("0.3") // only 3 of 10 can fit into 1.0

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.LockFunds(ctx, "seller-1", "BTC", amount, fmt.Sprintf("t-%d", i))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			var insufficient *InsufficientAvailableError
			if !errors.As(err, &insufficient) {
				t.Errorf("lock %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("expected exactly 3 locks to fit, got %d", succeeded)
	}
	rec, _ := s.Balance(ctx, "seller-1", "BTC")
	if !rec.Available.Equal(dec("0.1")) || !rec.Locked.Equal(dec("0.9")) {
		t.Fatalf("unexpected final record: %+v", rec)
	}
	assertBalanceInvariant(t, rec)
}

func TestInMemoryCreditIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	rec, err := s.Credit(ctx, "buyer-1", "BTC", dec("0.098"), OpReleaseCredit, "t1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !rec.Available.Equal(dec("0.098")) || !rec.Total.Equal(dec("0.098")) {
		t.Fatalf("unexpected record after credit: %+v", rec)
	}

	rec, err = s.Credit(ctx, "buyer-1", "BTC", dec("0.098"), OpReleaseCredit, "t1")
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if !rec.Available.Equal(dec("0.098")) {
		t.Fatalf("duplicate credit changed record: %+v", rec)
	}
}

func TestInMemoryReserveDeductRoundTrip(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedWallet(s, "BTC", dec("5.0"), decimal.Zero)

	w, res, err := s.ReserveLiquidity(ctx, "BTC", dec("0.02"), "tx1", "user-9")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !w.Available.Equal(dec("4.98")) || !w.Reserved.Equal(dec("0.02")) {
		t.Fatalf("unexpected wallet after reserve: %+v", w)
	}
	if res.Status != ReservationStatusReserved {
		t.Fatalf("unexpected reservation status %q", res.Status)
	}
	assertWalletInvariant(t, w)

	w, err = s.DeductReserved(ctx, "BTC", dec("0.02"), "tx1")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if !w.Reserved.IsZero() || !w.Balance.Equal(dec("4.98")) {
		t.Fatalf("unexpected wallet after deduct: %+v", w)
	}
	assertWalletInvariant(t, w)

	if _, err := s.DeductReserved(ctx, "BTC", dec("0.02"), "tx1"); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate on repeated deduct, got %v", err)
	}
}

func TestInMemoryReserveReleaseRestoresPool(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedWallet(s, "BTC", dec("5.0"), decimal.Zero)

	if _, _, err := s.ReserveLiquidity(ctx, "BTC", dec("1.5"), "tx1", "user-9"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	w, err := s.ReleaseReserved(ctx, "BTC", dec("1.5"), "tx1", "downstream failed")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !w.Available.Equal(dec("5.0")) || !w.Reserved.IsZero() || !w.Balance.Equal(dec("5.0")) {
		t.Fatalf("release did not restore pool: %+v", w)
	}
	assertWalletInvariant(t, w)
}

func TestInMemoryInsufficientLiquidityDetail(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedWallet(s, "BTC", dec("0.01"), decimal.Zero)

	_, _, err := s.ReserveLiquidity(ctx, "BTC", dec("0.5"), "tx2", "user-9")
	var short *InsufficientLiquidityError
	if !errors.As(err, &short) {
		t.Fatalf("expected InsufficientLiquidityError, got %v", err)
	}
	if !short.Available.Equal(dec("0.01")) || !short.Required.Equal(dec("0.5")) || !short.Shortage().Equal(dec("0.49")) {
		t.Fatalf("unexpected shortage detail: %+v", short)
	}

	w, _ := s.Wallet(ctx, "BTC")
	if !w.Available.Equal(dec("0.01")) || !w.Reserved.IsZero() {
		t.Fatalf("failed reserve mutated pool: %+v", w)
	}
}

func TestInMemoryDeductWithoutReservation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedWallet(s, "BTC", dec("5.0"), decimal.Zero)

	if _, err := s.DeductReserved(ctx, "BTC", dec("0.1"), "missing"); !errors.Is(err, ErrNoActiveReservation) {
		t.Fatalf("expected no active reservation, got %v", err)
	}
	if _, err := s.ReleaseReserved(ctx, "BTC", dec("0.1"), "missing", "x"); !errors.Is(err, ErrNoActiveReservation) {
		t.Fatalf("expected no active reservation, got %v", err)
	}
}

func TestInMemoryAddLiquidityUpsert(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	w, err := s.AddLiquidity(ctx, "ETH", dec("10"), "add-1", "operator-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !w.Available.Equal(dec("10")) || !w.Balance.Equal(dec("10")) {
		t.Fatalf("unexpected wallet after first add: %+v", w)
	}

	if _, err := s.AddLiquidity(ctx, "ETH", dec("10"), "add-1", "operator-1"); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate on retried add, got %v", err)
	}

	w, err = s.AddLiquidity(ctx, "ETH", dec("2.5"), "add-2", "operator-1")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if !w.Available.Equal(dec("12.5")) {
		t.Fatalf("unexpected wallet after second add: %+v", w)
	}
	assertWalletInvariant(t, w)
}

func TestInMemoryConcurrentReservesNeverOverdraw(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedWallet(s, "BTC", dec("1.0"), decimal.Zero)

	const workers = 8
	amount := dec("0.25")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.ReserveLiquidity(ctx, "BTC", amount, fmt.Sprintf("rt-%d", i), "user-9")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 4 {
		t.Fatalf("expected exactly 4 reservations to fit, got %d", succeeded)
	}
	w, _ := s.Wallet(ctx, "BTC")
	if !w.Available.IsZero() || !w.Reserved.Equal(dec("1.0")) {
		t.Fatalf("unexpected final pool: %+v", w)
	}
	assertWalletInvariant(t, w)
}

func TestInMemoryHoldBlocksSettlement(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("1.0"), decimal.Zero)

	if err := s.HoldBalance(ctx, "seller-1", "BTC", "reconciliation mismatch"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1"); !errors.Is(err, ErrRecordHeld) {
		t.Fatalf("expected held error, got %v", err)
	}
	if _, err := s.Credit(ctx, "seller-1", "BTC", dec("0.1"), OpCredit, "c1"); !errors.Is(err, ErrRecordHeld) {
		t.Fatalf("expected held error on credit, got %v", err)
	}

	if err := s.ClearHold(ctx, "seller-1", "BTC"); err != nil {
		t.Fatalf("clear hold: %v", err)
	}
	if _, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1"); err != nil {
		t.Fatalf("lock after clear: %v", err)
	}
}

func TestInMemoryHistoryWrittenWithMutation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("1.0"), decimal.Zero)

	if _, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := s.UnlockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1", "cancel"); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	entries, err := s.History(ctx, HistoryFilter{TransactionID: "t1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(entries))
	}
	if entries[0].Operation != OpLock || entries[1].Operation != OpUnlock {
		t.Fatalf("unexpected operations: %s, %s", entries[0].Operation, entries[1].Operation)
	}
}

func TestInMemoryUnlockWrongOwnerLeavesLockOpen(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "owner-a", "BTC", dec("1.0"), decimal.Zero)
	SeedBalance(s, "owner-b", "BTC", dec("0.5"), dec("0.1"))

	if _, err := s.LockFunds(ctx, "owner-a", "BTC", dec("0.1"), "t1"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Naming the wrong owner must not touch that owner's locked funds.
	_, err := s.UnlockFunds(ctx, "owner-b", "BTC", dec("0.1"), "t1", "")
	if !errors.Is(err, ErrRecordMismatch) {
		t.Fatalf("unlock with wrong owner err = %v, want ErrRecordMismatch", err)
	}
	b, _ := s.Balance(ctx, "owner-b", "BTC")
	if !b.Locked.Equal(dec("0.1")) || !b.Available.Equal(dec("0.5")) {
		t.Fatalf("owner-b mutated by mismatched unlock: %+v", b)
	}

	// The true owner's compensation still works afterwards.
	rec, err := s.UnlockFunds(ctx, "owner-a", "BTC", dec("0.1"), "t1", "")
	if err != nil {
		t.Fatalf("owner's own unlock after mismatch: %v", err)
	}
	if !rec.Available.Equal(dec("1.0")) || !rec.Locked.Equal(decimal.Zero) {
		t.Fatalf("owner-a not restored: %+v", rec)
	}
}

func TestInMemoryBurnWrongAmountLeavesLockOpen(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "seller-1", "BTC", dec("1.0"), decimal.Zero)

	if _, err := s.LockFunds(ctx, "seller-1", "BTC", dec("0.1"), "t1"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := s.BurnLocked(ctx, "seller-1", "BTC", dec("0.05"), "t1"); !errors.Is(err, ErrRecordMismatch) {
		t.Fatalf("burn with wrong amount err = %v, want ErrRecordMismatch", err)
	}
	if _, err := s.BurnLocked(ctx, "seller-1", "ETH", dec("0.1"), "t1"); !errors.Is(err, ErrRecordMismatch) {
		t.Fatalf("burn with wrong currency err = %v, want ErrRecordMismatch", err)
	}

	rec, err := s.BurnLocked(ctx, "seller-1", "BTC", dec("0.1"), "t1")
	if err != nil {
		t.Fatalf("burn after mismatched attempts: %v", err)
	}
	if !rec.Total.Equal(dec("0.9")) || !rec.Locked.Equal(decimal.Zero) {
		t.Fatalf("unexpected record after burn: %+v", rec)
	}
	assertBalanceInvariant(t, rec)
}

func TestInMemoryPartialDeductRejected(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedWallet(s, "ETH", dec("5.0"), decimal.Zero)

	if _, _, err := s.ReserveLiquidity(ctx, "ETH", dec("0.5"), "swap-1", "u1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// A partial settle would close the reservation with funds still parked
	// in reserved; it must be rejected with the reservation left open.
	if _, err := s.DeductReserved(ctx, "ETH", dec("0.2"), "swap-1"); !errors.Is(err, ErrRecordMismatch) {
		t.Fatalf("partial deduct err = %v, want ErrRecordMismatch", err)
	}
	if _, err := s.ReleaseReserved(ctx, "ETH", dec("0.2"), "swap-1", ""); !errors.Is(err, ErrRecordMismatch) {
		t.Fatalf("partial release err = %v, want ErrRecordMismatch", err)
	}

	w, err := s.DeductReserved(ctx, "ETH", dec("0.5"), "swap-1")
	if err != nil {
		t.Fatalf("full deduct after mismatched attempts: %v", err)
	}
	if !w.Reserved.Equal(decimal.Zero) || !w.Balance.Equal(dec("4.5")) {
		t.Fatalf("unexpected wallet after deduct: %+v", w)
	}
	assertWalletInvariant(t, w)
}
