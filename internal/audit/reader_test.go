package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/swapdesk/swapdesk/internal/ledger"
	"github.com/swapdesk/swapdesk/internal/logging"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestReconcileCleanLedger(t *testing.T) {
	store := ledger.NewInMemory()
	ledger.SeedBalance(store, "u1", "BTC", dec("1.0"), dec("0.2"))
	ledger.SeedWallet(store, "ETH", dec("5.0"), dec("1.0"))
	reader := NewReader(store, logging.Discard())

	violations, err := reader.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("violations = %+v, want none", violations)
	}
}

func TestReconcileHoldsCorruptedBalance(t *testing.T) {
	store := ledger.NewInMemory()
	ledger.SeedBalance(store, "u1", "BTC", dec("1.0"), decimal.Zero)
	ledger.CorruptBalanceTotal(store, "u1", "BTC", dec("0.5"))
	reader := NewReader(store, logging.Discard())
	ctx := context.Background()

	violations, err := reader.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	v := violations[0]
	if v.Kind != "balance" || v.OwnerID != "u1" || !v.Deviation.Equal(dec("0.5")) {
		t.Fatalf("violation = %+v", v)
	}

	// The held record must refuse settlement until the hold is cleared.
	_, err = store.LockFunds(ctx, "u1", "BTC", dec("0.1"), "t1")
	if !errors.Is(err, ledger.ErrRecordHeld) {
		t.Fatalf("lock on held record err = %v, want ErrRecordHeld", err)
	}

	if err := reader.ClearHold(ctx, "u1", "BTC"); err != nil {
		t.Fatalf("clear hold: %v", err)
	}
	if _, err := store.LockFunds(ctx, "u1", "BTC", dec("0.1"), "t1"); err != nil {
		t.Fatalf("lock after clearing hold: %v", err)
	}
}

func TestReconcileIsStableOnRepeat(t *testing.T) {
	store := ledger.NewInMemory()
	ledger.SeedBalance(store, "u1", "BTC", dec("1.0"), decimal.Zero)
	ledger.CorruptBalanceTotal(store, "u1", "BTC", dec("0.5"))
	reader := NewReader(store, logging.Discard())
	ctx := context.Background()

	first, err := reader.Reconcile(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	second, err := reader.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("sweeps reported %d then %d violations, want 1 and 1", len(first), len(second))
	}
}

func TestHistoryFilter(t *testing.T) {
	store := ledger.NewInMemory()
	ledger.SeedBalance(store, "u1", "BTC", dec("1.0"), decimal.Zero)
	ctx := context.Background()
	if _, err := store.LockFunds(ctx, "u1", "BTC", dec("0.1"), "t1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := store.Credit(ctx, "u2", "BTC", dec("0.3"), ledger.OpCredit, "t2"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	reader := NewReader(store, logging.Discard())

	entries, err := reader.History(ctx, ledger.HistoryFilter{OwnerID: "u1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation != ledger.OpLock {
		t.Fatalf("filtered history = %+v", entries)
	}

	all, err := reader.History(ctx, ledger.HistoryFilter{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("full history = %d entries, want 2", len(all))
	}
}
