package audit

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/swapdesk/swapdesk/internal/ledger"
)

// Violation describes one record whose stored total disagrees with the sum
// of its parts.
type Violation struct {
	Kind      string          `json:"kind"` // "balance" or "wallet"
	OwnerID   string          `json:"owner_id,omitempty"`
	Currency  string          `json:"currency"`
	Expected  decimal.Decimal `json:"expected"`
	Actual    decimal.Decimal `json:"actual"`
	Deviation decimal.Decimal `json:"deviation"`
}

// Reader walks the ledger for operators: reconciliation sweeps, audit
// history reads and the blocked-transaction backlog. It never mutates
// balances except to place or clear reconciliation holds.
type Reader struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewReader builds an audit reader.
func NewReader(store ledger.Store, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{store: store, logger: logger}
}

// Reconcile sweeps every balance record and liquidity wallet, checking the
// total-equals-parts invariant. Violated balance records are placed on hold
// so automated settlement stops touching them; wallets are reported only,
// since holding the shared pool would stop all swaps at once.
func (r *Reader) Reconcile(ctx context.Context) ([]Violation, error) {
	balances, err := r.store.Balances(ctx)
	if err != nil {
		return nil, err
	}
	wallets, err := r.store.Wallets(ctx)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, rec := range balances {
		expected := rec.Available.Add(rec.Locked)
		negative := rec.Total.IsNegative() || rec.Available.IsNegative() || rec.Locked.IsNegative()
		if rec.Total.Equal(expected) && !negative {
			continue
		}
		v := Violation{
			Kind:      "balance",
			OwnerID:   rec.OwnerID,
			Currency:  rec.Currency,
			Expected:  expected,
			Actual:    rec.Total,
			Deviation: rec.Total.Sub(expected),
		}
		violations = append(violations, v)

		r.logger.Error("balance reconciliation violation",
			"owner_id", rec.OwnerID, "currency", rec.Currency,
			"total", rec.Total.String(), "expected", expected.String())
		if rec.Status != ledger.StatusHeld {
			if err := r.store.HoldBalance(ctx, rec.OwnerID, rec.Currency, "reconciliation mismatch"); err != nil {
				r.logger.Error("place reconciliation hold",
					"owner_id", rec.OwnerID, "currency", rec.Currency, "error", err)
			}
		}
	}

	for _, w := range wallets {
		expected := w.Available.Add(w.Reserved)
		negative := w.Balance.IsNegative() || w.Available.IsNegative() || w.Reserved.IsNegative()
		if w.Balance.Equal(expected) && !negative {
			continue
		}
		violations = append(violations, Violation{
			Kind:      "wallet",
			Currency:  w.Currency,
			Expected:  expected,
			Actual:    w.Balance,
			Deviation: w.Balance.Sub(expected),
		})
		r.logger.Error("wallet reconciliation violation",
			"currency", w.Currency,
			"balance", w.Balance.String(), "expected", expected.String())
	}

	r.logger.Info("reconciliation sweep complete",
		"balances", len(balances), "wallets", len(wallets), "violations", len(violations))
	return violations, nil
}

// History reads the append-only audit trail, newest first.
func (r *Reader) History(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.HistoryEntry, error) {
	return r.store.History(ctx, filter)
}

// Blocked reads the recent transactions denied for lack of liquidity.
func (r *Reader) Blocked(ctx context.Context, limit int) ([]ledger.BlockedTransaction, error) {
	return r.store.BlockedTransactions(ctx, limit)
}

// ClearHold re-enables settlement for a record after an operator has
// corrected the underlying discrepancy.
func (r *Reader) ClearHold(ctx context.Context, ownerID, currency string) error {
	if err := r.store.ClearHold(ctx, ownerID, currency); err != nil {
		return err
	}
	r.logger.Info("reconciliation hold cleared", "owner_id", ownerID, "currency", currency)
	return nil
}
