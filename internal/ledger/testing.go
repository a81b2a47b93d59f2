package ledger

import "github.com/shopspring/decimal"

// SeedBalance seeds a custody record when using the in-memory store.
func SeedBalance(s Store, ownerID, currency string, available, locked decimal.Decimal) {
	if mem, ok := s.(*memoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		rec := mem.getOrCreateLocked(ownerID, currency)
		rec.Available = available
		rec.Locked = locked
		rec.Total = available.Add(locked)
	}
}

// SeedWallet seeds the pooled liquidity wallet when using the in-memory store.
func SeedWallet(s Store, currency string, available, reserved decimal.Decimal) {
	if mem, ok := s.(*memoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		w := mem.getOrCreateWalletLocked(currency)
		w.Available = available
		w.Reserved = reserved
		w.Balance = available.Add(reserved)
	}
}

// CorruptBalanceTotal shifts the stored total without touching available or
// locked, breaking the record invariant for reconciliation tests.
func CorruptBalanceTotal(s Store, ownerID, currency string, delta decimal.Decimal) {
	if mem, ok := s.(*memoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		rec := mem.getOrCreateLocked(ownerID, currency)
		rec.Total = rec.Total.Add(delta)
	}
}
