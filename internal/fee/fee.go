// Package fee holds the platform fee calculation applied at escrow release
// and liquidity deduct time. The fee percent is supplied by the caller per
// operation; nothing here is flow-specific.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/swapdesk/swapdesk/internal/currency"
)

// Breakdown is the result of splitting a gross amount into fee and net.
type Breakdown struct {
	Gross      decimal.Decimal
	Fee        decimal.Decimal
	Net        decimal.Decimal
	FeePercent decimal.Decimal
}

// Compute splits gross into the platform fee and the counterparty's net
// amount. The fee is rounded down to the currency's settlement precision so
// the platform never credits itself a fraction it did not collect; the
// remainder stays with the net side.
func Compute(gross, percent decimal.Decimal, currencyCode string) (Breakdown, error) {
	if gross.LessThanOrEqual(decimal.Zero) {
		return Breakdown{}, fmt.Errorf("gross amount must be positive, got %s", gross)
	}
	if percent.IsNegative() || percent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return Breakdown{}, fmt.Errorf("fee percent must be in [0, 100), got %s", percent)
	}

	feeAmount := gross.Mul(percent).Div(decimal.NewFromInt(100)).
		RoundDown(currency.Precision(currencyCode))
	net := gross.Sub(feeAmount)

	return Breakdown{
		Gross:      gross,
		Fee:        feeAmount,
		Net:        net,
		FeePercent: percent,
	}, nil
}
