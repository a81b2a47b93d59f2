package currency

import (
	"fmt"
	"strings"
)

// ErrUnknown indicates a currency code outside the supported set.
var ErrUnknown = fmt.Errorf("unknown currency")

// precisions maps supported currency codes to the number of decimal places
// amounts are settled at. Fee rounding truncates to this precision.
var precisions = map[string]int32{
	"BTC":  8,
	"ETH":  8,
	"SOL":  8,
	"LTC":  8,
	"XRP":  6,
	"USDT": 2,
	"USDC": 2,
}

// Normalize trims and upper-cases a currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks the code against the supported currency set.
func Validate(code string) error {
	if _, ok := precisions[Normalize(code)]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknown, code)
	}
	return nil
}

// Precision returns the settlement precision for a currency code. Unknown
// codes fall back to 8 decimal places; callers are expected to Validate first.
func Precision(code string) int32 {
	if p, ok := precisions[Normalize(code)]; ok {
		return p
	}
	return 8
}
