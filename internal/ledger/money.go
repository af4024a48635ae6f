package ledger

import (
	"github.com/shopspring/decimal"
)

// RoundMoney rounds to cents, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// WinAmount is the payout for stake cashed out at multiplier.
func WinAmount(stake decimal.Decimal, multiplier float64) decimal.Decimal {
	return RoundMoney(stake.Mul(decimal.NewFromFloat(multiplier)))
}

// HasCents reports whether d has at most two decimal places.
func HasCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
