package domain

import "github.com/shopspring/decimal"

// RecoveryRate returns recovered/(recovered+failed) as a percentage rounded to
// two decimals, or 0 when there is nothing to recover.
func RecoveryRate(recovered, failed int64) float64 {
	total := recovered + failed
	if total <= 0 {
		return 0
	}
	rate := decimal.NewFromInt(recovered).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(total)).
		Round(2)
	return rate.InexactFloat64()
}
