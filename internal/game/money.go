package game

import "github.com/shopspring/decimal"

// payoutFor returns stake × multiplier rounded to cents.
func payoutFor(stake, multiplier float64) float64 {
	return decimal.NewFromFloat(stake).
		Mul(decimal.NewFromFloat(multiplier)).
		Round(2).
		InexactFloat64()
}

// multiplierFor recovers the multiplier a payout was credited at.
func multiplierFor(stake, payout float64) float64 {
	if stake <= 0 {
		return 0
	}
	return decimal.NewFromFloat(payout).
		Div(decimal.NewFromFloat(stake)).
		Round(2).
		InexactFloat64()
}

func roundCents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
