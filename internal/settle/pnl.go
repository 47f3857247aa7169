package settle

import (
	"github.com/shopspring/decimal"
)

// PnL holds the realized result of a closed position. All figures are USD
// except the per-token fee amounts.
type PnL struct {
	EntryValueUSD float64
	ExitValueUSD  float64
	PnlUSD        float64
	PnlPercent    float64
	FeeX          float64
	FeeY          float64
}

// ComputePnL computes realized profit-and-loss from before/after amounts and
// prices. Entry value is the deposited base amount at entry price; exit value
// is the returned base amount at exit price plus the returned quote amount.
// Fees are attributed as the positive excess of returned over deposited
// amounts. Decimal arithmetic avoids the drift float accumulation would add
// on small percentages.
func ComputePnL(depositedX, depositedY, entryPrice, returnedX, returnedY, exitPrice float64) PnL {
	dX := decimal.NewFromFloat(depositedX)
	dY := decimal.NewFromFloat(depositedY)
	rX := decimal.NewFromFloat(returnedX)
	rY := decimal.NewFromFloat(returnedY)
	entry := decimal.NewFromFloat(entryPrice)
	exit := decimal.NewFromFloat(exitPrice)

	entryValue := dX.Mul(entry)
	exitValue := rX.Mul(exit).Add(rY)
	pnl := exitValue.Sub(entryValue)

	var pct decimal.Decimal
	if !entryValue.IsZero() {
		pct = pnl.Div(entryValue).Mul(decimal.NewFromInt(100))
	}

	feeX := rX.Sub(dX)
	if feeX.IsNegative() {
		feeX = decimal.Zero
	}
	feeY := rY.Sub(dY)
	if feeY.IsNegative() {
		feeY = decimal.Zero
	}

	return PnL{
		EntryValueUSD: entryValue.InexactFloat64(),
		ExitValueUSD:  exitValue.InexactFloat64(),
		PnlUSD:        pnl.InexactFloat64(),
		PnlPercent:    pct.InexactFloat64(),
		FeeX:          feeX.InexactFloat64(),
		FeeY:          feeY.InexactFloat64(),
	}
}
