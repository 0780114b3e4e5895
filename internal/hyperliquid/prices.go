package hyperliquid

import (
	"math"

	"github.com/shopspring/decimal"
)

// priceSigFigs is the venue's perp price precision: at most five
// significant figures, and at most 6 - szDecimals decimal places.
const priceSigFigs = 5

// FormatPrice renders a price for the wire: rounded to five significant
// figures, then clamped to the asset's allowed decimal places.
func FormatPrice(price float64, szDecimals int) string {
	d := roundSigFigs(decimal.NewFromFloat(price), priceSigFigs)

	maxDecimals := int32(6 - szDecimals)
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	if -d.Exponent() > maxDecimals {
		d = d.Round(maxDecimals)
	}

	return d.String()
}

// FormatSize renders an order size truncated to the asset's size decimals.
// Truncation, not rounding, so a close order never exceeds the position.
func FormatSize(size float64, szDecimals int) string {
	return decimal.NewFromFloat(size).Truncate(int32(szDecimals)).String()
}

// AggressivePrice offsets mid by slippage in the taker direction: above mid
// for buys, below for sells. The venue has no native market order type, so
// executions go out as IOC limits at this price.
func AggressivePrice(mid float64, slippagePct float64, isBuy bool) float64 {
	if isBuy {
		return mid * (1 + slippagePct)
	}
	return mid * (1 - slippagePct)
}

// roundSigFigs rounds to the given number of significant figures.
func roundSigFigs(d decimal.Decimal, figs int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	f, _ := d.Abs().Float64()
	msd := int32(math.Floor(math.Log10(f)))
	return d.Round(figs - 1 - msd)
}
