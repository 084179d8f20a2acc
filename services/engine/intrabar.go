package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents a single OHLCV bar
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// flatBar is the degenerate single-price bar used when an asset has no data
// for the current step.
func flatBar(ts time.Time, price decimal.Decimal) Bar {
	return Bar{Timestamp: ts, Open: price, High: price, Low: price, Close: price}
}

// FirstTouchResult indicates which level was hit first
type FirstTouchResult int

const (
	TouchNone FirstTouchResult = iota
	TouchTP
	TouchSL
)

// ResolveFirstTouchLong determines TP/SL hit order for a long position using
// the synthetic path open -> nearer extremum -> other extremum -> close.
func ResolveFirstTouchLong(bar Bar, tp, sl decimal.Decimal) FirstTouchResult {
	both := bar.Low.LessThanOrEqual(sl) && bar.High.GreaterThanOrEqual(tp)
	if both {
		distHigh := bar.High.Sub(bar.Open).Abs()
		distLow := bar.Open.Sub(bar.Low).Abs()
		if distLow.LessThan(distHigh) {
			return TouchSL
		}
		return TouchTP
	}
	if bar.Low.LessThanOrEqual(sl) {
		return TouchSL
	}
	if bar.High.GreaterThanOrEqual(tp) {
		return TouchTP
	}
	return TouchNone
}

// ResolveFirstTouchShort mirrors the long logic for shorts
func ResolveFirstTouchShort(bar Bar, tp, sl decimal.Decimal) FirstTouchResult {
	both := bar.High.GreaterThanOrEqual(sl) && bar.Low.LessThanOrEqual(tp)
	if both {
		distHigh := bar.High.Sub(bar.Open).Abs()
		distLow := bar.Open.Sub(bar.Low).Abs()
		if distHigh.LessThan(distLow) {
			return TouchSL
		}
		return TouchTP
	}
	if bar.High.GreaterThanOrEqual(sl) {
		return TouchSL
	}
	if bar.Low.LessThanOrEqual(tp) {
		return TouchTP
	}
	return TouchNone
}
