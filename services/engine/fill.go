package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type DecisionKind int

const (
	NoFill DecisionKind = iota
	Fill
	// Triggered is returned when a STOP_LIMIT's stop traded but its limit did
	// not. The order rests as a limit from then on.
	Triggered
)

func (k DecisionKind) String() string {
	switch k {
	case Fill:
		return "FILL"
	case Triggered:
		return "TRIGGERED"
	}
	return "NO_FILL"
}

type Decision struct {
	Kind  DecisionKind
	Price decimal.Decimal
}

// EvalState is the per-order memory carried between bars.
type EvalState struct {
	Triggered   bool
	TrailSeeded bool
	TrailRef    decimal.Decimal
}

// Evaluate decides whether an order with the given side and spec executes
// during bar. It is a pure function of its inputs; the caller stores the
// returned state on the order.
func Evaluate(side Side, spec Spec, bar Bar, st EvalState) (Decision, EvalState) {
	switch s := spec.(type) {
	case Market:
		return Decision{Kind: Fill, Price: bar.Open}, st

	case Limit:
		if p, ok := fillPriceLimit(side, s.Price, bar.Open, bar); ok {
			return Decision{Kind: Fill, Price: p}, st
		}
		return Decision{}, st

	case Stop:
		if p, ok := fillPriceStop(side, s.Price, bar.Open, bar); ok {
			return Decision{Kind: Fill, Price: p}, st
		}
		return Decision{}, st

	case StopLimit:
		if st.Triggered {
			if p, ok := fillPriceLimit(side, s.Limit, bar.Open, bar); ok {
				return Decision{Kind: Fill, Price: p}, st
			}
			return Decision{}, st
		}
		sp, ok := fillPriceStop(side, s.Stop, bar.Open, bar)
		if !ok {
			return Decision{}, st
		}
		st.Triggered = true
		// The rest of the bar after the trigger behaves like a fresh limit
		// order opening at the stop execution price.
		if p, ok := fillPriceLimit(side, s.Limit, sp, bar); ok {
			return Decision{Kind: Fill, Price: p}, st
		}
		return Decision{Kind: Triggered}, st

	case Trail:
		if !st.TrailSeeded {
			return Decision{}, st.track(side, bar)
		}
		stop := trailStopPrice(side, s.Offset, st.TrailRef)
		// A touched trail fills at its own level clipped to the bar, even
		// when the bar opened through it.
		if (side.IsBuy() && bar.High.GreaterThanOrEqual(stop)) || (!side.IsBuy() && bar.Low.LessThanOrEqual(stop)) {
			return Decision{Kind: Fill, Price: clampDec(stop, bar.Low, bar.High)}, st
		}
		return Decision{}, st.track(side, bar)

	default:
		panic(fmt.Sprintf("engine: unhandled order spec %T", spec))
	}
}

// track moves the trailing reference to the most favorable close seen: the
// lowest for a buy-side trail, the highest for a sell-side one. Opens and
// intrabar extremes never move it.
func (st EvalState) track(side Side, bar Bar) EvalState {
	switch {
	case !st.TrailSeeded:
		st.TrailRef = bar.Close
		st.TrailSeeded = true
	case side.IsBuy():
		st.TrailRef = minDec(st.TrailRef, bar.Close)
	default:
		st.TrailRef = maxDec(st.TrailRef, bar.Close)
	}
	return st
}

// trailStopPrice is the trigger level implied by the current reference.
func trailStopPrice(side Side, off TrailOffset, ref decimal.Decimal) decimal.Decimal {
	dist := off.Amount
	if off.Percent {
		dist = ref.Mul(off.Amount)
	}
	if side.IsBuy() {
		return ref.Add(dist)
	}
	return ref.Sub(dist)
}

// fillPriceLimit computes the fill of a touched limit. open is normally the
// bar open; a STOP_LIMIT passes its stop execution price instead.
func fillPriceLimit(side Side, limit, open decimal.Decimal, bar Bar) (decimal.Decimal, bool) {
	if side.IsBuy() {
		if open.LessThanOrEqual(limit) { // gap/open through
			return open, true
		}
		if bar.Low.LessThanOrEqual(limit) {
			return limit, true
		}
		return decimal.Zero, false
	}
	if open.GreaterThanOrEqual(limit) {
		return open, true
	}
	if bar.High.GreaterThanOrEqual(limit) {
		return limit, true
	}
	return decimal.Zero, false
}

// fillPriceStop returns the price when a stop-market triggers: the worse of
// the stop and an adverse gap open.
func fillPriceStop(side Side, stop, open decimal.Decimal, bar Bar) (decimal.Decimal, bool) {
	if side.IsBuy() { // buy stop breakout up
		if open.GreaterThanOrEqual(stop) { // gapped over
			return open, true
		}
		if bar.High.GreaterThanOrEqual(stop) {
			return stop, true
		}
		return decimal.Zero, false
	}
	if open.LessThanOrEqual(stop) {
		return open, true
	}
	if bar.Low.LessThanOrEqual(stop) {
		return stop, true
	}
	return decimal.Zero, false
}

// triggerLevel is the price at which a protective exit fires, used to order
// OCO siblings within one bar. ok is false while a trail is unseeded.
func triggerLevel(o *Order) (decimal.Decimal, bool) {
	switch s := o.Spec.(type) {
	case Limit:
		return s.Price, true
	case Stop:
		return s.Price, true
	case StopLimit:
		return s.Stop, true
	case Trail:
		if !o.state.TrailSeeded {
			return decimal.Zero, false
		}
		return trailStopPrice(o.Side, s.Offset, o.state.TrailRef), true
	}
	return decimal.Zero, false
}
