package engine

import "github.com/shopspring/decimal"

// Position is a strategy's signed holding of one asset.
type Position struct {
	StrategyID   string
	Asset        Asset
	Quote        *Asset // Settlement asset of pair-traded fills, if any.
	Quantity     decimal.Decimal // Positive for long, negative for short.
	AvgFillPrice decimal.Decimal
	RealizedPnl  decimal.Decimal

	// Hold is the part of a crypto holding reserved by pending sell orders.
	Hold decimal.Decimal
}

// Available is the crypto quantity not reserved by pending sells.
func (p *Position) Available() decimal.Decimal {
	return p.Quantity.Sub(p.Hold)
}

func (p *Position) IsLong() bool  { return p.Quantity.IsPositive() }
func (p *Position) IsShort() bool { return p.Quantity.IsNegative() }
func (p *Position) IsFlat() bool  { return p.Quantity.IsZero() }

// ApplyFill updates position with a new fill. delta is signed.
func (p *Position) ApplyFill(delta, price, multiplier decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	held := p.Quantity
	if held.IsZero() || held.Sign() == delta.Sign() {
		p.AvgFillPrice = weightedAvg(p.AvgFillPrice, held.Abs(), price, delta.Abs())
		p.Quantity = held.Add(delta)
		return
	}

	// reduce/flip
	closed := minDec(held.Abs(), delta.Abs())
	realized := price.Sub(p.AvgFillPrice).Mul(closed).Mul(multiplier)
	if held.IsNegative() {
		realized = realized.Neg()
	}
	p.RealizedPnl = p.RealizedPnl.Add(realized)
	p.Quantity = held.Add(delta)
	switch {
	case p.Quantity.IsZero():
		p.AvgFillPrice = decimal.Zero
	case p.Quantity.Sign() != held.Sign():
		// flipped
		p.AvgFillPrice = price
	}
}

// adjustBalance moves a quote-asset balance without touching its cost basis.
func (p *Position) adjustBalance(delta decimal.Decimal) {
	p.Quantity = p.Quantity.Add(delta)
}

func weightedAvg(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.IsZero() {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}
