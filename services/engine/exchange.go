package engine

import "github.com/shopspring/decimal"

// FeeSchedule charges Flat currency units plus Percent of notional.
// Percent is a fraction: 0.001 = 0.1%.
type FeeSchedule struct {
	Flat    decimal.Decimal
	Percent decimal.Decimal
}

func (f FeeSchedule) Compute(notional decimal.Decimal) decimal.Decimal {
	return f.Flat.Add(f.Percent.Mul(notional))
}

type FeeModel interface {
	Compute(side Side, price, qty, multiplier decimal.Decimal) decimal.Decimal
}

// Fees holds one schedule per direction.
type Fees struct {
	Buy  FeeSchedule
	Sell FeeSchedule
}

func (f Fees) Compute(side Side, price, qty, multiplier decimal.Decimal) decimal.Decimal {
	notional := price.Mul(qty).Mul(multiplier)
	if side.IsBuy() {
		return f.Buy.Compute(notional)
	}
	return f.Sell.Compute(notional)
}

// NoFees is the zero fee model.
var NoFees FeeModel = Fees{}
