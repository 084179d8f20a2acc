package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Ledger is one strategy's cash balance and open positions. Only the engine's
// commit step mutates it.
type Ledger struct {
	StrategyID   string
	BaseCurrency string

	cash      decimal.Decimal
	positions map[string]*Position
}

func NewLedger(strategyID, baseCurrency string, cash decimal.Decimal) *Ledger {
	return &Ledger{
		StrategyID:   strategyID,
		BaseCurrency: strings.ToUpper(baseCurrency),
		cash:         cash,
		positions:    make(map[string]*Position),
	}
}

func (l *Ledger) Cash() decimal.Decimal { return l.cash }

// Position returns the open position in asset, or nil.
func (l *Ledger) Position(asset Asset) *Position {
	return l.positions[asset.Key()]
}

// Positions returns open positions ordered by asset key.
func (l *Ledger) Positions() []*Position {
	keys := make([]string, 0, len(l.positions))
	for k := range l.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.positions[k])
	}
	return out
}

// settlesInQuote reports whether a fill moves a quote-asset position instead
// of cash.
func (l *Ledger) settlesInQuote(o *Order) bool {
	return o.Asset.pairTraded() && o.Quote != nil && !strings.EqualFold(o.Quote.Symbol, l.BaseCurrency)
}

func (l *Ledger) ensure(asset Asset) *Position {
	key := asset.Key()
	p, ok := l.positions[key]
	if !ok {
		p = &Position{StrategyID: l.StrategyID, Asset: asset}
		l.positions[key] = p
	}
	return p
}

func (l *Ledger) prune(p *Position) {
	if p.Quantity.IsZero() && p.Hold.IsZero() {
		delete(l.positions, p.Asset.Key())
	}
}

// reserve places a hold for a pending crypto sell against the available
// holding and returns the amount held.
func (l *Ledger) reserve(o *Order) decimal.Decimal {
	if o.Asset.Class != AssetCrypto || !o.Side.reducesHolding() {
		return decimal.Zero
	}
	p := l.positions[o.Asset.Key()]
	if p == nil || !p.Available().IsPositive() {
		return decimal.Zero
	}
	amt := minDec(o.Quantity, p.Available())
	p.Hold = p.Hold.Add(amt)
	return amt
}

func (l *Ledger) release(asset Asset, amt decimal.Decimal) {
	if amt.IsZero() {
		return
	}
	if p := l.positions[asset.Key()]; p != nil {
		p.Hold = p.Hold.Sub(amt)
		l.prune(p)
	}
}

// commit applies one fill. Every check runs before the first mutation, so a
// fill is either applied in full (quantity, cash or quote balance, hold) or
// not at all.
func (l *Ledger) commit(o *Order, price, qty, fee decimal.Decimal) (*Position, error) {
	mult := o.Asset.ContractMultiplier()
	delta := o.Side.Sign().Mul(qty)

	if o.Asset.Class == AssetCrypto && o.Side.reducesHolding() {
		held, hold := decimal.Zero, decimal.Zero
		if p := l.positions[o.Asset.Key()]; p != nil {
			held, hold = p.Quantity, p.Hold
		}
		available := held.Add(delta).Sub(hold.Sub(o.reserved))
		if available.IsNegative() {
			return nil, fmt.Errorf("%w: %s holds %s (%s on hold), selling %s",
				ErrInsufficientBalance, o.Asset, held, hold, qty)
		}
	}

	pos := l.ensure(o.Asset)
	if pos.Quote == nil && o.Quote != nil {
		q := *o.Quote
		pos.Quote = &q
	}
	pos.ApplyFill(delta, price, mult)
	pos.Hold = pos.Hold.Sub(o.reserved)
	o.reserved = decimal.Zero

	if l.settlesInQuote(o) {
		quote := l.ensure(*o.Quote)
		quote.adjustBalance(delta.Mul(price).Neg().Sub(fee))
		l.prune(quote)
	} else {
		l.cash = l.cash.Sub(delta.Mul(price).Mul(mult)).Sub(fee)
	}
	l.prune(pos)
	return pos, nil
}
