package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the order direction. Every side carries the sign it applies to the
// position quantity.
type Side string

const (
	SideBuy         Side = "BUY"
	SideSell        Side = "SELL"
	SideBuyToOpen   Side = "BUY_TO_OPEN"
	SideSellToOpen  Side = "SELL_TO_OPEN"
	SideBuyToClose  Side = "BUY_TO_CLOSE"
	SideSellToClose Side = "SELL_TO_CLOSE"
	SideSellShort   Side = "SELL_SHORT"
	SideBuyToCover  Side = "BUY_TO_COVER"
)

// IsBuy reports whether the side adds to the position quantity.
func (s Side) IsBuy() bool {
	switch s {
	case SideBuy, SideBuyToOpen, SideBuyToClose, SideBuyToCover:
		return true
	}
	return false
}

// Sign is +1 for buy sides and -1 for sell sides.
func (s Side) Sign() decimal.Decimal {
	if s.IsBuy() {
		return one
	}
	return one.Neg()
}

func (s Side) valid() bool {
	switch s {
	case SideBuy, SideSell, SideBuyToOpen, SideSellToOpen,
		SideBuyToClose, SideSellToClose, SideSellShort, SideBuyToCover:
		return true
	}
	return false
}

// reducesHolding reports sells that must be covered by an existing holding,
// as opposed to sells that open or extend a short.
func (s Side) reducesHolding() bool {
	return s == SideSell || s == SideSellToClose
}

// exitSide is the side that unwinds a position opened with s.
func (s Side) exitSide() Side {
	switch s {
	case SideBuyToOpen:
		return SideSellToClose
	case SideSellToOpen:
		return SideBuyToClose
	case SideSellShort:
		return SideBuyToCover
	}
	if s.IsBuy() {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
	OrderTrail     OrderType = "TRAIL"
)

type OrderClass string

const (
	ClassSimple  OrderClass = "SIMPLE"
	ClassBracket OrderClass = "BRACKET"
)

type OrderStatus string

const (
	StatusUnprocessed     OrderStatus = "UNPROCESSED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusError           OrderStatus = "ERROR"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusError
}

// Spec is the type-specific payload of an order. The set of implementations
// is closed: Market, Limit, Stop, StopLimit and Trail.
type Spec interface {
	Type() OrderType
	check() error
}

type Market struct{}

type Limit struct{ Price decimal.Decimal }

type Stop struct{ Price decimal.Decimal }

// StopLimit becomes a Limit at Limit once the market trades through Stop.
type StopLimit struct {
	Stop  decimal.Decimal
	Limit decimal.Decimal
}

type Trail struct{ Offset TrailOffset }

func (Market) Type() OrderType    { return OrderMarket }
func (Limit) Type() OrderType     { return OrderLimit }
func (Stop) Type() OrderType      { return OrderStop }
func (StopLimit) Type() OrderType { return OrderStopLimit }
func (Trail) Type() OrderType     { return OrderTrail }

func (Market) check() error { return nil }

func (s Limit) check() error { return positivePrice("limit_price", s.Price) }

func (s Stop) check() error { return positivePrice("stop_price", s.Price) }

func (s StopLimit) check() error {
	if err := positivePrice("stop_price", s.Stop); err != nil {
		return err
	}
	return positivePrice("limit_price", s.Limit)
}

func (s Trail) check() error { return s.Offset.check() }

func positivePrice(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrMissingPrice, field, v)
	}
	return nil
}

// TrailOffset is either an absolute price distance or a fraction of the
// reference price (0.05 = 5%).
type TrailOffset struct {
	Amount  decimal.Decimal
	Percent bool
}

func TrailAmount(v decimal.Decimal) TrailOffset  { return TrailOffset{Amount: v} }
func TrailPercent(v decimal.Decimal) TrailOffset { return TrailOffset{Amount: v, Percent: true} }

func (t TrailOffset) check() error {
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: trail offset must be positive, got %s", ErrMissingPrice, t.Amount)
	}
	if t.Percent && t.Amount.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: trail percent must be below 1, got %s", ErrUnsupportedOrder, t.Amount)
	}
	return nil
}

// BracketLegs carries the secondary prices of a bracket's exit children.
// At most one of StopLoss and Trail may be set.
type BracketLegs struct {
	TakeProfit    *decimal.Decimal
	StopLoss      *decimal.Decimal
	StopLossLimit *decimal.Decimal
	Trail         *TrailOffset
}

// Transaction is one executed slice of an order.
type Transaction struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	At       time.Time
}

// OrderHandle indexes the engine's order arena.
type OrderHandle int

const NoHandle OrderHandle = -1

// Order is an order's identity plus its lifecycle state. Orders are created
// by strategy code and mutated only by the engine once submitted.
type Order struct {
	ID         string
	StrategyID string
	Asset      Asset
	Quote      *Asset
	Side       Side
	Quantity   decimal.Decimal
	Spec       Spec
	Class      OrderClass
	Legs       *BracketLegs
	Tag        string

	Status       OrderStatus
	Transactions []Transaction
	TradeCost    decimal.Decimal
	SubmittedAt  time.Time
	Err          error

	handle   OrderHandle
	parent   OrderHandle
	children []OrderHandle
	state    EvalState
	costSet  bool
	reserved decimal.Decimal
}

// NewOrder builds an UNPROCESSED simple order.
func NewOrder(strategyID string, asset Asset, side Side, qty decimal.Decimal, spec Spec) *Order {
	return &Order{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Asset:      asset,
		Side:       side,
		Quantity:   qty,
		Spec:       spec,
		Class:      ClassSimple,
		Status:     StatusUnprocessed,
		handle:     NoHandle,
		parent:     NoHandle,
	}
}

// WithQuote sets the quote asset for pair-denominated instruments.
func (o *Order) WithQuote(quote Asset) *Order {
	o.Quote = &quote
	return o
}

// WithBracket turns the order into a bracket entry with the given exits.
func (o *Order) WithBracket(legs BracketLegs) *Order {
	o.Class = ClassBracket
	o.Legs = &legs
	return o
}

func (o *Order) Type() OrderType {
	if o.Spec == nil {
		return ""
	}
	return o.Spec.Type()
}

func (o *Order) IsActive() bool {
	return o.Status == StatusSubmitted || o.Status == StatusPartiallyFilled
}

// IsChild reports whether the order is a bracket exit leg.
func (o *Order) IsChild() bool { return o.parent != NoHandle }

// FilledQuantity sums executed transactions.
func (o *Order) FilledQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, tx := range o.Transactions {
		total = total.Add(tx.Quantity)
	}
	return total
}

// AvgFillPrice is the quantity-weighted transaction price, zero if unfilled.
func (o *Order) AvgFillPrice() decimal.Decimal {
	qty := o.FilledQuantity()
	if qty.IsZero() {
		return decimal.Zero
	}
	notional := decimal.Zero
	for _, tx := range o.Transactions {
		notional = notional.Add(tx.Price.Mul(tx.Quantity))
	}
	return notional.Div(qty)
}

func (o *Order) String() string {
	id := o.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s %s %s %s %s [%s]", id, o.Type(), o.Side, o.Quantity, o.Asset, o.Status)
}

// validate checks the order before it enters the pending set.
func (o *Order) validate() error {
	if o.Spec == nil {
		return fmt.Errorf("%w: missing order type", ErrUnsupportedOrder)
	}
	if !o.Side.valid() {
		return fmt.Errorf("%w: side %q", ErrUnsupportedOrder, o.Side)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidQuantity, o.Quantity)
	}
	if !o.Asset.fractional() && !isWhole(o.Quantity) {
		return fmt.Errorf("%w: %s quantity must be whole, got %s", ErrInvalidQuantity, o.Asset.Class, o.Quantity)
	}
	if err := o.Spec.check(); err != nil {
		return err
	}
	switch o.Class {
	case ClassSimple, "":
		if o.Legs != nil {
			return fmt.Errorf("%w: bracket legs on a simple order", ErrUnsupportedOrder)
		}
		return nil
	case ClassBracket:
		return o.validateBracket()
	default:
		return fmt.Errorf("%w: order class %q", ErrUnsupportedOrder, o.Class)
	}
}

func (o *Order) validateBracket() error {
	if o.Type() == OrderTrail {
		return fmt.Errorf("%w: TRAIL entry on a bracket order", ErrUnsupportedOrder)
	}
	legs := o.Legs
	if legs == nil || (legs.TakeProfit == nil && legs.StopLoss == nil && legs.Trail == nil) {
		return fmt.Errorf("%w: bracket order without exit legs", ErrMissingPrice)
	}
	if legs.StopLoss != nil && legs.Trail != nil {
		return fmt.Errorf("%w: bracket with both stop-loss and trailing exit", ErrUnsupportedOrder)
	}
	if legs.StopLossLimit != nil && legs.StopLoss == nil {
		return fmt.Errorf("%w: stop-loss limit without stop-loss price", ErrMissingPrice)
	}
	if legs.TakeProfit != nil {
		if err := positivePrice("take_profit_price", *legs.TakeProfit); err != nil {
			return err
		}
	}
	if legs.StopLoss != nil {
		if err := positivePrice("stop_loss_price", *legs.StopLoss); err != nil {
			return err
		}
	}
	if legs.StopLossLimit != nil {
		if err := positivePrice("stop_loss_limit_price", *legs.StopLossLimit); err != nil {
			return err
		}
	}
	if legs.Trail != nil {
		if err := legs.Trail.check(); err != nil {
			return err
		}
	}
	if legs.TakeProfit != nil && legs.StopLoss != nil {
		tp, sl := *legs.TakeProfit, *legs.StopLoss
		if o.Side.IsBuy() && !tp.GreaterThan(sl) || !o.Side.IsBuy() && !tp.LessThan(sl) {
			return fmt.Errorf("%w: take-profit %s and stop-loss %s are on the wrong sides for %s",
				ErrUnsupportedOrder, tp, sl, o.Side)
		}
	}
	return nil
}
