package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds the per-strategy settings of an Engine.
type Config struct {
	StrategyID   string
	BaseCurrency string
	InitialCash  decimal.Decimal
	Timeframe    Timeframe
	Fees         FeeModel
	Logger       *zap.Logger
}

// Strategy is driven by Run once per processed bar.
type Strategy interface {
	OnBar(ctx context.Context, e *Engine, ts time.Time) error
}

// FillListener receives every fill, synchronously and in commit order.
type FillListener interface {
	OnOrderFilled(o *Order, pos *Position, price, qty, multiplier decimal.Decimal)
}

// CancelListener receives every transition to CANCELED.
type CancelListener interface {
	OnOrderCanceled(o *Order)
}

// Engine simulates order execution for one strategy against historical bars.
// It is single-threaded: all methods must be called from one goroutine.
type Engine struct {
	cfg    Config
	ledger *Ledger
	bars   BarProvider
	fees   FeeModel
	logger *zap.Logger
	events *EventLog

	onFill   FillListener
	onCancel CancelListener

	orders  []*Order
	byID    map[string]OrderHandle
	groups  []*bracketGroup
	groupOf map[OrderHandle]*bracketGroup

	lastPrice map[string]decimal.Decimal
	now       time.Time
}

func New(cfg Config, bars BarProvider) *Engine {
	if cfg.StrategyID == "" {
		cfg.StrategyID = "default"
	}
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = "USD"
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = TF1m
	}
	if cfg.Fees == nil {
		cfg.Fees = NoFees
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		ledger:    NewLedger(cfg.StrategyID, cfg.BaseCurrency, cfg.InitialCash),
		bars:      bars,
		fees:      cfg.Fees,
		logger:    cfg.Logger.With(zap.String("strategy_id", cfg.StrategyID)),
		events:    &EventLog{},
		byID:      make(map[string]OrderHandle),
		groupOf:   make(map[OrderHandle]*bracketGroup),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

// SetListener registers l for fill and cancel callbacks. l may implement
// either or both of FillListener and CancelListener.
func (e *Engine) SetListener(l any) {
	if f, ok := l.(FillListener); ok {
		e.onFill = f
	}
	if c, ok := l.(CancelListener); ok {
		e.onCancel = c
	}
}

func (e *Engine) StrategyID() string    { return e.cfg.StrategyID }
func (e *Engine) Now() time.Time        { return e.now }
func (e *Engine) Ledger() *Ledger       { return e.ledger }
func (e *Engine) Cash() decimal.Decimal { return e.ledger.Cash() }
func (e *Engine) Events() *EventLog     { return e.events }

func (e *Engine) Position(asset Asset) *Position { return e.ledger.Position(asset) }
func (e *Engine) Positions() []*Position         { return e.ledger.Positions() }

// Order returns the order with the given id, or nil.
func (e *Engine) Order(id string) *Order {
	if h, ok := e.byID[id]; ok {
		return e.orders[h]
	}
	return nil
}

// Orders returns orders in submission order, filtered by status when any
// statuses are given.
func (e *Engine) Orders(statuses ...OrderStatus) []*Order {
	out := make([]*Order, 0, len(e.orders))
	for _, o := range e.orders {
		if len(statuses) == 0 {
			out = append(out, o)
			continue
		}
		for _, s := range statuses {
			if o.Status == s {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// LastPrice is the most recent close seen for asset.
func (e *Engine) LastPrice(asset Asset) (decimal.Decimal, bool) {
	p, ok := e.lastPrice[asset.Key()]
	return p, ok
}

// PortfolioValue is cash plus open positions marked at their last price.
// Quote-asset balances and positions never priced are not included.
func (e *Engine) PortfolioValue() decimal.Decimal {
	total := e.ledger.Cash()
	for _, p := range e.ledger.Positions() {
		price, ok := e.lastPrice[p.Asset.Key()]
		if !ok {
			continue
		}
		total = total.Add(p.Quantity.Mul(price).Mul(p.Asset.ContractMultiplier()))
	}
	return total
}

func (e *Engine) add(o *Order) OrderHandle {
	h := OrderHandle(len(e.orders))
	o.handle = h
	e.orders = append(e.orders, o)
	e.byID[o.ID] = h
	return h
}

func (e *Engine) at(h OrderHandle) (*Order, bool) {
	if h < 0 || int(h) >= len(e.orders) {
		return nil, false
	}
	return e.orders[h], true
}

func (e *Engine) record(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = e.now
	}
	if ev.StrategyID == "" {
		ev.StrategyID = e.cfg.StrategyID
	}
	e.events.Append(ev)
}

// SubmitOrder validates o and adds it to the pending set. It returns false
// when o is rejected; a rejected order is kept with status ERROR and the
// reason in o.Err. Resubmitting a known order is a no-op.
func (e *Engine) SubmitOrder(ctx context.Context, o *Order) bool {
	if o == nil {
		return false
	}
	if o.ID == "" {
		// Not added to the arena: lookups are keyed by id.
		o.Status = StatusError
		o.Err = fmt.Errorf("%w: missing order id", ErrUnsupportedOrder)
		e.record(Event{Type: EventOrderReject, Symbol: o.Asset.Symbol, Side: o.Side,
			Quantity: o.Quantity, Details: map[string]string{"error": o.Err.Error()}})
		e.logger.Warn("Order rejected", zap.String("symbol", o.Asset.Symbol), zap.Error(o.Err))
		return false
	}
	if _, dup := e.byID[o.ID]; dup || (o.Status != "" && o.Status != StatusUnprocessed) {
		e.logger.Warn("Order resubmitted", zap.String("order_id", o.ID), zap.Error(ErrDuplicateOrder))
		return false
	}
	if o.StrategyID == "" {
		o.StrategyID = e.cfg.StrategyID
	}
	if o.Class == "" {
		o.Class = ClassSimple
	}
	o.parent = NoHandle
	o.children = nil
	e.add(o)

	err := o.validate()
	if err == nil {
		_, err = e.lastKnownPrice(ctx, o.Asset)
	}
	if err != nil {
		o.Status = StatusError
		o.Err = err
		e.record(Event{Type: EventOrderReject, OrderID: o.ID, Symbol: o.Asset.Symbol, Side: o.Side,
			Quantity: o.Quantity, Details: map[string]string{"error": err.Error()}})
		e.logger.Warn("Order rejected", zap.String("order_id", o.ID), zap.String("symbol", o.Asset.Symbol), zap.Error(err))
		return false
	}

	o.Status = StatusSubmitted
	o.SubmittedAt = e.now
	o.reserved = e.ledger.reserve(o)
	if o.Class == ClassBracket {
		e.registerBracket(o.handle)
	}
	e.record(Event{Type: EventOrderSubmit, OrderID: o.ID, Symbol: o.Asset.Symbol, Side: o.Side,
		Quantity: o.Quantity, Details: map[string]string{"type": string(o.Type()), "class": string(o.Class)}})
	e.logger.Info("Order submitted",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Asset.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("type", string(o.Type())),
		zap.String("quantity", o.Quantity.String()),
	)
	return true
}

// CancelOrder cancels a working order. It returns false when the id is
// unknown or the order is already terminal.
func (e *Engine) CancelOrder(id string) bool {
	o := e.Order(id)
	if o == nil || o.Status.Terminal() {
		return false
	}
	e.cancel(o, "requested")
	e.settleGroupAfterCancel(o)
	return true
}

func (e *Engine) cancel(o *Order, reason string) {
	o.Status = StatusCanceled
	if !o.reserved.IsZero() {
		e.ledger.release(o.Asset, o.reserved)
		o.reserved = decimal.Zero
	}
	e.record(Event{Type: EventOrderCancel, OrderID: o.ID, Symbol: o.Asset.Symbol, Side: o.Side,
		Details: map[string]string{"reason": reason}})
	e.logger.Info("Order canceled", zap.String("order_id", o.ID), zap.String("reason", reason))
	if e.onCancel != nil {
		e.onCancel.OnOrderCanceled(o)
	}
}

// ClosePosition submits a MARKET order unwinding fraction of the current
// position in asset. Working bracket exits on the asset are canceled first.
// It returns nil when there is nothing to close or the order is rejected.
func (e *Engine) ClosePosition(ctx context.Context, asset Asset, fraction decimal.Decimal) *Order {
	if !fraction.IsPositive() || fraction.GreaterThan(one) {
		return nil
	}
	pos := e.ledger.Position(asset)
	if pos == nil || pos.IsFlat() {
		return nil
	}
	e.flattenBrackets(asset)

	qty := pos.Quantity.Abs().Mul(fraction)
	if !pos.Asset.fractional() {
		qty = qty.Floor()
	}
	if !qty.IsPositive() {
		return nil
	}
	side := SideSell
	switch {
	case pos.IsLong() && pos.Asset.Class == AssetOption:
		side = SideSellToClose
	case pos.IsShort() && pos.Asset.Class == AssetOption:
		side = SideBuyToClose
	case pos.IsShort() && pos.Asset.Class == AssetStock:
		side = SideBuyToCover
	case pos.IsShort():
		side = SideBuy
	}
	o := NewOrder(e.cfg.StrategyID, pos.Asset, side, qty, Market{})
	o.Quote = pos.Quote
	o.Tag = "close_position"
	if !e.SubmitOrder(ctx, o) {
		return nil
	}
	return o
}

// lastKnownPrice returns the close of asset at the current step, falling back
// to the last cached close when the provider has no bar there.
func (e *Engine) lastKnownPrice(ctx context.Context, asset Asset) (decimal.Decimal, error) {
	key := asset.Key()
	bar, err := e.bars.GetBar(ctx, asset, e.now, e.cfg.Timeframe)
	if err == nil && bar != nil {
		e.lastPrice[key] = bar.Close
		return bar.Close, nil
	}
	if p, ok := e.lastPrice[key]; ok {
		return p, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrNoMarketData, asset, err)
	}
	return decimal.Zero, fmt.Errorf("%w: %s at %s", ErrNoMarketData, asset, e.now.Format(time.RFC3339))
}

// barSnapshot fetches each asset's bar at most once per step.
type barSnapshot struct {
	e    *Engine
	ts   time.Time
	bars map[string]*Bar
}

func (s *barSnapshot) get(ctx context.Context, asset Asset) (*Bar, error) {
	key := asset.Key()
	if b, ok := s.bars[key]; ok {
		return b, nil
	}
	b, err := s.e.bars.GetBar(ctx, asset, s.ts, s.e.cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("get bar %s at %s: %w", asset, s.ts.Format(time.RFC3339), err)
	}
	switch {
	case b != nil:
		s.e.lastPrice[key] = b.Close
	default:
		if last, ok := s.e.lastPrice[key]; ok {
			fb := flatBar(s.ts, last)
			b = &fb
			s.e.logger.Debug("No bar, using last known price",
				zap.String("symbol", asset.Symbol),
				zap.Time("ts", s.ts),
				zap.String("price", last.String()),
			)
		}
	}
	s.bars[key] = b
	return b, nil
}

// ProcessBar advances simulated time to ts and evaluates every working order
// against that step's bars. Simple orders and bracket entries go first in
// submission order; exits of brackets whose entry filled on an earlier bar
// follow. An error means a bar could not be loaded or a bracket was found
// inconsistent; the step is abandoned at that point.
func (e *Engine) ProcessBar(ctx context.Context, ts time.Time) error {
	if ts.Before(e.now) {
		return fmt.Errorf("process bar: %s is before current time %s", ts.Format(time.RFC3339), e.now.Format(time.RFC3339))
	}
	e.now = ts
	snap := &barSnapshot{e: e, ts: ts, bars: make(map[string]*Bar)}

	// Marks follow every held or working asset, not only those with an
	// order evaluated this step.
	for _, p := range e.ledger.Positions() {
		if _, err := snap.get(ctx, p.Asset); err != nil {
			return err
		}
	}
	for _, o := range e.orders {
		if !o.IsActive() {
			continue
		}
		if _, err := snap.get(ctx, o.Asset); err != nil {
			return err
		}
	}

	n := len(e.orders)
	for h := 0; h < n; h++ {
		o := e.orders[h]
		if !o.IsActive() || o.IsChild() || !o.SubmittedAt.Before(ts) {
			continue
		}
		bar, err := snap.get(ctx, o.Asset)
		if err != nil {
			return err
		}
		if bar == nil {
			continue
		}
		if _, err := e.evaluate(o, *bar); err != nil {
			return err
		}
	}

	groups := len(e.groups)
	for i := 0; i < groups; i++ {
		g := e.groups[i]
		if g.state != BracketEntryFilled || !ts.After(g.activatedAt) {
			continue
		}
		bar, err := snap.get(ctx, e.orders[g.parent].Asset)
		if err != nil {
			return err
		}
		if bar == nil {
			continue
		}
		if err := e.processExits(g, *bar); err != nil {
			e.logger.Error("Bracket processing aborted", zap.Time("ts", ts), zap.Error(err))
			return err
		}
	}
	return nil
}

// evaluate runs the fill rules for one order and commits a fill.
func (e *Engine) evaluate(o *Order, bar Bar) (bool, error) {
	d, st := Evaluate(o.Side, o.Spec, bar, o.state)
	o.state = st
	switch d.Kind {
	case Triggered:
		e.record(Event{Type: EventOrderTrigger, OrderID: o.ID, Symbol: o.Asset.Symbol, Side: o.Side})
		return false, nil
	case Fill:
		return e.fill(o, d.Price)
	}
	return false, nil
}

// fill commits the remaining quantity of o at price. Terminal orders are left
// untouched, so evaluating a filled order twice has no effect. A fill the
// ledger cannot cover is skipped and retried on the next bar.
func (e *Engine) fill(o *Order, price decimal.Decimal) (bool, error) {
	if o.Status.Terminal() {
		return false, nil
	}
	qty := o.Quantity.Sub(o.FilledQuantity())
	if !qty.IsPositive() {
		return false, nil
	}
	mult := o.Asset.ContractMultiplier()
	fee := e.fees.Compute(o.Side, price, qty, mult)
	if o.costSet {
		fee = decimal.Zero
	}

	pos, err := e.ledger.commit(o, price, qty, fee)
	if errors.Is(err, ErrInsufficientBalance) {
		e.record(Event{Type: EventFillRetry, OrderID: o.ID, Symbol: o.Asset.Symbol, Side: o.Side,
			Price: price, Quantity: qty, Details: map[string]string{"error": err.Error()}})
		e.logger.Warn("Fill deferred", zap.String("order_id", o.ID), zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	o.Transactions = append(o.Transactions, Transaction{Price: price, Quantity: qty, At: e.now})
	o.Status = StatusFilled
	if !o.costSet {
		o.TradeCost = fee
		o.costSet = true
	}
	e.record(Event{Type: EventOrderFill, OrderID: o.ID, Symbol: o.Asset.Symbol, Side: o.Side,
		Price: price, Quantity: qty, Fee: fee})
	e.logger.Info("Order filled",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Asset.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()),
		zap.String("fee", fee.String()),
	)

	if e.onFill != nil {
		e.onFill.OnOrderFilled(o, pos, price, qty, mult)
	}
	if o.Class == ClassBracket {
		e.activateBracket(o)
	}
	return true, nil
}

// Run processes each timestamp in order and hands control to s after each
// one. s is registered as a listener when it implements FillListener or
// CancelListener.
func (e *Engine) Run(ctx context.Context, timestamps []time.Time, s Strategy) error {
	if s != nil {
		e.SetListener(s)
	}
	for _, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.ProcessBar(ctx, ts); err != nil {
			return err
		}
		if s == nil {
			continue
		}
		if err := s.OnBar(ctx, e, ts); err != nil {
			return fmt.Errorf("strategy at %s: %w", ts.Format(time.RFC3339), err)
		}
	}
	return nil
}
