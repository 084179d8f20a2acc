package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type BracketState string

const (
	BracketPendingEntry   BracketState = "PENDING_ENTRY"
	BracketEntryFilled    BracketState = "ENTRY_FILLED"
	BracketProfitFilled   BracketState = "CHILD_A_FILLED"
	BracketStopFilled     BracketState = "CHILD_B_FILLED"
	BracketClosed         BracketState = "CLOSED"
	BracketForceFlattened BracketState = "FORCE_FLATTENED"
)

// bracketGroup links a bracket entry to its exit children by arena handle.
type bracketGroup struct {
	parent      OrderHandle
	profit      OrderHandle
	stop        OrderHandle
	state       BracketState
	history     []BracketState
	activatedAt time.Time
}

func (g *bracketGroup) transition(s BracketState) {
	g.state = s
	g.history = append(g.history, s)
}

// BracketView is a read-only snapshot of a bracket group.
type BracketView struct {
	ParentID string
	ProfitID string
	StopID   string
	State    BracketState
	History  []BracketState
}

func (e *Engine) registerBracket(h OrderHandle) {
	g := &bracketGroup{parent: h, profit: NoHandle, stop: NoHandle}
	g.transition(BracketPendingEntry)
	e.groups = append(e.groups, g)
	e.groupOf[h] = g
}

// activateBracket creates the exit children once the entry has filled. They
// become eligible on the next bar.
func (e *Engine) activateBracket(parent *Order) {
	g := e.groupOf[parent.handle]
	if g == nil || g.state != BracketPendingEntry {
		return
	}
	legs := parent.Legs
	qty := parent.FilledQuantity()
	exit := parent.Side.exitSide()

	if legs.TakeProfit != nil {
		g.profit = e.addChild(parent, exit, qty, Limit{Price: *legs.TakeProfit}, "take_profit")
	}
	switch {
	case legs.Trail != nil:
		g.stop = e.addChild(parent, exit, qty, Trail{Offset: *legs.Trail}, "trailing_stop")
	case legs.StopLoss != nil && legs.StopLossLimit != nil:
		g.stop = e.addChild(parent, exit, qty, StopLimit{Stop: *legs.StopLoss, Limit: *legs.StopLossLimit}, "stop_loss")
	case legs.StopLoss != nil:
		g.stop = e.addChild(parent, exit, qty, Stop{Price: *legs.StopLoss}, "stop_loss")
	}
	g.activatedAt = e.now
	g.transition(BracketEntryFilled)
	e.record(Event{Type: EventBracketActivate, OrderID: parent.ID})
}

func (e *Engine) addChild(parent *Order, side Side, qty decimal.Decimal, spec Spec, tag string) OrderHandle {
	child := NewOrder(parent.StrategyID, parent.Asset, side, qty, spec)
	child.Quote = parent.Quote
	child.Tag = tag
	child.Status = StatusSubmitted
	child.SubmittedAt = e.now
	h := e.add(child)
	child.parent = parent.handle
	parent.children = append(parent.children, h)
	return h
}

// liveChildren returns the group's exits that are still working, after
// checking that every link in the group is consistent.
func (e *Engine) liveChildren(g *bracketGroup) ([]*Order, error) {
	parent, ok := e.at(g.parent)
	if !ok {
		return nil, fmt.Errorf("%w: bracket parent handle %d out of range", ErrBracketIntegrity, g.parent)
	}
	if parent.Status != StatusFilled {
		return nil, fmt.Errorf("%w: bracket %s has live exits but parent is %s", ErrBracketIntegrity, parent.ID, parent.Status)
	}
	var live []*Order
	for _, h := range []OrderHandle{g.profit, g.stop} {
		if h == NoHandle {
			continue
		}
		child, ok := e.at(h)
		if !ok || child.parent != g.parent {
			return nil, fmt.Errorf("%w: exit %d of bracket %s is not linked to it", ErrBracketIntegrity, h, parent.ID)
		}
		if child.IsActive() {
			live = append(live, child)
		}
	}
	return live, nil
}

// processExits evaluates a group's exits against bar. At most one exit
// fills; its sibling is canceled in the same step.
func (e *Engine) processExits(g *bracketGroup, bar Bar) error {
	live, err := e.liveChildren(g)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		g.transition(BracketClosed)
		return nil
	}

	var filling []*Order
	prices := make(map[OrderHandle]decimal.Decimal, len(live))
	for _, child := range live {
		d, st := Evaluate(child.Side, child.Spec, bar, child.state)
		switch d.Kind {
		case Fill:
			filling = append(filling, child)
			prices[child.handle] = d.Price
			child.state = st
		case Triggered:
			child.state = st
			e.record(Event{Type: EventOrderTrigger, OrderID: child.ID, Symbol: child.Asset.Symbol, Side: child.Side})
		default:
			child.state = st
		}
	}
	if len(filling) == 0 {
		return nil
	}

	winner := filling[0]
	if len(filling) > 1 {
		winner = e.firstTouched(g, bar)
	}
	filled, err := e.fill(winner, prices[winner.handle])
	if err != nil || !filled {
		// A deferred winner leaves the group ENTRY_FILLED with both exits
		// working; the retry is recorded on the order and the pair is
		// evaluated again on the next bar.
		return err
	}

	if winner.handle == g.profit {
		g.transition(BracketProfitFilled)
	} else {
		g.transition(BracketStopFilled)
	}
	for _, child := range live {
		if child != winner && child.IsActive() {
			e.cancel(child, "oco")
		}
	}
	g.transition(BracketClosed)
	return nil
}

// firstTouched picks the exit reached first on the synthetic intrabar path
// when both would fill on the same bar.
func (e *Engine) firstTouched(g *bracketGroup, bar Bar) *Order {
	parent := e.orders[g.parent]
	profit, stop := e.orders[g.profit], e.orders[g.stop]
	tp, _ := triggerLevel(profit)
	sl, _ := triggerLevel(stop)

	var res FirstTouchResult
	if parent.Side.IsBuy() {
		res = ResolveFirstTouchLong(bar, tp, sl)
	} else {
		res = ResolveFirstTouchShort(bar, tp, sl)
	}
	e.logger.Debug("both bracket exits touched",
		zap.String("parent_id", parent.ID),
		zap.String("tp", tp.String()),
		zap.String("sl", sl.String()),
		zap.Int("first_touch", int(res)),
	)
	if res == TouchTP {
		return profit
	}
	return stop
}

// settleGroupAfterCancel closes a group whose entry or last exit was canceled.
func (e *Engine) settleGroupAfterCancel(o *Order) {
	h := o.handle
	if o.IsChild() {
		h = o.parent
	}
	g := e.groupOf[h]
	if g == nil {
		return
	}
	switch g.state {
	case BracketPendingEntry:
		if !o.IsChild() {
			g.transition(BracketClosed)
		}
	case BracketEntryFilled:
		if live, err := e.liveChildren(g); err == nil && len(live) == 0 {
			g.transition(BracketClosed)
		}
	}
}

// flattenBrackets cancels the working exits of every filled bracket on asset.
func (e *Engine) flattenBrackets(asset Asset) {
	key := asset.Key()
	for _, g := range e.groups {
		if g.state != BracketEntryFilled || e.orders[g.parent].Asset.Key() != key {
			continue
		}
		for _, h := range []OrderHandle{g.profit, g.stop} {
			if h != NoHandle && e.orders[h].IsActive() {
				e.cancel(e.orders[h], "close_position")
			}
		}
		g.transition(BracketForceFlattened)
		e.record(Event{Type: EventBracketFlatten, OrderID: e.orders[g.parent].ID, Symbol: asset.Symbol})
	}
}

// Brackets returns snapshots of all bracket groups in submission order.
func (e *Engine) Brackets() []BracketView {
	out := make([]BracketView, 0, len(e.groups))
	for _, g := range e.groups {
		v := BracketView{
			ParentID: e.orders[g.parent].ID,
			State:    g.state,
			History:  append([]BracketState(nil), g.history...),
		}
		if g.profit != NoHandle {
			v.ProfitID = e.orders[g.profit].ID
		}
		if g.stop != NoHandle {
			v.StopID = e.orders[g.stop].ID
		}
		out = append(out, v)
	}
	return out
}
