package engine

import (
	"errors"
	"reflect"
	"testing"
)

func bracketEntry(asset Asset, qty string, legs BracketLegs) *Order {
	o := NewOrder("", asset, SideBuy, D(qty), Market{}).WithBracket(legs)
	o.Tag = "entry"
	return o
}

func children(e *Engine, v BracketView) (profit, stop *Order) {
	return e.Order(v.ProfitID), e.Order(v.StopID)
}

func TestBracketStopLossExit(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "94", "100"),
		bar(2, "96", "96", "94", "95"),
	)
	entry := h.submit(bracketEntry(aapl, "10", BracketLegs{TakeProfit: ptr(D("110")), StopLoss: ptr(D("95"))}))

	// The entry bar also trades through the stop, but exits only become
	// eligible on the following bar.
	h.step(1)
	wantStatus(t, entry, StatusFilled)
	views := h.e.Brackets()
	if len(views) != 1 || views[0].State != BracketEntryFilled {
		t.Fatalf("brackets = %+v", views)
	}
	tp, sl := children(h.e, views[0])
	wantStatus(t, tp, StatusSubmitted)
	wantStatus(t, sl, StatusSubmitted)
	if tp.Side != SideSell || !tp.Quantity.Equal(D("10")) {
		t.Fatalf("take profit = %s", tp)
	}

	h.step(2)
	wantStatus(t, sl, StatusFilled)
	wantStatus(t, tp, StatusCanceled)
	wantDec(t, "stop fill", sl.AvgFillPrice(), "95")
	wantDec(t, "cash", h.e.Cash(), "99950")
	if h.e.Position(aapl) != nil {
		t.Fatal("position not closed")
	}

	got := h.e.Brackets()[0].History
	want := []BracketState{BracketPendingEntry, BracketEntryFilled, BracketStopFilled, BracketClosed}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	wantSeq := []string{"fill:entry@100", "fill:stop_loss@95", "cancel:take_profit"}
	if !reflect.DeepEqual(h.rec.seq, wantSeq) {
		t.Fatalf("callbacks = %v, want %v", h.rec.seq, wantSeq)
	}
}

func TestBracketTakeProfitExit(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "99", "100"),
		bar(2, "104", "111", "103", "110"),
		bar(3, "90", "91", "80", "85"),
	)
	h.submit(bracketEntry(aapl, "10", BracketLegs{TakeProfit: ptr(D("110")), StopLoss: ptr(D("95"))}))
	h.step(1)
	h.step(2)
	h.step(3)

	tp, sl := children(h.e, h.e.Brackets()[0])
	wantStatus(t, tp, StatusFilled)
	wantStatus(t, sl, StatusCanceled)
	wantDec(t, "take profit fill", tp.AvgFillPrice(), "110")
	wantDec(t, "cash", h.e.Cash(), "100100")
	if s := h.e.Brackets()[0].State; s != BracketClosed {
		t.Fatalf("state = %s", s)
	}
}

func TestBracketBothTouchedResolvesFirstTouch(t *testing.T) {
	cases := []struct {
		name   string
		exit   Bar
		winner string
		price  string
	}{
		{"low nearer open", bar(2, "98", "106", "94", "100"), "stop", "95"},
		{"high nearer open", bar(2, "103", "106", "94", "100"), "profit", "105"},
		{"equidistant favors profit", bar(2, "100", "106", "94", "100"), "profit", "105"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			aapl := Stock("AAPL")
			h := newHarness(t, Config{}, aapl,
				bar(0, "100", "100", "100", "100"),
				bar(1, "100", "101", "99", "100"),
				tc.exit,
			)
			h.submit(bracketEntry(aapl, "1", BracketLegs{TakeProfit: ptr(D("105")), StopLoss: ptr(D("95"))}))
			h.step(1)
			h.step(2)

			tp, sl := children(h.e, h.e.Brackets()[0])
			filled, canceled := tp, sl
			if tc.winner == "stop" {
				filled, canceled = sl, tp
			}
			wantStatus(t, filled, StatusFilled)
			wantStatus(t, canceled, StatusCanceled)
			wantDec(t, "exit price", filled.AvgFillPrice(), tc.price)
			if n := len(h.e.Events().Fills()); n != 2 {
				t.Fatalf("fills = %d, want 2", n)
			}
		})
	}
}

func TestBracketShortEntry(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "99", "100"),
		bar(2, "101", "106", "100", "105"),
	)
	entry := NewOrder("", aapl, SideSellShort, D("5"), Market{}).
		WithBracket(BracketLegs{TakeProfit: ptr(D("90")), StopLoss: ptr(D("105"))})
	h.submit(entry)
	h.step(1)
	wantDec(t, "short", h.e.Position(aapl).Quantity, "-5")
	h.step(2)

	tp, sl := children(h.e, h.e.Brackets()[0])
	if sl.Side != SideBuyToCover {
		t.Fatalf("stop side = %s", sl.Side)
	}
	wantStatus(t, sl, StatusFilled)
	wantStatus(t, tp, StatusCanceled)
	wantDec(t, "stop fill", sl.AvgFillPrice(), "105")
	wantDec(t, "cash", h.e.Cash(), "99975")
}

func TestBracketTrailingExit(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "99", "100"),
		bar(2, "100", "104", "99", "104"),
		bar(3, "104", "104", "100", "101"),
	)
	h.submit(bracketEntry(aapl, "1", BracketLegs{Trail: &TrailOffset{Amount: D("2")}}))
	h.step(1)
	v := h.e.Brackets()[0]
	if v.ProfitID != "" {
		t.Fatal("profit leg created without a take-profit price")
	}
	h.step(2) // seeds the reference at 104
	h.step(3)
	_, trail := children(h.e, v)
	wantStatus(t, trail, StatusFilled)
	wantDec(t, "trail fill", trail.AvgFillPrice(), "102")
}

func TestBracketStopLimitExit(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "99", "100"),
		bar(2, "93", "93.5", "92", "93"),
		bar(3, "93", "94.5", "92", "94"),
	)
	h.submit(bracketEntry(aapl, "1", BracketLegs{
		TakeProfit: ptr(D("110")), StopLoss: ptr(D("95")), StopLossLimit: ptr(D("94")),
	}))
	h.step(1)
	h.step(2)
	tp, sl := children(h.e, h.e.Brackets()[0])
	wantStatus(t, sl, StatusSubmitted)
	wantStatus(t, tp, StatusSubmitted)

	h.step(3)
	wantStatus(t, sl, StatusFilled)
	wantStatus(t, tp, StatusCanceled)
	wantDec(t, "stop limit fill", sl.AvgFillPrice(), "94")
}

func TestCancelPendingBracketEntry(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "99", "100"),
	)
	entry := NewOrder("", aapl, SideBuy, D("1"), Limit{Price: D("90")}).
		WithBracket(BracketLegs{TakeProfit: ptr(D("110"))})
	h.submit(entry)
	h.e.CancelOrder(entry.ID)
	h.step(1)
	v := h.e.Brackets()[0]
	if v.State != BracketClosed || v.ProfitID != "" {
		t.Fatalf("bracket = %+v", v)
	}
}

func TestCancelBothExitsClosesBracket(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "99", "100"),
	)
	h.submit(bracketEntry(aapl, "1", BracketLegs{TakeProfit: ptr(D("110")), StopLoss: ptr(D("90"))}))
	h.step(1)
	v := h.e.Brackets()[0]
	h.e.CancelOrder(v.ProfitID)
	if s := h.e.Brackets()[0].State; s != BracketEntryFilled {
		t.Fatalf("state after first cancel = %s", s)
	}
	h.e.CancelOrder(v.StopID)
	if s := h.e.Brackets()[0].State; s != BracketClosed {
		t.Fatalf("state after second cancel = %s", s)
	}
}

func TestClosePositionFlattensBracket(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "99", "100"),
		bar(2, "102", "111", "90", "102"),
	)
	h.submit(bracketEntry(aapl, "10", BracketLegs{TakeProfit: ptr(D("110")), StopLoss: ptr(D("95"))}))
	h.step(1)

	closer := h.e.ClosePosition(h.ctx, aapl, D("1"))
	if closer == nil {
		t.Fatal("no close order")
	}
	v := h.e.Brackets()[0]
	if v.State != BracketForceFlattened {
		t.Fatalf("state = %s", v.State)
	}
	tp, sl := children(h.e, v)
	wantStatus(t, tp, StatusCanceled)
	wantStatus(t, sl, StatusCanceled)

	h.step(2)
	wantStatus(t, closer, StatusFilled)
	wantDec(t, "cash", h.e.Cash(), "100020")
	if h.e.Position(aapl) != nil {
		t.Fatal("position not closed")
	}
}

func TestBracketIntegrityAbortsBar(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "99", "100"),
		bar(2, "100", "111", "80", "100"),
	)
	entry := h.submit(bracketEntry(aapl, "1", BracketLegs{TakeProfit: ptr(D("110")), StopLoss: ptr(D("95"))}))
	h.step(1)
	cash := h.e.Cash()

	entry.Status = StatusCanceled
	err := h.e.ProcessBar(h.ctx, at(2))
	if !errors.Is(err, ErrBracketIntegrity) {
		t.Fatalf("err = %v, want ErrBracketIntegrity", err)
	}
	wantDec(t, "cash", h.e.Cash(), cash.String())
	tp, sl := children(h.e, h.e.Brackets()[0])
	wantStatus(t, tp, StatusSubmitted)
	wantStatus(t, sl, StatusSubmitted)
}

func TestOCOAtMostOneExitFills(t *testing.T) {
	aapl := Stock("AAPL")
	h := newHarness(t, Config{}, aapl, bar(0, "100", "100", "100", "100"))
	bars := []Bar{
		bar(1, "100", "100", "100", "100"),
		bar(2, "100", "120", "80", "100"),
		bar(3, "100", "120", "80", "100"),
		bar(4, "100", "120", "80", "100"),
	}
	h.src.Add(aapl, bars...)
	for i := 0; i < 3; i++ {
		h.submit(bracketEntry(aapl, "1", BracketLegs{TakeProfit: ptr(D("105")), StopLoss: ptr(D("95"))}))
	}
	for i := range bars {
		h.step(i + 1)
	}
	for _, v := range h.e.Brackets() {
		tp, sl := children(h.e, v)
		filled := 0
		for _, c := range []*Order{tp, sl} {
			if c.Status == StatusFilled {
				filled++
			}
		}
		if filled != 1 {
			t.Fatalf("bracket %s: %d exits filled", v.ParentID, filled)
		}
	}
}

func TestDeferredExitKeepsBracketOpen(t *testing.T) {
	btc := Crypto("BTC")
	h := newHarness(t, Config{}, btc,
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "100", "100", "100"),
		bar(2, "100", "120", "80", "100"),
		bar(3, "100", "120", "80", "100"),
	)
	h.submit(bracketEntry(btc, "1", BracketLegs{TakeProfit: ptr(D("105")), StopLoss: ptr(D("95"))}))
	h.step(1)
	resting := h.submit(NewOrder("", btc, SideSell, D("1"), Limit{Price: D("200")}))

	// Both exits touch but the holding is held by the resting sell.
	h.step(2)
	v := h.e.Brackets()[0]
	if v.State != BracketEntryFilled {
		t.Fatalf("state = %s, want %s", v.State, BracketEntryFilled)
	}
	tp, sl := children(h.e, v)
	wantStatus(t, tp, StatusSubmitted)
	wantStatus(t, sl, StatusSubmitted)
	var retries int
	for _, ev := range h.e.Events().Events {
		if ev.Type == EventFillRetry && (ev.OrderID == tp.ID || ev.OrderID == sl.ID) {
			retries++
		}
	}
	if retries != 1 {
		t.Fatalf("retry events = %d, want 1", retries)
	}

	h.e.CancelOrder(resting.ID)
	h.step(3)
	v = h.e.Brackets()[0]
	if v.State != BracketClosed {
		t.Fatalf("state = %s, want %s", v.State, BracketClosed)
	}
	if (tp.Status == StatusFilled) == (sl.Status == StatusFilled) {
		t.Fatalf("exits = %s/%s, want exactly one filled", tp.Status, sl.Status)
	}
	if h.e.Position(btc) != nil {
		t.Fatal("position not removed")
	}
}
