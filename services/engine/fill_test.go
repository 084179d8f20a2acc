package engine

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

func at(i int) time.Time { return t0.Add(time.Duration(i) * time.Minute) }

func bar(i int, o, h, l, c string) Bar {
	return Bar{Timestamp: at(i), Open: D(o), High: D(h), Low: D(l), Close: D(c), Volume: D("1000")}
}

func TestEvaluateSimpleTypes(t *testing.T) {
	cases := []struct {
		name  string
		side  Side
		spec  Spec
		bar   Bar
		kind  DecisionKind
		price string
	}{
		{"market buy at open", SideBuy, Market{}, bar(1, "100", "101", "99", "101"), Fill, "100"},
		{"market sell at open", SideSell, Market{}, bar(1, "100", "101", "99", "101"), Fill, "100"},
		{"limit buy touched", SideBuy, Limit{Price: D("99.5")}, bar(1, "100", "101", "99", "100"), Fill, "99.5"},
		{"limit buy favorable gap", SideBuy, Limit{Price: D("99.5")}, bar(1, "95", "100", "94.5", "99"), Fill, "95"},
		{"limit buy untouched", SideBuy, Limit{Price: D("98")}, bar(1, "100", "101", "99", "100"), NoFill, "0"},
		{"limit sell touched", SideSell, Limit{Price: D("101")}, bar(1, "100", "102", "99", "100"), Fill, "101"},
		{"limit sell favorable gap", SideSell, Limit{Price: D("101")}, bar(1, "103", "104", "100", "100"), Fill, "103"},
		{"limit sell untouched", SideSell, Limit{Price: D("105")}, bar(1, "100", "102", "99", "100"), NoFill, "0"},
		{"stop buy touched", SideBuy, Stop{Price: D("104")}, bar(1, "100", "105", "99", "104"), Fill, "104"},
		{"stop buy adverse gap", SideBuy, Stop{Price: D("104")}, bar(1, "106", "107", "105", "106"), Fill, "106"},
		{"stop buy untouched", SideBuy, Stop{Price: D("104")}, bar(1, "100", "103", "99", "100"), NoFill, "0"},
		{"stop sell touched", SideSell, Stop{Price: D("95")}, bar(1, "96", "96", "94", "95"), Fill, "95"},
		{"stop sell adverse gap", SideSell, Stop{Price: D("95")}, bar(1, "93", "94", "92", "93"), Fill, "93"},
		{"stop sell untouched", SideSell, Stop{Price: D("95")}, bar(1, "96", "97", "95.5", "96"), NoFill, "0"},
		{"buy to cover stop", SideBuyToCover, Stop{Price: D("104")}, bar(1, "100", "105", "99", "104"), Fill, "104"},
		{"sell short limit", SideSellShort, Limit{Price: D("101")}, bar(1, "100", "102", "99", "100"), Fill, "101"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := Evaluate(tc.side, tc.spec, tc.bar, EvalState{})
			if d.Kind != tc.kind {
				t.Fatalf("kind = %s, want %s", d.Kind, tc.kind)
			}
			if tc.kind == Fill && !d.Price.Equal(D(tc.price)) {
				t.Fatalf("price = %s, want %s", d.Price, tc.price)
			}
		})
	}
}

func TestEvaluateStopLimit(t *testing.T) {
	t.Run("trigger and fill on same bar", func(t *testing.T) {
		spec := StopLimit{Stop: D("104"), Limit: D("105")}
		d, st := Evaluate(SideBuy, spec, bar(1, "103", "106", "102", "105"), EvalState{})
		if d.Kind != Fill || !d.Price.Equal(D("104")) {
			t.Fatalf("got %s @ %s, want FILL @ 104", d.Kind, d.Price)
		}
		if !st.Triggered {
			t.Fatal("state not marked triggered")
		}
	})

	t.Run("trigger then rest as limit", func(t *testing.T) {
		spec := StopLimit{Stop: D("104"), Limit: D("103")}
		d, st := Evaluate(SideBuy, spec, bar(1, "103.5", "106", "103.5", "105"), EvalState{})
		if d.Kind != Triggered {
			t.Fatalf("kind = %s, want TRIGGERED", d.Kind)
		}
		d, _ = Evaluate(SideBuy, spec, bar(2, "103", "103.5", "102", "103"), st)
		if d.Kind != Fill || !d.Price.Equal(D("103")) {
			t.Fatalf("got %s @ %s, want FILL @ 103", d.Kind, d.Price)
		}
	})

	t.Run("no trigger", func(t *testing.T) {
		spec := StopLimit{Stop: D("104"), Limit: D("105")}
		d, st := Evaluate(SideBuy, spec, bar(1, "100", "103", "99", "101"), EvalState{})
		if d.Kind != NoFill || st.Triggered {
			t.Fatalf("got %s triggered=%v, want NO_FILL untriggered", d.Kind, st.Triggered)
		}
	})

	t.Run("sell side gap through limit", func(t *testing.T) {
		spec := StopLimit{Stop: D("95"), Limit: D("94")}
		d, _ := Evaluate(SideSell, spec, bar(1, "93", "93.5", "92", "93"), EvalState{})
		if d.Kind != Triggered {
			t.Fatalf("kind = %s, want TRIGGERED", d.Kind)
		}
	})
}

func TestEvaluateTrail(t *testing.T) {
	spec := Trail{Offset: TrailAmount(D("2"))}

	d, st := Evaluate(SideSell, spec, bar(1, "100", "110", "80", "100"), EvalState{})
	if d.Kind != NoFill {
		t.Fatalf("first bar must only seed the reference, got %s", d.Kind)
	}
	if !st.TrailSeeded || !st.TrailRef.Equal(D("100")) {
		t.Fatalf("ref = %s seeded=%v, want 100", st.TrailRef, st.TrailSeeded)
	}

	d, st = Evaluate(SideSell, spec, bar(2, "101", "104", "100.5", "103"), st)
	if d.Kind != NoFill {
		t.Fatalf("kind = %s, want NO_FILL", d.Kind)
	}
	if !st.TrailRef.Equal(D("103")) {
		t.Fatalf("ref = %s, want 103", st.TrailRef)
	}

	d, _ = Evaluate(SideSell, spec, bar(3, "102", "102", "100", "100.5"), st)
	if d.Kind != Fill || !d.Price.Equal(D("101")) {
		t.Fatalf("got %s @ %s, want FILL @ 101", d.Kind, d.Price)
	}
}

func TestEvaluateTrailPercentBuy(t *testing.T) {
	spec := Trail{Offset: TrailPercent(D("0.1"))}
	_, st := Evaluate(SideBuy, spec, bar(1, "100", "100", "100", "100"), EvalState{})
	_, st = Evaluate(SideBuy, spec, bar(2, "95", "96", "90", "90"), st)
	if !st.TrailRef.Equal(D("90")) {
		t.Fatalf("ref = %s, want 90", st.TrailRef)
	}
	// stop at 99: the bar gaps above it, so the fill is the stop clipped to the range
	d, _ := Evaluate(SideBuy, spec, bar(3, "100", "101", "99.5", "101"), st)
	if d.Kind != Fill || !d.Price.Equal(D("99.5")) {
		t.Fatalf("got %s @ %s, want FILL @ 99.5", d.Kind, d.Price)
	}
}

func TestTrailReferenceIgnoresOpen(t *testing.T) {
	spec := Trail{Offset: TrailAmount(D("5"))}
	_, st := Evaluate(SideSell, spec, bar(1, "100", "100", "100", "100"), EvalState{})
	// The open spikes to 120 but the bar closes back at 100.
	d, st := Evaluate(SideSell, spec, bar(2, "120", "120", "100", "100"), st)
	if d.Kind != NoFill {
		t.Fatalf("bar 2: got %s, want NO_FILL", d.Kind)
	}
	if !st.TrailRef.Equal(D("100")) {
		t.Fatalf("ref = %s, want 100", st.TrailRef)
	}
	d, _ = Evaluate(SideSell, spec, bar(3, "112", "114", "110", "112"), st)
	if d.Kind != NoFill {
		t.Fatalf("bar 3: got %s @ %s, want NO_FILL", d.Kind, d.Price)
	}
}

func TestTrailGapThroughFillsAtStopClipped(t *testing.T) {
	spec := Trail{Offset: TrailAmount(D("5"))}
	_, st := Evaluate(SideSell, spec, bar(1, "110", "110", "110", "110"), EvalState{})
	// stop at 105; the bar opens at 100 and never trades back up to it
	d, _ := Evaluate(SideSell, spec, bar(2, "100", "102", "99", "100"), st)
	if d.Kind != Fill || !d.Price.Equal(D("102")) {
		t.Fatalf("got %s @ %s, want FILL @ 102", d.Kind, d.Price)
	}
	// inside the range the fill is the stop itself
	d, _ = Evaluate(SideSell, spec, bar(2, "108", "109", "103", "104"), st)
	if d.Kind != Fill || !d.Price.Equal(D("105")) {
		t.Fatalf("got %s @ %s, want FILL @ 105", d.Kind, d.Price)
	}
}

func TestTrailPercentStopLevel(t *testing.T) {
	got := trailStopPrice(SideSell, TrailPercent(D("0.05")), D("200"))
	if !got.Equal(D("190")) {
		t.Fatalf("stop = %s, want 190", got)
	}
	got = trailStopPrice(SideBuy, TrailAmount(D("1.5")), D("50"))
	if !got.Equal(D("51.5")) {
		t.Fatalf("stop = %s, want 51.5", got)
	}
}
