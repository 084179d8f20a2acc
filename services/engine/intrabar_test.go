package engine

import (
	"context"
	"testing"
)

func TestResolveFirstTouchLong(t *testing.T) {
	b := bar(1, "100", "110", "90", "105")
	if ResolveFirstTouchLong(b, D("108"), D("95")) != TouchTP {
		t.Fatal("expected TP first")
	}
	b = bar(1, "93", "110", "90", "105")
	if ResolveFirstTouchLong(b, D("108"), D("95")) != TouchSL {
		t.Fatal("expected SL first when the low is nearer the open")
	}
	if ResolveFirstTouchLong(bar(1, "100", "101", "99", "100"), D("108"), D("95")) != TouchNone {
		t.Fatal("expected no touch")
	}
}

func TestResolveFirstTouchShort(t *testing.T) {
	b := bar(1, "100", "110", "90", "95")
	if ResolveFirstTouchShort(b, D("92"), D("105")) != TouchTP { // tp below, sl above
		t.Fatal("expected TP first for short")
	}
	b = bar(1, "107", "110", "90", "95")
	if ResolveFirstTouchShort(b, D("92"), D("105")) != TouchSL {
		t.Fatal("expected SL first when the high is nearer the open")
	}
}

func TestMemoryBarsExactMatch(t *testing.T) {
	aapl := Stock("AAPL")
	m := NewMemoryBars()
	m.Add(aapl, bar(2, "1", "1", "1", "1"), bar(0, "1", "1", "1", "1"))
	m.Add(aapl, bar(2, "2", "2", "2", "2"))

	if got := len(m.Bars(aapl)); got != 2 {
		t.Fatalf("bars = %d, want 2", got)
	}
	b, err := m.GetBar(context.Background(), aapl, at(2), TF1m)
	if err != nil || b == nil || !b.Close.Equal(D("2")) {
		t.Fatalf("GetBar(2) = %+v, %v", b, err)
	}
	if b, _ := m.GetBar(context.Background(), aapl, at(1), TF1m); b != nil {
		t.Fatalf("GetBar(1) = %+v, want nil", b)
	}
	if b, _ := m.GetBar(context.Background(), Crypto("AAPL"), at(2), TF1m); b != nil {
		t.Fatal("bars leaked across asset classes")
	}
	ts := m.Timestamps()
	if len(ts) != 2 || !ts[0].Equal(at(0)) {
		t.Fatalf("timestamps = %v", ts)
	}
}
