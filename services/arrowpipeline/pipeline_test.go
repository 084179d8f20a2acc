package arrowpipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"backtest-fillsim/services/engine"
)

func testBars(n int) []engine.Bar {
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]engine.Bar, n)
	for i := range out {
		p := decimal.NewFromInt(int64(100 + i)).Add(decimal.RequireFromString("0.123456789"))
		out[i] = engine.Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      p,
			High:      p.Add(decimal.NewFromInt(1)),
			Low:       p.Sub(decimal.NewFromInt(1)),
			Close:     p,
			Volume:    decimal.RequireFromString("0.00000001"),
		}
	}
	return out
}

func TestBarStreamPreservesDecimals(t *testing.T) {
	p := NewPipeline(&Config{BatchSize: 3}, nil)
	bars := testBars(7)

	var buf bytes.Buffer
	if err := p.WriteBars(context.Background(), &buf, "BTCUSDT", bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	got, err := p.ReadBars(&buf)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	series := got["BTCUSDT"]
	if len(series) != len(bars) {
		t.Fatalf("bars = %d, want %d", len(series), len(bars))
	}
	for i := range bars {
		if !series[i].Timestamp.Equal(bars[i].Timestamp) {
			t.Fatalf("bar %d timestamp = %v", i, series[i].Timestamp)
		}
		if !series[i].Open.Equal(bars[i].Open) || !series[i].Volume.Equal(bars[i].Volume) {
			t.Fatalf("bar %d = %+v, want %+v", i, series[i], bars[i])
		}
	}
}

func TestWriteBarsHonorsContext(t *testing.T) {
	p := NewPipeline(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if err := p.WriteBars(ctx, &buf, "X", testBars(2)); err == nil {
		t.Fatal("expected context error")
	}
}

func TestWriteFillsSkipsOtherEvents(t *testing.T) {
	p := NewPipeline(nil, nil)
	ts := time.Date(2024, 5, 1, 0, 1, 0, 0, time.UTC)
	events := []engine.Event{
		{Ts: ts, Type: engine.EventOrderSubmit, OrderID: "a"},
		{Ts: ts, Type: engine.EventOrderFill, OrderID: "a", Symbol: "AAPL", Side: engine.SideBuy,
			Price: engine.D("100.5"), Quantity: engine.D("10"), Fee: engine.D("1")},
		{Ts: ts, Type: engine.EventOrderCancel, OrderID: "b"},
		{Ts: ts, Type: engine.EventOrderFill, OrderID: "c", Symbol: "AAPL", Side: engine.SideSell,
			Price: engine.D("101"), Quantity: engine.D("4")},
	}
	var buf bytes.Buffer
	if err := p.WriteFills(&buf, events); err != nil {
		t.Fatalf("WriteFills: %v", err)
	}
	rows, notional, err := p.FillCount(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Fatalf("rows = %d, want 2", rows)
	}
	if !notional.Equal(engine.D("1409")) {
		t.Fatalf("notional = %s, want 1409", notional)
	}
}
