package parquetbars

import (
	"path/filepath"
	"testing"
	"time"

	"backtest-fillsim/services/engine"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crypto", "btc.parquet")
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []engine.Bar{
		{Timestamp: t0.Add(time.Minute), Open: engine.D("42000.01"), High: engine.D("42010"), Low: engine.D("41990.5"), Close: engine.D("42005.25"), Volume: engine.D("1.234")},
		{Timestamp: t0, Open: engine.D("41999"), High: engine.D("42001"), Low: engine.D("41998"), Close: engine.D("42000"), Volume: engine.D("0.5")},
	}
	if err := Write(path, "btc", bars); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := ReadSymbol(path, "BTC")
	if err != nil {
		t.Fatalf("ReadSymbol: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("bars = %d, want 2", len(got))
	}
	if !got[0].Timestamp.Equal(t0) {
		t.Errorf("series not sorted: first = %v", got[0].Timestamp)
	}
	if !got[1].Open.Equal(engine.D("42000.01")) || !got[1].Volume.Equal(engine.D("1.234")) {
		t.Errorf("bar = %+v", got[1])
	}
	if _, err := ReadSymbol(path, "ETH"); err == nil {
		t.Error("expected error for missing symbol")
	}
}

func TestReadRejectsBadDecimal(t *testing.T) {
	r := BarRecord{Symbol: "X", Open: "1..2"}
	if _, err := r.bar(); err == nil {
		t.Fatal("expected parse error")
	}
}
