package clickhouse

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"backtest-fillsim/services/engine"
)

func TestCheckIdent(t *testing.T) {
	for _, ok := range []string{"bars", "backtest_v2", "_tmp"} {
		if err := checkIdent("table", ok); err != nil {
			t.Errorf("checkIdent(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "1bars", "bars; DROP TABLE x", "a.b", "bars-1"} {
		if err := checkIdent("table", bad); err == nil {
			t.Errorf("checkIdent(%q) accepted", bad)
		}
	}
}

func TestOpenRejectsBadIdentifiers(t *testing.T) {
	_, err := Open(context.Background(), Options{Addr: "localhost:9000", Table: "x; y"})
	if err == nil || !strings.Contains(err.Error(), "invalid clickhouse table") {
		t.Fatalf("Open() = %v", err)
	}
}

func TestTableDDL(t *testing.T) {
	ddl := tableDDL("backtest.bars")
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS backtest.bars",
		"open Decimal(38, 18)",
		"ReplacingMergeTree(version)",
		"ORDER BY (symbol, asset_class, interval, ts)",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("DDL missing %q", want)
		}
	}
}

func TestDeriveQueryBucket(t *testing.T) {
	q := deriveQuery("backtest.bars", 15*time.Minute)
	if !strings.Contains(q, "intDiv(toUnixTimestamp64Milli(ts), 900000) * 900000") {
		t.Fatalf("bucket expression missing:\n%s", q)
	}
	if strings.Count(q, "?") != 4 {
		t.Fatalf("want 4 placeholders, got %d", strings.Count(q, "?"))
	}
}

func TestDeriveTimeframeRejectsFinerTarget(t *testing.T) {
	s := &Store{database: "d", table: "t"}
	err := s.DeriveTimeframe(context.Background(), engine.Crypto("BTC"), engine.TF15m, engine.TF5m)
	if err == nil {
		t.Fatal("expected error deriving 5m from 15m")
	}
}

func TestScanBar(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	scan := func(dest ...any) error {
		*dest[0].(*time.Time) = ts
		for i, v := range []string{"1.5", "2", "1", "1.75", "300"} {
			*dest[i+1].(*decimal.Decimal) = decimal.RequireFromString(v)
		}
		return nil
	}
	b, err := scanBar(scan)
	if err != nil {
		t.Fatal(err)
	}
	if b.Timestamp.Location() != time.UTC || !b.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", b.Timestamp)
	}
	if !b.Close.Equal(decimal.RequireFromString("1.75")) {
		t.Errorf("close = %s", b.Close)
	}
}
