// Package parquetbars stores bar series as Parquet files.
package parquetbars

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"backtest-fillsim/services/engine"
)

// BarRecord is the on-disk schema. Prices are decimal strings so files round
// trip without float rounding.
type BarRecord struct {
	Symbol    string `parquet:"symbol"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      string `parquet:"open"`
	High      string `parquet:"high"`
	Low       string `parquet:"low"`
	Close     string `parquet:"close"`
	Volume    string `parquet:"volume"`
}

// Write stores bars for symbol at path, creating parent directories.
func Write(path, symbol string, bars []engine.Bar) error {
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = BarRecord{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open.String(),
			High:      b.High.String(),
			Low:       b.Low.String(),
			Close:     b.Close.String(),
			Volume:    b.Volume.String(),
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// Read loads a bar file and groups it by symbol, each series sorted by time.
func Read(path string) (map[string][]engine.Bar, error) {
	records, err := parquet.ReadFile[BarRecord](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make(map[string][]engine.Bar)
	for i, r := range records {
		b, err := r.bar()
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i, err)
		}
		out[r.Symbol] = append(out[r.Symbol], b)
	}
	for _, series := range out {
		sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
	}
	return out, nil
}

// ReadSymbol loads the series of one symbol from path.
func ReadSymbol(path, symbol string) ([]engine.Bar, error) {
	all, err := Read(path)
	if err != nil {
		return nil, err
	}
	series, ok := all[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%s: no bars for %s", path, symbol)
	}
	return series, nil
}

func (r BarRecord) bar() (engine.Bar, error) {
	vals := make([]decimal.Decimal, 5)
	for i, s := range []string{r.Open, r.High, r.Low, r.Close, r.Volume} {
		if s == "" {
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return engine.Bar{}, err
		}
		vals[i] = d
	}
	return engine.Bar{
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}
