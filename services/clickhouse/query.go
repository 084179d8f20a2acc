package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"backtest-fillsim/services/engine"
)

const barColumns = "ts, open, high, low, close, volume"

// LoadBars returns the bars of asset at tf in [from, to), oldest first.
func (s *Store) LoadBars(ctx context.Context, asset engine.Asset, tf engine.Timeframe, from, to time.Time) ([]engine.Bar, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s FINAL
		WHERE symbol = ? AND asset_class = ? AND interval = ? AND ts >= ? AND ts < ?
		ORDER BY ts`, barColumns, s.qualified())
	rows, err := s.conn.Query(ctx, q, asset.Symbol, string(asset.Class), string(tf), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var out []engine.Bar
	for rows.Next() {
		b, err := scanBar(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBar implements engine.BarProvider with a point lookup.
func (s *Store) GetBar(ctx context.Context, asset engine.Asset, ts time.Time, tf engine.Timeframe) (*engine.Bar, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s FINAL
		WHERE symbol = ? AND asset_class = ? AND interval = ? AND ts = ?
		LIMIT 1`, barColumns, s.qualified())
	row := s.conn.QueryRow(ctx, q, asset.Symbol, string(asset.Class), string(tf), ts.UTC())
	b, err := scanBar(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanBar(scan func(dest ...any) error) (engine.Bar, error) {
	var (
		ts                      time.Time
		open, high, low, closep decimal.Decimal
		volume                  decimal.Decimal
	)
	if err := scan(&ts, &open, &high, &low, &closep, &volume); err != nil {
		return engine.Bar{}, fmt.Errorf("scan bar: %w", err)
	}
	return engine.Bar{Timestamp: ts.UTC(), Open: open, High: high, Low: low, Close: closep, Volume: volume}, nil
}

// Preload copies a range of stored bars into an in-memory provider so a
// backtest does not issue one query per bar.
func (s *Store) Preload(ctx context.Context, dst *engine.MemoryBars, asset engine.Asset, tf engine.Timeframe, from, to time.Time) (int, error) {
	bars, err := s.LoadBars(ctx, asset, tf, from, to)
	if err != nil {
		return 0, err
	}
	dst.Add(asset, bars...)
	return len(bars), nil
}
