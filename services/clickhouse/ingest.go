package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backtest-fillsim/services/engine"
)

// DeriveTimeframe aggregates stored bars of src into the coarser dst with an
// INSERT ... SELECT, bucketing on the dst bar length.
func (s *Store) DeriveTimeframe(ctx context.Context, asset engine.Asset, src, dst engine.Timeframe) error {
	srcDur, err := src.Duration()
	if err != nil {
		return err
	}
	dstDur, err := dst.Duration()
	if err != nil {
		return err
	}
	if dstDur <= srcDur || dstDur%srcDur != 0 {
		return fmt.Errorf("cannot derive %s from %s", dst, src)
	}
	if err := s.conn.Exec(ctx, deriveQuery(s.qualified(), dstDur),
		string(dst), asset.Symbol, string(asset.Class), string(src)); err != nil {
		return fmt.Errorf("derive %s: %w", dst, err)
	}
	s.logger.Info("Derived bars",
		zap.String("symbol", asset.Symbol),
		zap.String("from", string(src)),
		zap.String("to", string(dst)),
	)
	return nil
}

func deriveQuery(table string, bucket time.Duration) string {
	return fmt.Sprintf(`
		INSERT INTO %[1]s
		SELECT
			symbol,
			asset_class,
			? AS interval,
			fromUnixTimestamp64Milli(intDiv(toUnixTimestamp64Milli(ts), %[2]d) * %[2]d, 'UTC') AS bucket,
			argMin(open, ts) AS open,
			max(high) AS high,
			min(low) AS low,
			argMax(close, ts) AS close,
			sum(volume) AS volume,
			toUInt64(now64()) AS version
		FROM %[1]s FINAL
		WHERE symbol = ? AND asset_class = ? AND interval = ?
		GROUP BY symbol, asset_class, bucket
	`, table, bucket.Milliseconds())
}

// Count returns the number of stored bars for asset at tf.
func (s *Store) Count(ctx context.Context, asset engine.Asset, tf engine.Timeframe) (uint64, error) {
	var n uint64
	q := fmt.Sprintf("SELECT count() FROM %s FINAL WHERE symbol = ? AND asset_class = ? AND interval = ?", s.qualified())
	if err := s.conn.QueryRow(ctx, q, asset.Symbol, string(asset.Class), string(tf)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return n, nil
}
