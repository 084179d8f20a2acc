package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"backtest-fillsim/services/engine"
)

// BarWriter buffers bars and inserts them in batches of batchSize.
type BarWriter struct {
	store     *Store
	asset     engine.Asset
	tf        engine.Timeframe
	buffer    []engine.Bar
	batchSize int
	written   int
}

func (s *Store) NewBarWriter(asset engine.Asset, tf engine.Timeframe, batchSize int) *BarWriter {
	if batchSize <= 0 {
		batchSize = 10000
	}
	return &BarWriter{
		store:     s,
		asset:     asset,
		tf:        tf,
		batchSize: batchSize,
		buffer:    make([]engine.Bar, 0, batchSize),
	}
}

func (w *BarWriter) Add(ctx context.Context, b engine.Bar) error {
	w.buffer = append(w.buffer, b)
	if len(w.buffer) >= w.batchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush sends the buffered bars. Rows with the same key are deduplicated by
// the table engine, newest version wins.
func (w *BarWriter) Flush(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}
	batch, err := w.store.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s SETTINGS insert_deduplicate=1", w.store.qualified()))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	ver := uint64(time.Now().UnixNano())
	for _, b := range w.buffer {
		if err := batch.Append(
			w.asset.Symbol, string(w.asset.Class), string(w.tf),
			b.Timestamp.UTC(),
			b.Open, b.High, b.Low, b.Close, b.Volume,
			ver,
		); err != nil {
			return fmt.Errorf("batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("batch send: %w", err)
	}
	w.written += len(w.buffer)
	w.store.logger.Debug("Inserted bars",
		zap.String("symbol", w.asset.Symbol),
		zap.String("interval", string(w.tf)),
		zap.Int("rows", len(w.buffer)),
	)
	w.buffer = w.buffer[:0]
	return nil
}

// Close flushes what is left and returns the total rows written.
func (w *BarWriter) Close(ctx context.Context) (int, error) {
	err := w.Flush(ctx)
	return w.written, err
}

// InsertBars writes bars in one or more batches.
func (s *Store) InsertBars(ctx context.Context, asset engine.Asset, tf engine.Timeframe, bars []engine.Bar, batchSize int) (int, error) {
	w := s.NewBarWriter(asset, tf, batchSize)
	for _, b := range bars {
		if err := w.Add(ctx, b); err != nil {
			return w.written, err
		}
	}
	return w.Close(ctx)
}
