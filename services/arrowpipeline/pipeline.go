// Package arrowpipeline moves bars and fill journals in and out of Arrow IPC
// streams.
package arrowpipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/decimal128"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"backtest-fillsim/services/engine"
)

// Prices are carried as Decimal128(38, 18) so a round trip is exact.
const decimalScale = 18

var decimalType = &arrow.Decimal128Type{Precision: 38, Scale: decimalScale}

var barSchema = arrow.NewSchema([]arrow.Field{
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ms},
	{Name: "open", Type: decimalType},
	{Name: "high", Type: decimalType},
	{Name: "low", Type: decimalType},
	{Name: "close", Type: decimalType},
	{Name: "volume", Type: decimalType},
}, nil)

var fillSchema = arrow.NewSchema([]arrow.Field{
	{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ms},
	{Name: "strategy_id", Type: arrow.BinaryTypes.String},
	{Name: "order_id", Type: arrow.BinaryTypes.String},
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "side", Type: arrow.BinaryTypes.String},
	{Name: "price", Type: decimalType},
	{Name: "quantity", Type: decimalType},
	{Name: "fee", Type: decimalType},
}, nil)

// Config holds Arrow pipeline configuration
type Config struct {
	BatchSize int `yaml:"batch_size"`
}

// Pipeline encodes and decodes Arrow IPC streams.
type Pipeline struct {
	config     *Config
	memoryPool memory.Allocator
	logger     *zap.Logger
}

// NewPipeline creates a new Arrow pipeline
func NewPipeline(config *Config, logger *zap.Logger) *Pipeline {
	if config == nil || config.BatchSize <= 0 {
		config = &Config{BatchSize: 10000}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		config:     config,
		memoryPool: memory.NewGoAllocator(),
		logger:     logger,
	}
}

func toNum(d decimal.Decimal) decimal128.Num {
	return decimal128.FromBigInt(d.Shift(decimalScale).BigInt())
}

func fromNum(n decimal128.Num) decimal.Decimal {
	return decimal.NewFromBigInt(n.BigInt(), -decimalScale)
}

func toMillis(t time.Time) arrow.Timestamp { return arrow.Timestamp(t.UnixMilli()) }

// BarsToRecord builds one record from a symbol's bars. The caller releases it.
func (p *Pipeline) BarsToRecord(symbol string, bars []engine.Bar) arrow.Record {
	b := array.NewRecordBuilder(p.memoryPool, barSchema)
	defer b.Release()

	syms := b.Field(0).(*array.StringBuilder)
	ts := b.Field(1).(*array.TimestampBuilder)
	cols := []*array.Decimal128Builder{
		b.Field(2).(*array.Decimal128Builder),
		b.Field(3).(*array.Decimal128Builder),
		b.Field(4).(*array.Decimal128Builder),
		b.Field(5).(*array.Decimal128Builder),
		b.Field(6).(*array.Decimal128Builder),
	}
	for _, bar := range bars {
		syms.Append(symbol)
		ts.Append(toMillis(bar.Timestamp))
		for i, v := range []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close, bar.Volume} {
			cols[i].Append(toNum(v))
		}
	}
	return b.NewRecord()
}

// WriteBars streams bars as records of at most BatchSize rows.
func (p *Pipeline) WriteBars(ctx context.Context, w io.Writer, symbol string, bars []engine.Bar) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(barSchema), ipc.WithAllocator(p.memoryPool))
	for start := 0; start < len(bars); start += p.config.BatchSize {
		if err := ctx.Err(); err != nil {
			writer.Close()
			return err
		}
		end := min(start+p.config.BatchSize, len(bars))
		rec := p.BarsToRecord(symbol, bars[start:end])
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to write Arrow record: %w", err)
		}
		p.logger.Debug("Wrote Arrow batch", zap.String("symbol", symbol), zap.Int("size", end-start))
	}
	return writer.Close()
}

// ReadBars decodes a bar stream into per-symbol series in stream order.
func (p *Pipeline) ReadBars(r io.Reader) (map[string][]engine.Bar, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool))
	if err != nil {
		return nil, fmt.Errorf("open Arrow stream: %w", err)
	}
	defer rdr.Release()
	if !rdr.Schema().Equal(barSchema) {
		return nil, errors.New("arrow stream does not carry bars")
	}

	out := make(map[string][]engine.Bar)
	for rdr.Next() {
		rec := rdr.Record()
		syms := rec.Column(0).(*array.String)
		ts := rec.Column(1).(*array.Timestamp)
		cols := make([]*array.Decimal128, 5)
		for i := range cols {
			cols[i] = rec.Column(i + 2).(*array.Decimal128)
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			sym := syms.Value(row)
			out[sym] = append(out[sym], engine.Bar{
				Timestamp: ts.Value(row).ToTime(arrow.Millisecond),
				Open:      fromNum(cols[0].Value(row)),
				High:      fromNum(cols[1].Value(row)),
				Low:       fromNum(cols[2].Value(row)),
				Close:     fromNum(cols[3].Value(row)),
				Volume:    fromNum(cols[4].Value(row)),
			})
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read Arrow stream: %w", err)
	}
	return out, nil
}

// WriteFills writes the fill events of a journal as a single record.
func (p *Pipeline) WriteFills(w io.Writer, events []engine.Event) error {
	b := array.NewRecordBuilder(p.memoryPool, fillSchema)
	defer b.Release()

	for _, ev := range events {
		if ev.Type != engine.EventOrderFill {
			continue
		}
		b.Field(0).(*array.TimestampBuilder).Append(toMillis(ev.Ts))
		b.Field(1).(*array.StringBuilder).Append(ev.StrategyID)
		b.Field(2).(*array.StringBuilder).Append(ev.OrderID)
		b.Field(3).(*array.StringBuilder).Append(ev.Symbol)
		b.Field(4).(*array.StringBuilder).Append(string(ev.Side))
		b.Field(5).(*array.Decimal128Builder).Append(toNum(ev.Price))
		b.Field(6).(*array.Decimal128Builder).Append(toNum(ev.Quantity))
		b.Field(7).(*array.Decimal128Builder).Append(toNum(ev.Fee))
	}
	rec := b.NewRecord()
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(fillSchema), ipc.WithAllocator(p.memoryPool))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write fills: %w", err)
	}
	p.logger.Info("Exported fills", zap.Int64("rows", rec.NumRows()))
	return writer.Close()
}

// FillCount reads a fill stream and returns the number of rows and the
// summed notional, for quick reconciliation.
func (p *Pipeline) FillCount(r io.Reader) (int64, decimal.Decimal, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool))
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("open Arrow stream: %w", err)
	}
	defer rdr.Release()

	var rows int64
	notional := decimal.Zero
	for rdr.Next() {
		rec := rdr.Record()
		price := rec.Column(5).(*array.Decimal128)
		qty := rec.Column(6).(*array.Decimal128)
		for i := 0; i < int(rec.NumRows()); i++ {
			notional = notional.Add(fromNum(price.Value(i)).Mul(fromNum(qty.Value(i))))
		}
		rows += rec.NumRows()
	}
	return rows, notional, nil
}
