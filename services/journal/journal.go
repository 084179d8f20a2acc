// Package journal persists finished backtest runs to SQLite: the event log,
// the final order book and the final positions.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"backtest-fillsim/services/engine"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	final_cash  TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	ts          INTEGER NOT NULL,
	type        TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	order_id    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	price       TEXT NOT NULL,
	quantity    TEXT NOT NULL,
	fee         TEXT NOT NULL,
	details     TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS orders (
	run_id     TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	type       TEXT NOT NULL,
	class      TEXT NOT NULL,
	tag        TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	status     TEXT NOT NULL,
	avg_price  TEXT NOT NULL,
	trade_cost TEXT NOT NULL,
	error      TEXT NOT NULL,
	PRIMARY KEY (run_id, order_id)
);
CREATE TABLE IF NOT EXISTS positions (
	run_id       TEXT NOT NULL,
	asset_key    TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	avg_price    TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	PRIMARY KEY (run_id, asset_key)
);
`

// Store is a SQLite-backed run journal.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun writes the state of e under runID in one transaction. Saving the
// same run twice replaces the earlier copy.
func (s *Store) SaveRun(ctx context.Context, runID string, e *engine.Engine) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"runs", "events", "orders", "positions"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", runID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runs (run_id, strategy_id, final_cash, created_at) VALUES (?, ?, ?, ?)",
		runID, e.StrategyID(), e.Cash().String(), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	evStmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(run_id, seq, ts, type, strategy_id, order_id, symbol, side, price, quantity, fee, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer evStmt.Close()
	for i, ev := range e.Events().Events {
		details, err := json.Marshal(ev.Details)
		if err != nil {
			return err
		}
		if _, err := evStmt.ExecContext(ctx, runID, i, ev.Ts.UnixMilli(), ev.Type.String(), ev.StrategyID,
			ev.OrderID, ev.Symbol, string(ev.Side), ev.Price.String(), ev.Quantity.String(), ev.Fee.String(),
			string(details)); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	ordStmt, err := tx.PrepareContext(ctx, `INSERT INTO orders
		(run_id, order_id, symbol, side, type, class, tag, quantity, status, avg_price, trade_cost, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer ordStmt.Close()
	for _, o := range e.Orders() {
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		if _, err := ordStmt.ExecContext(ctx, runID, o.ID, o.Asset.Symbol, string(o.Side), string(o.Type()),
			string(o.Class), o.Tag, o.Quantity.String(), string(o.Status), o.AvgFillPrice().String(),
			o.TradeCost.String(), errText); err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}
	}

	for _, p := range e.Positions() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO positions
			(run_id, asset_key, symbol, quantity, avg_price, realized_pnl) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, p.Asset.Key(), p.Asset.Symbol, p.Quantity.String(), p.AvgFillPrice.String(),
			p.RealizedPnl.String()); err != nil {
			return fmt.Errorf("insert position %s: %w", p.Asset.Key(), err)
		}
	}
	return tx.Commit()
}

// Events returns the stored event log of a run in its original order.
func (s *Store) Events(ctx context.Context, runID string) ([]engine.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, type, strategy_id, order_id, symbol, side, price, quantity, fee, details
		FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Event
	for rows.Next() {
		var (
			ts                 int64
			typ, side, details string
			price, qty, fee    string
			ev                 engine.Event
		)
		if err := rows.Scan(&ts, &typ, &ev.StrategyID, &ev.OrderID, &ev.Symbol, &side, &price, &qty, &fee, &details); err != nil {
			return nil, err
		}
		t, ok := engine.ParseEventType(typ)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", typ)
		}
		ev.Type = t
		ev.Ts = time.UnixMilli(ts).UTC()
		ev.Side = engine.Side(side)
		if ev.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if ev.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if ev.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// StatusCounts returns how many orders of a run ended in each status.
func (s *Store) StatusCounts(ctx context.Context, runID string) (map[engine.OrderStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM orders WHERE run_id = ? GROUP BY status", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[engine.OrderStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[engine.OrderStatus(status)] = n
	}
	return out, rows.Err()
}

// FinalCash returns the closing cash balance recorded for a run.
func (s *Store) FinalCash(ctx context.Context, runID string) (decimal.Decimal, error) {
	var cash string
	err := s.db.QueryRowContext(ctx, "SELECT final_cash FROM runs WHERE run_id = ?", runID).Scan(&cash)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(cash)
}
