package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

// Options configures a Store connection.
type Options struct {
	Addr     string
	Database string
	Table    string
	User     string
	Password string
	Logger   *zap.Logger
}

// Store keeps OHLCV bars in a ReplacingMergeTree table.
type Store struct {
	conn     clickhouse.Conn
	database string
	table    string
	logger   *zap.Logger
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdent(kind, s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("invalid clickhouse %s name %q", kind, s)
	}
	return nil
}

// Open connects and pings the server.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Table == "" {
		opts.Table = "bars"
	}
	if err := checkIdent("database", opts.Database); err != nil {
		return nil, err
	}
	if err := checkIdent("table", opts.Table); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(60),
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &Store{conn: conn, database: opts.Database, table: opts.Table, logger: opts.Logger}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) qualified() string { return s.database + "." + s.table }

// EnsureSchema creates the database and bar table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	if err := s.conn.Exec(ctx, tableDDL(s.qualified())); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func tableDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol String,
			asset_class LowCardinality(String),
			interval LowCardinality(String),
			ts DateTime64(3, 'UTC'),
			open Decimal(38, 18),
			high Decimal(38, 18),
			low Decimal(38, 18),
			close Decimal(38, 18),
			volume Decimal(38, 18),
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, asset_class, interval, ts)
		SETTINGS index_granularity = 8192
	`, table)
}
