package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"backtest-fillsim/services/engine"
)

// Config is the top-level configuration shared by the runner and the server.
type Config struct {
	Environment string     `yaml:"environment"`
	Engine      Engine     `yaml:"engine"`
	Data        Data       `yaml:"data"`
	ClickHouse  ClickHouse `yaml:"clickhouse"`
	Server      Server     `yaml:"server"`
	Logging     Logging    `yaml:"logging"`
	Journal     Journal    `yaml:"journal"`
	Arrow       Arrow      `yaml:"arrow"`
}

// Engine holds simulation parameters. Money amounts are decimal strings.
type Engine struct {
	StrategyID   string `yaml:"strategy_id"`
	BaseCurrency string `yaml:"base_currency"`
	InitialCash  string `yaml:"initial_cash"`
	Timeframe    string `yaml:"timeframe"`
	BuyFee       Fee    `yaml:"buy_fee"`
	SellFee      Fee    `yaml:"sell_fee"`
	MaxWorkers   int    `yaml:"max_workers"`
}

// Fee is a flat amount plus a fraction of notional.
type Fee struct {
	Flat    string `yaml:"flat" json:"flat,omitempty"`
	Percent string `yaml:"percent" json:"percent,omitempty"`
}

// Data selects where bars come from.
type Data struct {
	Source     string `yaml:"source"` // csv, parquet, arrow or clickhouse
	Path       string `yaml:"path"`
	Symbol     string `yaml:"symbol"`
	AssetClass string `yaml:"asset_class"`
	Multiplier string `yaml:"multiplier"`
	Quote      string `yaml:"quote"`

	// From and To bound ClickHouse loads, RFC 3339, To exclusive.
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type ClickHouse struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Server struct {
	HTTPPort int `yaml:"http_port"`
	GRPCPort int `yaml:"grpc_port"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Journal struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type Arrow struct {
	BatchSize int `yaml:"batch_size"`
}

var sources = map[string]bool{"csv": true, "parquet": true, "arrow": true, "clickhouse": true}

// Default returns a configuration usable without a file.
func Default() *Config {
	return &Config{
		Environment: "development",
		Engine: Engine{
			StrategyID:   "default",
			BaseCurrency: "USD",
			InitialCash:  "100000",
			Timeframe:    string(engine.TF1m),
			MaxWorkers:   4,
		},
		Data: Data{Source: "csv", AssetClass: string(engine.AssetStock)},
		ClickHouse: ClickHouse{
			Addr:     "localhost:9000",
			Database: "default",
			Table:    "bars",
			User:     "default",
		},
		Server:  Server{HTTPPort: 8080, GRPCPort: 9090},
		Logging: Logging{Level: "info", Format: "json"},
		Arrow:   Arrow{BatchSize: 10000},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BACKTEST_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("DATA_PATH"); v != "" {
		cfg.Data.Path = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = v
	}
	if v := os.Getenv("CLICKHOUSE_USER"); v != "" {
		cfg.ClickHouse.User = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Journal.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("GRPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = port
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	cash, err := decimal.NewFromString(c.Engine.InitialCash)
	if err != nil {
		return fmt.Errorf("engine.initial_cash: %w", err)
	}
	if !cash.IsPositive() {
		return errors.New("engine.initial_cash must be positive")
	}
	if _, err := engine.Timeframe(c.Engine.Timeframe).Duration(); err != nil {
		return fmt.Errorf("engine.timeframe: %w", err)
	}
	if _, err := c.Fees(); err != nil {
		return err
	}
	if !sources[strings.ToLower(c.Data.Source)] {
		return fmt.Errorf("data.source %q: want csv, parquet, arrow or clickhouse", c.Data.Source)
	}
	if _, err := c.Asset(); err != nil {
		return err
	}
	if _, _, err := c.Data.Range(); err != nil {
		return err
	}
	return nil
}

// EngineConfig converts the engine section for engine.New.
func (c *Config) EngineConfig(logger *zap.Logger) (engine.Config, error) {
	cash, err := decimal.NewFromString(c.Engine.InitialCash)
	if err != nil {
		return engine.Config{}, fmt.Errorf("engine.initial_cash: %w", err)
	}
	fees, err := c.Fees()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		StrategyID:   c.Engine.StrategyID,
		BaseCurrency: c.Engine.BaseCurrency,
		InitialCash:  cash,
		Timeframe:    engine.Timeframe(c.Engine.Timeframe),
		Fees:         fees,
		Logger:       logger,
	}, nil
}

// Fees builds the fee model from buy_fee and sell_fee.
func (c *Config) Fees() (engine.Fees, error) {
	buy, err := c.Engine.BuyFee.Schedule("engine.buy_fee")
	if err != nil {
		return engine.Fees{}, err
	}
	sell, err := c.Engine.SellFee.Schedule("engine.sell_fee")
	if err != nil {
		return engine.Fees{}, err
	}
	return engine.Fees{Buy: buy, Sell: sell}, nil
}

// Schedule parses the fee; field names the setting in error messages.
func (f Fee) Schedule(field string) (engine.FeeSchedule, error) {
	flat, err := optionalDecimal(f.Flat)
	if err != nil {
		return engine.FeeSchedule{}, fmt.Errorf("%s.flat: %w", field, err)
	}
	pct, err := optionalDecimal(f.Percent)
	if err != nil {
		return engine.FeeSchedule{}, fmt.Errorf("%s.percent: %w", field, err)
	}
	if flat.IsNegative() || pct.IsNegative() {
		return engine.FeeSchedule{}, fmt.Errorf("%s: fees must not be negative", field)
	}
	return engine.FeeSchedule{Flat: flat, Percent: pct}, nil
}

// Asset returns the instrument described by the data section.
func (c *Config) Asset() (engine.Asset, error) {
	class, err := engine.ParseAssetClass(c.Data.AssetClass)
	if err != nil {
		return engine.Asset{}, fmt.Errorf("data.asset_class: %w", err)
	}
	mult, err := optionalDecimal(c.Data.Multiplier)
	if err != nil {
		return engine.Asset{}, fmt.Errorf("data.multiplier: %w", err)
	}
	return engine.Asset{Symbol: strings.ToUpper(c.Data.Symbol), Class: class, Multiplier: mult}, nil
}

// QuoteAsset returns the configured quote asset, or nil when none is set.
func (c *Config) QuoteAsset() *engine.Asset {
	if c.Data.Quote == "" {
		return nil
	}
	class, _ := engine.ParseAssetClass(c.Data.AssetClass)
	return &engine.Asset{Symbol: strings.ToUpper(c.Data.Quote), Class: class}
}

// NewLogger builds the zap logger described by the logging section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if c.Logging.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

// Range parses data.from and data.to. Empty bounds are zero times.
func (d Data) Range() (from, to time.Time, err error) {
	if d.From != "" {
		if from, err = time.Parse(time.RFC3339, d.From); err != nil {
			return from, to, fmt.Errorf("data.from: %w", err)
		}
	}
	if d.To != "" {
		if to, err = time.Parse(time.RFC3339, d.To); err != nil {
			return from, to, fmt.Errorf("data.to: %w", err)
		}
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return from, to, errors.New("data.to must be after data.from")
	}
	return from, to, nil
}
