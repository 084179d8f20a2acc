// Command derive_bars builds coarser timeframes from bars already stored in
// ClickHouse. Re-running it is safe: the table keeps the newest version of
// each bar.
package main

import (
	"context"
	"flag"
	"log"
	"strings"

	"go.uber.org/zap"

	"backtest-fillsim/services/clickhouse"
	"backtest-fillsim/services/config"
	"backtest-fillsim/services/engine"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	symbol := flag.String("symbol", "", "Symbol to derive (defaults to data.symbol)")
	src := flag.String("src", "1m", "Source timeframe")
	dst := flag.String("dst", "5m,15m", "Comma separated target timeframes")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *symbol != "" {
		cfg.Data.Symbol = *symbol
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	asset, err := cfg.Asset()
	if err != nil {
		logger.Fatal("Invalid asset", zap.Error(err))
	}

	ctx := context.Background()
	store, err := clickhouse.Open(ctx, clickhouse.Options{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Table:    cfg.ClickHouse.Table,
		User:     cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
	}
	defer store.Close()

	n, err := store.Count(ctx, asset, engine.Timeframe(*src))
	if err != nil {
		logger.Fatal("Failed to count source bars", zap.Error(err))
	}
	if n == 0 {
		logger.Fatal("No source bars found; import them first", zap.String("symbol", asset.Symbol), zap.String("timeframe", *src))
	}
	logger.Info("Found source bars", zap.Uint64("rows", n), zap.String("timeframe", *src))

	for _, tf := range strings.Split(*dst, ",") {
		tf = strings.TrimSpace(tf)
		if tf == "" {
			continue
		}
		if err := store.DeriveTimeframe(ctx, asset, engine.Timeframe(*src), engine.Timeframe(tf)); err != nil {
			logger.Fatal("Derivation failed", zap.String("timeframe", tf), zap.Error(err))
		}
	}
}
