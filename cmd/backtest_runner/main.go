// Command backtest_runner replays an order schedule against historical bars
// and prints the resulting ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"backtest-fillsim/services/arrowpipeline"
	"backtest-fillsim/services/clickhouse"
	"backtest-fillsim/services/config"
	"backtest-fillsim/services/csvbars"
	"backtest-fillsim/services/engine"
	"backtest-fillsim/services/journal"
	"backtest-fillsim/services/parquetbars"
	"backtest-fillsim/services/runner"
	"backtest-fillsim/services/schedule"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	planPath := flag.String("schedule", "", "YAML order schedule (required)")
	csvPath := flag.String("csv", "", "Read bars from this CSV file")
	parquetPath := flag.String("parquet", "", "Read bars from this Parquet file")
	arrowPath := flag.String("arrow", "", "Read bars from this Arrow IPC stream")
	arrowOut := flag.String("arrow-out", "", "Write the fill journal as an Arrow IPC stream")
	journalPath := flag.String("journal", "", "Persist the run to this SQLite file")
	chImport := flag.Bool("ch-import", false, "Insert the loaded bars into ClickHouse before running")
	flag.Parse()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "-schedule is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	switch {
	case *csvPath != "":
		cfg.Data.Source, cfg.Data.Path = "csv", *csvPath
	case *parquetPath != "":
		cfg.Data.Source, cfg.Data.Path = "parquet", *parquetPath
	case *arrowPath != "":
		cfg.Data.Source, cfg.Data.Path = "arrow", *arrowPath
	}
	if *journalPath != "" {
		cfg.Journal.SQLitePath = *journalPath
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *planPath, *arrowOut, *chImport, logger); err != nil {
		logger.Fatal("Backtest failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, planPath, arrowOut string, chImport bool, logger *zap.Logger) error {
	plan, err := schedule.Load(planPath)
	if err != nil {
		return err
	}
	asset, err := cfg.Asset()
	if err != nil {
		return err
	}
	if plan.Asset.Symbol == "" {
		plan.Asset = schedule.AssetSpec{Symbol: asset.Symbol, Class: string(asset.Class), Multiplier: cfg.Data.Multiplier, Quote: cfg.Data.Quote}
	}
	ecfg, err := cfg.EngineConfig(logger)
	if err != nil {
		return err
	}
	if plan.StrategyID != "" {
		ecfg.StrategyID = plan.StrategyID
	}

	src, err := loadBars(ctx, cfg, asset, logger)
	if err != nil {
		return err
	}
	timestamps := src.Timestamps()
	if len(timestamps) == 0 {
		return fmt.Errorf("no bars for %s in %s", asset, cfg.Data.Source)
	}
	logger.Info("Loaded bars",
		zap.String("source", cfg.Data.Source),
		zap.String("symbol", asset.Symbol),
		zap.Int("bars", len(timestamps)),
	)
	if gaps, err := engine.DetectGaps(timestamps, ecfg.Timeframe); err == nil && len(gaps) > 0 {
		logger.Info("Bar series has gaps; missing steps use the last known price",
			zap.Int("gaps", len(gaps)),
			zap.Time("first_gap_after", gaps[0]),
		)
	}

	if chImport && cfg.Data.Source != "clickhouse" {
		if err := importBars(ctx, cfg, asset, src.Bars(asset), logger); err != nil {
			return err
		}
	}

	player := schedule.NewPlayer(plan, logger)
	results, err := runner.New(cfg.Engine.MaxWorkers, logger).Run(ctx, []runner.Job{{
		ID:         ecfg.StrategyID,
		Config:     ecfg,
		Bars:       src,
		Timestamps: timestamps,
		Strategy:   player,
	}})
	if err != nil {
		return err
	}
	res := results[0]
	if res.Err != nil {
		return res.Err
	}
	e := res.Engine

	if cfg.Journal.SQLitePath != "" {
		store, err := journal.Open(ctx, cfg.Journal.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()
		runID := fmt.Sprintf("%s-%d", ecfg.StrategyID, time.Now().UnixMilli())
		if err := store.SaveRun(ctx, runID, e); err != nil {
			return err
		}
		logger.Info("Journaled run", zap.String("run_id", runID), zap.String("path", cfg.Journal.SQLitePath))
	}

	if arrowOut != "" {
		f, err := os.Create(arrowOut)
		if err != nil {
			return err
		}
		defer f.Close()
		p := arrowpipeline.NewPipeline(&arrowpipeline.Config{BatchSize: cfg.Arrow.BatchSize}, logger)
		if err := p.WriteFills(f, e.Events().Events); err != nil {
			return err
		}
	}

	report(e, player)
	return nil
}

func loadBars(ctx context.Context, cfg *config.Config, asset engine.Asset, logger *zap.Logger) (*engine.MemoryBars, error) {
	src := engine.NewMemoryBars()
	switch cfg.Data.Source {
	case "csv":
		bars, skipped, err := csvbars.ReadFile(cfg.Data.Path)
		if err != nil {
			return nil, err
		}
		if skipped > 0 {
			logger.Warn("Skipped malformed CSV rows", zap.Int("rows", skipped))
		}
		src.Add(asset, bars...)
	case "parquet":
		bars, err := parquetbars.ReadSymbol(cfg.Data.Path, asset.Symbol)
		if err != nil {
			return nil, err
		}
		src.Add(asset, bars...)
	case "arrow":
		f, err := os.Open(cfg.Data.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		series, err := arrowpipeline.NewPipeline(&arrowpipeline.Config{BatchSize: cfg.Arrow.BatchSize}, logger).ReadBars(f)
		if err != nil {
			return nil, err
		}
		src.Add(asset, series[asset.Symbol]...)
	case "clickhouse":
		store, err := openClickHouse(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		from, to, err := cfg.Data.Range()
		if err != nil {
			return nil, err
		}
		if to.IsZero() {
			to = time.Now().UTC()
		}
		if _, err := store.Preload(ctx, src, asset, engine.Timeframe(cfg.Engine.Timeframe), from, to); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown data source %q", cfg.Data.Source)
	}
	return src, nil
}

func openClickHouse(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*clickhouse.Store, error) {
	return clickhouse.Open(ctx, clickhouse.Options{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Table:    cfg.ClickHouse.Table,
		User:     cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
		Logger:   logger,
	})
}

func importBars(ctx context.Context, cfg *config.Config, asset engine.Asset, bars []engine.Bar, logger *zap.Logger) error {
	store, err := openClickHouse(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	n, err := store.InsertBars(ctx, asset, engine.Timeframe(cfg.Engine.Timeframe), bars, cfg.Arrow.BatchSize)
	if err != nil {
		return err
	}
	logger.Info("Imported bars into ClickHouse", zap.Int("rows", n))
	return nil
}

func report(e *engine.Engine, player *schedule.Player) {
	fmt.Printf("strategy:        %s\n", e.StrategyID())
	fmt.Printf("cash:            %s\n", e.Cash())
	fmt.Printf("portfolio value: %s\n", e.PortfolioValue())

	positions := e.Positions()
	sort.Slice(positions, func(i, j int) bool { return positions[i].Asset.Key() < positions[j].Asset.Key() })
	for _, p := range positions {
		fmt.Printf("position %-12s qty=%s avg=%s realized=%s\n", p.Asset, p.Quantity, p.AvgFillPrice, p.RealizedPnl)
	}

	counts := make(map[engine.OrderStatus]int)
	for _, o := range e.Orders() {
		counts[o.Status]++
	}
	for _, s := range []engine.OrderStatus{engine.StatusFilled, engine.StatusCanceled, engine.StatusError, engine.StatusSubmitted} {
		if counts[s] > 0 {
			fmt.Printf("orders %-10s %d\n", s, counts[s])
		}
	}
	for _, line := range player.Callbacks {
		fmt.Println("  " + line)
	}
}
