// Package runner executes independent backtest jobs concurrently. Each job
// owns its Engine and Ledger; nothing is shared between jobs except the
// read-only bar provider.
package runner

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backtest-fillsim/services/engine"
)

// Job is one strategy run.
type Job struct {
	ID         string
	Config     engine.Config
	Bars       engine.BarProvider
	Timestamps []time.Time
	Strategy   engine.Strategy
}

// Result is the outcome of a Job. Err is set when the run stopped early; the
// engine still holds whatever state it reached.
type Result struct {
	JobID    string
	Engine   *engine.Engine
	Cash     decimal.Decimal
	Value    decimal.Decimal
	Fills    int
	Err      error
	Duration time.Duration
}

// Runner bounds the number of jobs running at once.
type Runner struct {
	workers int
	logger  *zap.Logger
}

// New returns a Runner with the given worker limit. Zero or negative means
// GOMAXPROCS.
func New(workers int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{workers: workers, logger: logger}
}

// Run executes jobs and returns their results in input order. A failing job
// does not stop the others; only cancellation of ctx does.
func (r *Runner) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	results := make([]Result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runJob(gctx, job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (r *Runner) runJob(ctx context.Context, job Job) Result {
	start := time.Now()
	cfg := job.Config
	if cfg.Logger == nil {
		cfg.Logger = r.logger
	}
	if cfg.StrategyID == "" {
		cfg.StrategyID = job.ID
	}
	e := engine.New(cfg, job.Bars)

	res := Result{JobID: job.ID, Engine: e}
	if err := e.Run(ctx, job.Timestamps, job.Strategy); err != nil {
		res.Err = fmt.Errorf("job %s: %w", job.ID, err)
		r.logger.Error("Backtest job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	res.Cash = e.Cash()
	res.Value = e.PortfolioValue()
	res.Fills = len(e.Events().Fills())
	res.Duration = time.Since(start)

	r.logger.Info("Backtest job finished",
		zap.String("job_id", job.ID),
		zap.String("cash", res.Cash.String()),
		zap.Int("fills", res.Fills),
		zap.Duration("duration", res.Duration),
	)
	return res
}
