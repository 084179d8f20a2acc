package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"backtest-fillsim/services/config"
	"backtest-fillsim/services/engine"
	"backtest-fillsim/services/journal"
	"backtest-fillsim/services/runner"
	"backtest-fillsim/services/schedule"
)

// Service runs backtest requests and keeps their results in memory.
type Service struct {
	cfg     *config.Config
	runner  *runner.Runner
	journal *journal.Store
	logger  *zap.Logger
	timeout time.Duration

	mu   sync.RWMutex
	jobs map[string]BacktestResultResponse
}

// Options configures a Service. Journal may be nil.
type Options struct {
	Config  *config.Config
	Journal *journal.Store
	Logger  *zap.Logger
	Timeout time.Duration
}

func NewService(opts Options) *Service {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		cfg:     opts.Config,
		runner:  runner.New(opts.Config.Engine.MaxWorkers, opts.Logger),
		journal: opts.Journal,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		jobs:    make(map[string]BacktestResultResponse),
	}
}

// RunBacktest executes req synchronously and stores the outcome under a new
// job id.
func (s *Service) RunBacktest(ctx context.Context, req BacktestRunRequest) BacktestRunResponse {
	jobID := uuid.NewString()
	start := time.Now()

	job, player, apiErr := s.buildJob(jobID, req)
	if apiErr != nil {
		s.logger.Warn("Backtest request rejected", zap.String("job_id", jobID), zap.Error(apiErr))
		return BacktestRunResponse{JobID: jobID, Status: StatusFailed, Error: apiErr}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info("Starting backtest",
		zap.String("job_id", jobID),
		zap.String("symbol", req.Asset.Symbol),
		zap.Int("bars", len(job.Timestamps)),
		zap.Int("steps", len(req.Steps)),
	)
	results, err := s.runner.Run(ctx, []runner.Job{job})
	if err != nil {
		apiErr := ErrExecutionFailed.With(err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			apiErr = ErrTimeout.With(err.Error())
		}
		s.store(BacktestResultResponse{JobID: jobID, Status: StatusFailed, Error: apiErr})
		return BacktestRunResponse{JobID: jobID, Status: StatusFailed, Error: apiErr}
	}

	res := results[0]
	out := BacktestResultResponse{JobID: jobID, Status: StatusCompleted, Results: view(res.Engine, player)}
	out.Results.ExecutionMs = time.Since(start).Milliseconds()
	if res.Err != nil {
		out.Status = StatusFailed
		out.Error = ErrExecutionFailed.With(res.Err.Error())
		if errors.Is(res.Err, context.DeadlineExceeded) {
			out.Error = ErrTimeout.With(res.Err.Error())
		}
	}
	if s.journal != nil {
		if err := s.journal.SaveRun(ctx, jobID, res.Engine); err != nil {
			s.logger.Warn("Failed to journal backtest", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	s.store(out)

	s.logger.Info("Backtest completed",
		zap.String("job_id", jobID),
		zap.String("status", out.Status),
		zap.Duration("execution_time", time.Since(start)),
	)
	return BacktestRunResponse{JobID: jobID, Status: out.Status, Error: out.Error}
}

// GetResult returns the stored outcome of a job.
func (s *Service) GetResult(jobID string) (BacktestResultResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.jobs[jobID]
	return r, ok
}

func (s *Service) store(r BacktestResultResponse) {
	s.mu.Lock()
	s.jobs[r.JobID] = r
	s.mu.Unlock()
}

func (s *Service) buildJob(jobID string, req BacktestRunRequest) (runner.Job, *schedule.Player, *APIError) {
	cfg, err := s.cfg.EngineConfig(s.logger)
	if err != nil {
		return runner.Job{}, nil, ErrInvalidParams.With(err.Error())
	}
	cfg.StrategyID = jobID
	if req.StrategyID != "" {
		cfg.StrategyID = req.StrategyID
	}
	if req.Timeframe != "" {
		tf := engine.Timeframe(req.Timeframe)
		if _, err := tf.Duration(); err != nil {
			return runner.Job{}, nil, ErrInvalidParams.With(err.Error())
		}
		cfg.Timeframe = tf
	}
	if req.InitialCash != "" {
		cash, err := decimal.NewFromString(req.InitialCash)
		if err != nil || !cash.IsPositive() {
			return runner.Job{}, nil, ErrInvalidParams.With(fmt.Sprintf("initial_cash %q", req.InitialCash))
		}
		cfg.InitialCash = cash
	}
	if req.BuyFee != nil || req.SellFee != nil {
		fees, _ := cfg.Fees.(engine.Fees)
		if req.BuyFee != nil {
			if fees.Buy, err = req.BuyFee.Schedule("buy_fee"); err != nil {
				return runner.Job{}, nil, ErrInvalidParams.With(err.Error())
			}
		}
		if req.SellFee != nil {
			if fees.Sell, err = req.SellFee.Schedule("sell_fee"); err != nil {
				return runner.Job{}, nil, ErrInvalidParams.With(err.Error())
			}
		}
		cfg.Fees = fees
	}

	if req.Asset.Symbol == "" {
		return runner.Job{}, nil, ErrInvalidParams.With("asset.symbol is required")
	}
	asset, err := req.Asset.Build()
	if err != nil {
		return runner.Job{}, nil, ErrInvalidParams.With(err.Error())
	}
	if len(req.Bars) == 0 {
		return runner.Job{}, nil, ErrDataNotFound.With("request carries no bars")
	}
	src := engine.NewMemoryBars()
	for i, in := range req.Bars {
		b, err := in.bar()
		if err != nil {
			return runner.Job{}, nil, ErrInvalidParams.With(fmt.Sprintf("bars[%d]: %v", i, err))
		}
		src.Add(asset, b)
	}

	plan := &schedule.Plan{StrategyID: cfg.StrategyID, Asset: req.Asset, Steps: req.Steps}
	if err := plan.Validate(); err != nil {
		return runner.Job{}, nil, ErrInvalidSchedule.With(err.Error())
	}
	player := schedule.NewPlayer(plan, s.logger)

	return runner.Job{
		ID:         jobID,
		Config:     cfg,
		Bars:       src,
		Timestamps: src.Timestamps(),
		Strategy:   player,
	}, player, nil
}

func (in BarInput) bar() (engine.Bar, error) {
	var b engine.Bar
	if in.Timestamp.IsZero() {
		return b, errors.New("missing ts")
	}
	b.Timestamp = in.Timestamp.UTC()
	fields := []struct {
		name string
		in   string
		out  *decimal.Decimal
	}{
		{"open", in.Open, &b.Open},
		{"high", in.High, &b.High},
		{"low", in.Low, &b.Low},
		{"close", in.Close, &b.Close},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.in)
		if err != nil {
			return b, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.out = v
	}
	if in.Volume != "" {
		v, err := decimal.NewFromString(in.Volume)
		if err != nil {
			return b, fmt.Errorf("volume: %w", err)
		}
		b.Volume = v
	}
	if b.High.LessThan(b.Low) {
		return b, fmt.Errorf("high %s below low %s", b.High, b.Low)
	}
	return b, nil
}

func view(e *engine.Engine, player *schedule.Player) *BacktestResult {
	r := &BacktestResult{
		StrategyID:     e.StrategyID(),
		Cash:           e.Cash().String(),
		PortfolioValue: e.PortfolioValue().String(),
		Callbacks:      player.Callbacks,
	}
	for _, p := range e.Positions() {
		r.Positions = append(r.Positions, PositionView{
			Symbol:       p.Asset.String(),
			Quantity:     p.Quantity.String(),
			AvgFillPrice: p.AvgFillPrice.String(),
			RealizedPnl:  p.RealizedPnl.String(),
		})
	}
	for _, o := range e.Orders() {
		ov := OrderView{
			ID:       o.ID,
			Tag:      o.Tag,
			Symbol:   o.Asset.String(),
			Side:     string(o.Side),
			Type:     string(o.Type()),
			Class:    string(o.Class),
			Quantity: o.Quantity.String(),
			Status:   string(o.Status),
		}
		if o.Status == engine.StatusFilled {
			ov.AvgFillPrice = o.AvgFillPrice().String()
			ov.TradeCost = o.TradeCost.String()
		}
		if o.Err != nil {
			ov.Error = o.Err.Error()
		}
		r.Orders = append(r.Orders, ov)
	}
	for _, f := range e.Events().Fills() {
		r.Fills = append(r.Fills, FillView{
			Timestamp: f.Ts,
			OrderID:   f.OrderID,
			Side:      string(f.Side),
			Price:     f.Price.String(),
			Quantity:  f.Quantity.String(),
			Fee:       f.Fee.String(),
		})
	}
	for _, b := range e.Brackets() {
		bv := BracketView{ParentID: b.ParentID, ProfitID: b.ProfitID, StopID: b.StopID, State: string(b.State)}
		for _, h := range b.History {
			bv.History = append(bv.History, string(h))
		}
		r.Brackets = append(r.Brackets, bv)
	}
	return r
}
