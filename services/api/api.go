// Package api holds the HTTP surface of the backtest service: request and
// response types, the error taxonomy and the gin handlers.
package api

import (
	"time"

	"backtest-fillsim/services/config"
	"backtest-fillsim/services/schedule"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details == "" {
		return e.Code + ": " + e.Message
	}
	return e.Code + ": " + e.Message + ": " + e.Details
}

// With returns a copy of e carrying details.
func (e APIError) With(details string) *APIError {
	e.Details = details
	return &e
}

var (
	ErrInvalidParams   = APIError{Code: "INVALID_PARAMS", Message: "Invalid parameters provided"}
	ErrInvalidSchedule = APIError{Code: "INVALID_SCHEDULE", Message: "Order schedule is invalid"}
	ErrDataNotFound    = APIError{Code: "DATA_NOT_FOUND", Message: "Required data not available"}
	ErrExecutionFailed = APIError{Code: "EXECUTION_FAILED", Message: "Backtest execution failed"}
	ErrJobNotFound     = APIError{Code: "JOB_NOT_FOUND", Message: "No backtest with this id"}
	ErrTimeout         = APIError{Code: "TIMEOUT", Message: "Operation timed out"}
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// BarInput is one OHLCV bar with decimal string prices.
type BarInput struct {
	Timestamp time.Time `json:"ts"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    string    `json:"volume"`
}

// BacktestRunRequest runs a scripted order plan over inline bars of a single
// asset. Empty engine settings fall back to the server configuration.
type BacktestRunRequest struct {
	StrategyID  string             `json:"strategy_id"`
	Asset       schedule.AssetSpec `json:"asset"`
	Timeframe   string             `json:"timeframe"`
	InitialCash string             `json:"initial_cash"`
	BuyFee      *config.Fee        `json:"buy_fee,omitempty"`
	SellFee     *config.Fee        `json:"sell_fee,omitempty"`
	Bars        []BarInput         `json:"bars"`
	Steps       []schedule.Step    `json:"steps"`
}

type BacktestRunResponse struct {
	JobID  string    `json:"job_id"`
	Status string    `json:"status"`
	Error  *APIError `json:"error,omitempty"`
}

type BacktestResultResponse struct {
	JobID   string          `json:"job_id"`
	Status  string          `json:"status"`
	Results *BacktestResult `json:"results,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

type BacktestResult struct {
	StrategyID     string         `json:"strategy_id"`
	Cash           string         `json:"cash"`
	PortfolioValue string         `json:"portfolio_value"`
	Positions      []PositionView `json:"positions"`
	Orders         []OrderView    `json:"orders"`
	Fills          []FillView     `json:"fills"`
	Brackets       []BracketView  `json:"brackets,omitempty"`
	Callbacks      []string       `json:"callbacks,omitempty"`
	ExecutionMs    int64          `json:"execution_ms"`
}

type PositionView struct {
	Symbol       string `json:"symbol"`
	Quantity     string `json:"quantity"`
	AvgFillPrice string `json:"avg_fill_price"`
	RealizedPnl  string `json:"realized_pnl"`
}

type OrderView struct {
	ID           string `json:"id"`
	Tag          string `json:"tag,omitempty"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Class        string `json:"class"`
	Quantity     string `json:"quantity"`
	Status       string `json:"status"`
	AvgFillPrice string `json:"avg_fill_price,omitempty"`
	TradeCost    string `json:"trade_cost,omitempty"`
	Error        string `json:"error,omitempty"`
}

type FillView struct {
	Timestamp time.Time `json:"ts"`
	OrderID   string    `json:"order_id"`
	Side      string    `json:"side"`
	Price     string    `json:"price"`
	Quantity  string    `json:"quantity"`
	Fee       string    `json:"fee"`
}

type BracketView struct {
	ParentID string   `json:"parent_id"`
	ProfitID string   `json:"profit_id,omitempty"`
	StopID   string   `json:"stop_id,omitempty"`
	State    string   `json:"state"`
	History  []string `json:"history"`
}
