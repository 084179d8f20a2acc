// Package schedule drives the engine from a scripted order plan instead of a
// strategy. Plans are YAML files (or JSON request bodies) listing the orders
// to submit, cancel or close at given bars.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"backtest-fillsim/services/engine"
)

type Action string

const (
	ActionSubmit Action = "submit"
	ActionCancel Action = "cancel"
	ActionClose  Action = "close"
)

// AssetSpec names an instrument. Empty fields fall back to the plan's
// default asset.
type AssetSpec struct {
	Symbol     string `yaml:"symbol" json:"symbol"`
	Class      string `yaml:"class" json:"class"`
	Multiplier string `yaml:"multiplier" json:"multiplier,omitempty"`
	Quote      string `yaml:"quote" json:"quote,omitempty"`
	Expiration string `yaml:"expiration" json:"expiration,omitempty"`
	Strike     string `yaml:"strike" json:"strike,omitempty"`
	Right      string `yaml:"right" json:"right,omitempty"`
}

// Legs are the exit prices of a bracket entry.
type Legs struct {
	TakeProfit    string `yaml:"take_profit" json:"take_profit,omitempty"`
	StopLoss      string `yaml:"stop_loss" json:"stop_loss,omitempty"`
	StopLossLimit string `yaml:"stop_loss_limit" json:"stop_loss_limit,omitempty"`
	TrailAmount   string `yaml:"trail_amount" json:"trail_amount,omitempty"`
	TrailPercent  string `yaml:"trail_percent" json:"trail_percent,omitempty"`
}

// Step is one scripted action. It runs after the bar with index Bar (counted
// from zero over processed bars) or the bar stamped At, whichever is set.
type Step struct {
	Bar    *int       `yaml:"bar" json:"bar,omitempty"`
	At     *time.Time `yaml:"at" json:"at,omitempty"`
	Action Action     `yaml:"action" json:"action"`
	Ref    string     `yaml:"ref" json:"ref,omitempty"`
	Asset  *AssetSpec `yaml:"asset" json:"asset,omitempty"`

	Side         string `yaml:"side" json:"side,omitempty"`
	Type         string `yaml:"type" json:"type,omitempty"`
	Quantity     string `yaml:"qty" json:"qty,omitempty"`
	LimitPrice   string `yaml:"limit_price" json:"limit_price,omitempty"`
	StopPrice    string `yaml:"stop_price" json:"stop_price,omitempty"`
	TrailAmount  string `yaml:"trail_amount" json:"trail_amount,omitempty"`
	TrailPercent string `yaml:"trail_percent" json:"trail_percent,omitempty"`
	Bracket      *Legs  `yaml:"bracket" json:"bracket,omitempty"`

	// Fraction of the position to close, default 1.
	Fraction string `yaml:"fraction" json:"fraction,omitempty"`
}

// Plan is a list of steps run in file order.
type Plan struct {
	StrategyID string    `yaml:"strategy_id" json:"strategy_id,omitempty"`
	Asset      AssetSpec `yaml:"asset" json:"asset"`
	Steps      []Step    `yaml:"steps" json:"steps"`
}

// Load reads and validates a YAML plan.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a YAML plan.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every step can be turned into an engine call. Engine-level
// order validation still happens at submission.
func (p *Plan) Validate() error {
	refs := make(map[string]bool)
	for i, s := range p.Steps {
		if (s.Bar == nil) == (s.At == nil) {
			return fmt.Errorf("step %d: exactly one of bar and at must be set", i)
		}
		if s.Bar != nil && *s.Bar < 0 {
			return fmt.Errorf("step %d: negative bar index", i)
		}
		switch s.Action {
		case ActionSubmit:
			if _, err := p.order(s); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			if s.Ref != "" {
				if refs[s.Ref] {
					return fmt.Errorf("step %d: duplicate ref %q", i, s.Ref)
				}
				refs[s.Ref] = true
			}
		case ActionCancel:
			if !refs[s.Ref] {
				return fmt.Errorf("step %d: cancel of unknown ref %q", i, s.Ref)
			}
		case ActionClose:
			if _, err := p.asset(s.Asset); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			if _, err := fraction(s.Fraction); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		default:
			return fmt.Errorf("step %d: unknown action %q", i, s.Action)
		}
	}
	return nil
}

func (p *Plan) asset(override *AssetSpec) (engine.Asset, error) {
	spec := p.Asset
	if override != nil {
		if override.Symbol != "" {
			spec = *override
		}
	}
	if spec.Symbol == "" {
		return engine.Asset{}, errors.New("asset symbol is required")
	}
	return spec.Build()
}

// Build converts the spec to an engine asset.
func (a AssetSpec) Build() (engine.Asset, error) {
	class, err := engine.ParseAssetClass(a.Class)
	if err != nil {
		return engine.Asset{}, err
	}
	asset := engine.Asset{Symbol: a.Symbol, Class: class}
	if class == engine.AssetOption {
		exp, err := time.Parse("2006-01-02", a.Expiration)
		if err != nil {
			return engine.Asset{}, fmt.Errorf("option expiration: %w", err)
		}
		strike, err := decimal.NewFromString(a.Strike)
		if err != nil {
			return engine.Asset{}, fmt.Errorf("option strike: %w", err)
		}
		asset = engine.Option(a.Symbol, exp, strike, a.Right)
	}
	if a.Multiplier != "" {
		m, err := decimal.NewFromString(a.Multiplier)
		if err != nil {
			return engine.Asset{}, fmt.Errorf("multiplier: %w", err)
		}
		asset.Multiplier = m
	}
	return asset, nil
}

// QuoteAsset returns the settlement asset of a pair-traded instrument.
func (a AssetSpec) QuoteAsset() *engine.Asset {
	if a.Quote == "" {
		return nil
	}
	q := engine.Asset{Symbol: a.Quote, Class: engine.AssetForex}
	if c, err := engine.ParseAssetClass(a.Class); err == nil && c == engine.AssetCrypto {
		q.Class = engine.AssetCrypto
	}
	return &q
}

// ParseSide accepts upper or lower case side names.
func ParseSide(s string) (engine.Side, error) {
	side := engine.Side(strings.ToUpper(strings.TrimSpace(s)))
	switch side {
	case engine.SideBuy, engine.SideSell, engine.SideBuyToOpen, engine.SideSellToOpen,
		engine.SideBuyToClose, engine.SideSellToClose, engine.SideSellShort, engine.SideBuyToCover:
		return side, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

func (p *Plan) order(s Step) (*engine.Order, error) {
	asset, err := p.asset(s.Asset)
	if err != nil {
		return nil, err
	}
	side, err := ParseSide(s.Side)
	if err != nil {
		return nil, err
	}
	qty, err := decimal.NewFromString(s.Quantity)
	if err != nil {
		return nil, fmt.Errorf("qty: %w", err)
	}
	spec, err := s.spec()
	if err != nil {
		return nil, err
	}
	o := engine.NewOrder(p.StrategyID, asset, side, qty, spec)
	o.Tag = s.Ref
	quote := p.Asset
	if s.Asset != nil && s.Asset.Symbol != "" {
		quote = *s.Asset
	}
	if q := quote.QuoteAsset(); q != nil {
		o.WithQuote(*q)
	}
	if s.Bracket != nil {
		legs, err := s.Bracket.build()
		if err != nil {
			return nil, err
		}
		o.WithBracket(legs)
	}
	return o, nil
}

func (s Step) spec() (engine.Spec, error) {
	switch strings.ToLower(s.Type) {
	case "", "market":
		return engine.Market{}, nil
	case "limit":
		p, err := decimal.NewFromString(s.LimitPrice)
		if err != nil {
			return nil, fmt.Errorf("limit_price: %w", err)
		}
		return engine.Limit{Price: p}, nil
	case "stop":
		p, err := decimal.NewFromString(s.StopPrice)
		if err != nil {
			return nil, fmt.Errorf("stop_price: %w", err)
		}
		return engine.Stop{Price: p}, nil
	case "stop_limit":
		stop, err := decimal.NewFromString(s.StopPrice)
		if err != nil {
			return nil, fmt.Errorf("stop_price: %w", err)
		}
		limit, err := decimal.NewFromString(s.LimitPrice)
		if err != nil {
			return nil, fmt.Errorf("limit_price: %w", err)
		}
		return engine.StopLimit{Stop: stop, Limit: limit}, nil
	case "trail":
		off, err := trailOffset(s.TrailAmount, s.TrailPercent)
		if err != nil {
			return nil, err
		}
		if off == nil {
			return nil, errors.New("trail order needs trail_amount or trail_percent")
		}
		return engine.Trail{Offset: *off}, nil
	}
	return nil, fmt.Errorf("unknown order type %q", s.Type)
}

func (l Legs) build() (engine.BracketLegs, error) {
	var legs engine.BracketLegs
	var err error
	if legs.TakeProfit, err = optional(l.TakeProfit, "take_profit"); err != nil {
		return legs, err
	}
	if legs.StopLoss, err = optional(l.StopLoss, "stop_loss"); err != nil {
		return legs, err
	}
	if legs.StopLossLimit, err = optional(l.StopLossLimit, "stop_loss_limit"); err != nil {
		return legs, err
	}
	if legs.Trail, err = trailOffset(l.TrailAmount, l.TrailPercent); err != nil {
		return legs, err
	}
	return legs, nil
}

func optional(s, field string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &v, nil
}

func trailOffset(amount, percent string) (*engine.TrailOffset, error) {
	switch {
	case amount != "" && percent != "":
		return nil, errors.New("trail_amount and trail_percent are exclusive")
	case amount != "":
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("trail_amount: %w", err)
		}
		off := engine.TrailAmount(v)
		return &off, nil
	case percent != "":
		v, err := decimal.NewFromString(percent)
		if err != nil {
			return nil, fmt.Errorf("trail_percent: %w", err)
		}
		off := engine.TrailPercent(v)
		return &off, nil
	}
	return nil, nil
}

func fraction(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.NewFromInt(1), nil
	}
	f, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fraction: %w", err)
	}
	if !f.IsPositive() || f.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("fraction %s must be in (0, 1]", f)
	}
	return f, nil
}

// Player replays a plan as an engine.Strategy. It also records the engine's
// fill and cancel callbacks so a run can be inspected afterwards.
type Player struct {
	plan   *Plan
	logger *zap.Logger
	bar    int
	refs   map[string]*engine.Order

	Callbacks []string
}

// NewPlayer returns a Player for p. A nil logger disables logging.
func NewPlayer(p *Plan, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{plan: p, logger: logger, refs: make(map[string]*engine.Order)}
}

// Order returns the order submitted under ref.
func (pl *Player) Order(ref string) *engine.Order { return pl.refs[ref] }

// OnBar runs every step scheduled for the current bar.
func (pl *Player) OnBar(ctx context.Context, e *engine.Engine, ts time.Time) error {
	idx := pl.bar
	pl.bar++
	for _, s := range pl.plan.Steps {
		if !s.due(idx, ts) {
			continue
		}
		if err := pl.run(ctx, e, s); err != nil {
			return fmt.Errorf("bar %d: %w", idx, err)
		}
	}
	return nil
}

func (s Step) due(idx int, ts time.Time) bool {
	if s.Bar != nil {
		return *s.Bar == idx
	}
	return s.At != nil && s.At.Equal(ts)
}

func (pl *Player) run(ctx context.Context, e *engine.Engine, s Step) error {
	switch s.Action {
	case ActionSubmit:
		o, err := pl.plan.order(s)
		if err != nil {
			return err
		}
		if o.StrategyID == "" {
			o.StrategyID = e.StrategyID()
		}
		if s.Ref != "" {
			pl.refs[s.Ref] = o
		}
		if !e.SubmitOrder(ctx, o) {
			pl.logger.Warn("Scheduled order rejected", zap.String("ref", s.Ref), zap.Error(o.Err))
		}
	case ActionCancel:
		o := pl.refs[s.Ref]
		if o == nil {
			return fmt.Errorf("cancel of unknown ref %q", s.Ref)
		}
		e.CancelOrder(o.ID)
	case ActionClose:
		asset, err := pl.plan.asset(s.Asset)
		if err != nil {
			return err
		}
		f, err := fraction(s.Fraction)
		if err != nil {
			return err
		}
		if o := e.ClosePosition(ctx, asset, f); o != nil && s.Ref != "" {
			pl.refs[s.Ref] = o
		}
	}
	return nil
}

func (pl *Player) OnOrderFilled(o *engine.Order, pos *engine.Position, price, qty, _ decimal.Decimal) {
	pl.Callbacks = append(pl.Callbacks, fmt.Sprintf("fill %s %s %s@%s pos=%s", label(o), o.Side, qty, price, pos.Quantity))
}

func (pl *Player) OnOrderCanceled(o *engine.Order) {
	pl.Callbacks = append(pl.Callbacks, "cancel "+label(o))
}

func label(o *engine.Order) string {
	if o.Tag != "" {
		return o.Tag
	}
	return o.ID
}
