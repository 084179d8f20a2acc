package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"backtest-fillsim/services/engine"
)

var t0 = time.Date(2024, 2, 1, 15, 0, 0, 0, time.UTC)

type buyOnce struct {
	asset engine.Asset
	qty   string
	done  bool
}

func (s *buyOnce) OnBar(ctx context.Context, e *engine.Engine, _ time.Time) error {
	if s.done {
		return nil
	}
	s.done = true
	e.SubmitOrder(ctx, engine.NewOrder(e.StrategyID(), s.asset, engine.SideBuy, engine.D(s.qty), engine.Market{}))
	return nil
}

type failing struct{}

func (failing) OnBar(context.Context, *engine.Engine, time.Time) error {
	return errors.New("boom")
}

func series(asset engine.Asset, n int) (*engine.MemoryBars, []time.Time) {
	src := engine.NewMemoryBars()
	var ts []time.Time
	for i := 0; i < n; i++ {
		p := engine.D(fmt.Sprint(100 + i))
		at := t0.Add(time.Duration(i) * time.Minute)
		src.Add(asset, engine.Bar{Timestamp: at, Open: p, High: p, Low: p, Close: p, Volume: engine.D("10")})
		ts = append(ts, at)
	}
	return src, ts
}

func TestRunIsolatesLedgers(t *testing.T) {
	spy := engine.Stock("SPY")
	src, ts := series(spy, 4)

	var jobs []Job
	for i := 1; i <= 8; i++ {
		jobs = append(jobs, Job{
			ID:         fmt.Sprintf("job-%d", i),
			Config:     engine.Config{InitialCash: engine.D("10000")},
			Bars:       src,
			Timestamps: ts,
			Strategy:   &buyOnce{asset: spy, qty: fmt.Sprint(i)},
		})
	}

	results, err := New(3, nil).Run(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		qty := i + 1
		if r.Err != nil {
			t.Fatalf("%s: %v", r.JobID, r.Err)
		}
		if r.JobID != jobs[i].ID || r.Engine.StrategyID() != jobs[i].ID {
			t.Fatalf("result %d belongs to %s/%s", i, r.JobID, r.Engine.StrategyID())
		}
		// market order submitted after bar 0 fills at the open of bar 1 (101)
		want := engine.D("10000").Sub(engine.D("101").Mul(engine.D(fmt.Sprint(qty))))
		if !r.Cash.Equal(want) {
			t.Fatalf("%s cash = %s, want %s", r.JobID, r.Cash, want)
		}
		if r.Fills != 1 {
			t.Fatalf("%s fills = %d, want 1", r.JobID, r.Fills)
		}
	}
}

func TestRunKeepsGoingAfterJobError(t *testing.T) {
	spy := engine.Stock("SPY")
	src, ts := series(spy, 3)
	jobs := []Job{
		{ID: "bad", Config: engine.Config{InitialCash: engine.D("1000")}, Bars: src, Timestamps: ts, Strategy: failing{}},
		{ID: "good", Config: engine.Config{InitialCash: engine.D("1000")}, Bars: src, Timestamps: ts, Strategy: &buyOnce{asset: spy, qty: "1"}},
	}
	results, err := New(1, nil).Run(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err == nil {
		t.Fatal("expected error from failing job")
	}
	if results[1].Err != nil || results[1].Fills != 1 {
		t.Fatalf("good job = %+v", results[1])
	}
}

func TestRunCanceled(t *testing.T) {
	spy := engine.Stock("SPY")
	src, ts := series(spy, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(2, nil).Run(ctx, []Job{{ID: "x", Bars: src, Timestamps: ts}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
