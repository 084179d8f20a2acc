package engine

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Duration returns the bar length.
func (tf Timeframe) Duration() (time.Duration, error) {
	switch tf {
	case TF1m:
		return time.Minute, nil
	case TF5m:
		return 5 * time.Minute, nil
	case TF15m:
		return 15 * time.Minute, nil
	case TF1h:
		return time.Hour, nil
	case TF4h:
		return 4 * time.Hour, nil
	case TF1d:
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown timeframe %q", tf)
}

// BarProvider supplies the bar of an asset at a simulated time. GetBar
// returns (nil, nil) only when no data exists for that step; errors are
// reserved for failures of the underlying store.
type BarProvider interface {
	GetBar(ctx context.Context, asset Asset, ts time.Time, tf Timeframe) (*Bar, error)
}

// MemoryBars is an in-memory BarProvider keyed by asset. Bars are matched on
// exact timestamp.
type MemoryBars struct {
	series map[string][]Bar
}

func NewMemoryBars() *MemoryBars {
	return &MemoryBars{series: make(map[string][]Bar)}
}

// Add stores bars for an asset, replacing bars with the same timestamp.
func (m *MemoryBars) Add(asset Asset, bars ...Bar) {
	key := asset.Key()
	merged := make(map[int64]Bar, len(m.series[key])+len(bars))
	for _, b := range m.series[key] {
		merged[b.Timestamp.UnixNano()] = b
	}
	for _, b := range bars {
		merged[b.Timestamp.UnixNano()] = b
	}
	out := make([]Bar, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	m.series[key] = out
}

func (m *MemoryBars) GetBar(_ context.Context, asset Asset, ts time.Time, _ Timeframe) (*Bar, error) {
	bars := m.series[asset.Key()]
	i := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(ts) })
	if i < len(bars) && bars[i].Timestamp.Equal(ts) {
		b := bars[i]
		return &b, nil
	}
	return nil, nil
}

// Bars returns the stored series for an asset.
func (m *MemoryBars) Bars(asset Asset) []Bar {
	return m.series[asset.Key()]
}

// Timestamps returns the sorted union of bar times across all symbols.
func (m *MemoryBars) Timestamps() []time.Time {
	seen := make(map[int64]time.Time)
	for _, bars := range m.series {
		for _, b := range bars {
			seen[b.Timestamp.UnixNano()] = b.Timestamp
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
