package engine

import "time"

// DetectGaps returns the timestamps after which the next bar is more than one
// timeframe step away. timestamps must be sorted. Steps inside a gap fall back
// to the last known price when an order needs market data there.
func DetectGaps(timestamps []time.Time, tf Timeframe) ([]time.Time, error) {
	step, err := tf.Duration()
	if err != nil {
		return nil, err
	}
	var gaps []time.Time
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i].Sub(timestamps[i-1]) > step {
			gaps = append(gaps, timestamps[i-1])
		}
	}
	return gaps, nil
}
