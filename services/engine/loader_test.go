package engine

import (
	"testing"
	"time"
)

func TestDetectGaps(t *testing.T) {
	ts := []time.Time{at(0), at(1), at(2), at(5), at(6), at(9)}
	gaps, err := DetectGaps(ts, TF1m)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 2 || !gaps[0].Equal(at(2)) || !gaps[1].Equal(at(6)) {
		t.Fatalf("gaps = %v, want [%s %s]", gaps, at(2), at(6))
	}

	if gaps, _ := DetectGaps(ts, TF5m); len(gaps) != 0 {
		t.Fatalf("5m gaps = %v, want none", gaps)
	}
	if _, err := DetectGaps(ts, "3m"); err == nil {
		t.Fatal("expected error for unknown timeframe")
	}
}
