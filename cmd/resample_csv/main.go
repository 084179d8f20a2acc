package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"backtest-fillsim/services/csvbars"
)

func parseDurMin(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "min"), "m")
	// plain number means minutes
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported duration: %s", s)
	}
	return int64(n), nil
}

func main() {
	in := flag.String("in", "", "Input CSV (timestamp,open,high,low,close,volume)")
	out := flag.String("out", "", "Output CSV path")
	src := flag.String("src", "5m", "Source cadence (e.g., 5m)")
	dst := flag.String("dst", "15m", "Target cadence (e.g., 15m)")
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "-in and -out are required")
		os.Exit(2)
	}
	srcMin, err := parseDurMin(*src)
	if err != nil {
		fatal(err)
	}
	dstMin, err := parseDurMin(*dst)
	if err != nil {
		fatal(err)
	}
	if dstMin%srcMin != 0 {
		fatal(fmt.Errorf("dst must be a multiple of src"))
	}

	bars, skipped, err := csvbars.ReadFile(*in)
	if err != nil {
		fatal(err)
	}
	agg, err := csvbars.Resample(bars, time.Duration(dstMin)*time.Minute)
	if err != nil {
		fatal(err)
	}

	f, err := os.Create(*out)
	if err != nil {
		fatal(err)
	}
	defer f.Close()
	if err := csvbars.Write(f, agg); err != nil {
		fatal(err)
	}
	fmt.Printf("Resampled %d rows (%d skipped) from %s to %d rows at %s -> %s\n", len(bars), skipped, *src, len(agg), *dst, *out)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "resample:", err)
	os.Exit(1)
}
