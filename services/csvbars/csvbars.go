// Package csvbars reads and writes timestamp,open,high,low,close[,volume]
// files. UTF-16 exports with a byte order mark are decoded transparently.
package csvbars

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"backtest-fillsim/services/engine"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// decodeReader wraps r so UTF-16 input is read as UTF-8.
func decodeReader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, _ := br.Peek(2); len(b) >= 2 && ((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF)) {
		return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	}
	return br
}

// Read parses bars from r, skipping a header row and malformed lines. The
// result is sorted by timestamp. skipped counts dropped data lines.
func Read(r io.Reader) (bars []engine.Bar, skipped int, err error) {
	cr := csv.NewReader(decodeReader(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	for line := 0; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if len(rec) < 5 {
			skipped++
			continue
		}
		first := strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff"))
		if line == 0 && isHeader(first) {
			continue
		}
		b, err := parseRow(first, rec[1:])
		if err != nil {
			skipped++
			continue
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, skipped, nil
}

// ReadFile is Read on a file path.
func ReadFile(path string) ([]engine.Bar, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return Read(f)
}

func isHeader(s string) bool {
	s = strings.ToLower(s)
	return s == "timestamp" || s == "timestamp_ms" || s == "time" || s == "date" || s == "datetime"
}

func parseRow(ts string, fields []string) (engine.Bar, error) {
	t, err := ParseTimestamp(ts)
	if err != nil {
		return engine.Bar{}, err
	}
	vals := make([]decimal.Decimal, 5)
	for i := 0; i < 5 && i < len(fields); i++ {
		s := strings.TrimSpace(strings.Trim(fields[i], `"`))
		if s == "" && i == 4 {
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return engine.Bar{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		vals[i] = d
	}
	b := engine.Bar{Timestamp: t, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}
	if b.High.LessThan(b.Low) {
		return engine.Bar{}, fmt.Errorf("high %s below low %s", b.High, b.Low)
	}
	return b, nil
}

// ParseTimestamp accepts Unix seconds, Unix milliseconds or a date-time
// string. Numeric values above 1e11 are taken as milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Write emits bars with a header and millisecond timestamps.
func Write(w io.Writer, bars []engine.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, b := range bars {
		rec := []string{
			strconv.FormatInt(b.Timestamp.UnixMilli(), 10),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String(),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Resample aggregates sorted bars into buckets of the given length aligned to
// the Unix epoch: first open, max high, min low, last close, summed volume.
func Resample(bars []engine.Bar, bucket time.Duration) ([]engine.Bar, error) {
	if bucket < time.Millisecond {
		return nil, fmt.Errorf("invalid bucket %s", bucket)
	}
	var out []engine.Bar
	ms := bucket.Milliseconds()
	for _, b := range bars {
		start := time.UnixMilli(b.Timestamp.UnixMilli() / ms * ms).UTC()
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(start) {
			agg := &out[n-1]
			if b.High.GreaterThan(agg.High) {
				agg.High = b.High
			}
			if b.Low.LessThan(agg.Low) {
				agg.Low = b.Low
			}
			agg.Close = b.Close
			agg.Volume = agg.Volume.Add(b.Volume)
			continue
		}
		nb := b
		nb.Timestamp = start
		out = append(out, nb)
	}
	return out, nil
}
