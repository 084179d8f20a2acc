package main

import "testing"

func TestParseDurMin(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"5m", 5, true},
		{"15min", 15, true},
		{" 60 ", 60, true},
		{"1h", 0, false},
		{"0m", 0, false},
	}
	for _, tc := range cases {
		got, err := parseDurMin(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("parseDurMin(%q) = %d, %v", tc.in, got, err)
		}
	}
}
