package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		in   string
		want Granularity
		dur  time.Duration
	}{
		{"1m", OneMinute, time.Minute},
		{"FIVE_MINUTE", FiveMinutes, 5 * time.Minute},
		{"15m", FifteenMinutes, 15 * time.Minute},
		{"ONE_HOUR", OneHour, time.Hour},
		{"6h", SixHours, 6 * time.Hour},
		{"daily", OneDay, 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseGranularity(tt.in)
		if err != nil {
			t.Fatalf("ParseGranularity(%q) returned error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseGranularity(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got.Duration() != tt.dur {
			t.Errorf("%q.Duration() = %v, want %v", got, got.Duration(), tt.dur)
		}
	}

	if _, err := ParseGranularity("2w"); err == nil {
		t.Error("ParseGranularity(\"2w\") should fail")
	}
}

func TestSignalVariants(t *testing.T) {
	signals := []Signal{
		EntrySignal{Name: "ma", Asset: "BTC-USD", Side: SideBuy, TrailATRMultiple: Float(1.5)},
		RebalanceSignal{Name: "rebal", Weights: map[string]float64{"BTC-USD": 1}},
		ErrorSignal{Name: "broken", Message: "boom"},
	}

	var entries, rebalances, errs int
	for _, s := range signals {
		switch sig := s.(type) {
		case EntrySignal:
			entries++
			if *sig.TrailATRMultiple != 1.5 {
				t.Errorf("TrailATRMultiple = %v, want 1.5", *sig.TrailATRMultiple)
			}
		case RebalanceSignal:
			rebalances++
		case ErrorSignal:
			errs++
		}
	}
	if entries != 1 || rebalances != 1 || errs != 1 {
		t.Errorf("variant counts = %d/%d/%d, want 1/1/1", entries, rebalances, errs)
	}
	if signals[2].Source() != "broken" {
		t.Errorf("Source() = %q, want %q", signals[2].Source(), "broken")
	}
}

func TestPositionInitialRisk(t *testing.T) {
	long := Position{Side: PositionSideLong, EntryPrice: 100, InitialStop: 90, Stop: 99}
	if got := long.InitialRisk(); got != 10 {
		t.Errorf("long InitialRisk() = %v, want 10", got)
	}
	short := Position{Side: PositionSideShort, EntryPrice: 100, InitialStop: 104}
	if got := short.InitialRisk(); got != 4 {
		t.Errorf("short InitialRisk() = %v, want 4", got)
	}
}

func TestInsufficientDataError(t *testing.T) {
	var err error = fmt.Errorf("loading: %w", &InsufficientDataError{Assets: []string{"ETH-USD"}, Reason: "no bars"})

	var ide *InsufficientDataError
	if !errors.As(err, &ide) {
		t.Fatal("errors.As failed to match InsufficientDataError")
	}
	if ide.Error() != "insufficient data for ETH-USD: no bars" {
		t.Errorf("Error() = %q", ide.Error())
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Side.Opposite() mismatch")
	}
}
