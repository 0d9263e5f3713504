package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

var _ ResultWriter = CSVResultWriter{}

const dateLayout = "2006-01-02"

var (
	tradeHeader  = []string{"open_ts", "close_ts", "asset", "strategy", "side", "qty", "entry_price", "stop_price", "target_price", "exit_price", "exit_reason", "r_multiple", "pnl_usd"}
	equityHeader = []string{"timestamp", "equity"}
	dailyHeader  = []string{"date", "equity"}
	fillHeader   = []string{"timestamp", "asset", "strategy", "kind", "side", "qty", "reference_price", "fill_price", "notional"}
)

// CSVResultWriter writes run outputs as CSV files. Floats are written in
// shortest round-trip form so reloading loses no precision.
type CSVResultWriter struct{}

// Format returns "csv".
func (CSVResultWriter) Format() string { return "csv" }

// WriteRun writes trades.csv, equity.csv, daily.csv, and fills.csv under dir.
func (CSVResultWriter) WriteRun(_ context.Context, dir string, out *RunOutput) (Artifacts, error) {
	a := artifactPaths(dir, "csv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return a, err
	}

	trades := make([][]string, 0, len(out.Trades))
	for _, t := range out.Trades {
		trades = append(trades, []string{
			formatTime(t.OpenTS), formatTime(t.CloseTS), t.Asset, t.Strategy, string(t.Side),
			formatFloat(t.Qty), formatFloat(t.Entry), formatFloat(t.Stop), formatFloat(t.Target),
			formatFloat(t.Exit), string(t.ExitReason), formatFloat(t.RMultiple), formatFloat(t.PnL),
		})
	}
	if err := writeCSV(a.Trades, tradeHeader, trades); err != nil {
		return a, fmt.Errorf("writing trades: %w", err)
	}

	equity := make([][]string, 0, len(out.Equity))
	for _, p := range out.Equity {
		equity = append(equity, []string{formatTime(p.Timestamp), formatFloat(p.Equity)})
	}
	if err := writeCSV(a.Equity, equityHeader, equity); err != nil {
		return a, fmt.Errorf("writing equity: %w", err)
	}

	daily := make([][]string, 0, len(out.Daily))
	for _, p := range out.Daily {
		daily = append(daily, []string{p.Timestamp.UTC().Format(dateLayout), formatFloat(p.Equity)})
	}
	if err := writeCSV(a.Daily, dailyHeader, daily); err != nil {
		return a, fmt.Errorf("writing daily: %w", err)
	}

	fills := make([][]string, 0, len(out.Fills))
	for _, f := range out.Fills {
		fills = append(fills, []string{
			formatTime(f.Timestamp), f.Asset, f.Strategy, string(f.Kind), string(f.Side),
			formatFloat(f.Qty), formatFloat(f.Reference), formatFloat(f.Price), formatFloat(f.Notional),
		})
	}
	if err := writeCSV(a.Fills, fillHeader, fills); err != nil {
		return a, fmt.Errorf("writing fills: %w", err)
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// Readers
// ---------------------------------------------------------------------------

// ReadEquityCSV loads a full equity curve (timestamp, equity).
func ReadEquityCSV(path string) ([]domain.EquityPoint, error) {
	return readEquity(path, func(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) })
}

// ReadDailyCSV loads a daily equity curve (date, equity). Dates become UTC
// midnight.
func ReadDailyCSV(path string) ([]domain.EquityPoint, error) {
	return readEquity(path, func(s string) (time.Time, error) { return time.Parse(dateLayout, s) })
}

// ReadTradesCSV loads a trade log.
func ReadTradesCSV(path string) ([]domain.TradeRecord, error) {
	rows, err := readCSV(path, tradeHeader)
	if err != nil {
		return nil, err
	}
	trades := make([]domain.TradeRecord, 0, len(rows))
	for i, r := range rows {
		var p rowParser
		t := domain.TradeRecord{
			OpenTS:     p.time(r[0]),
			CloseTS:    p.time(r[1]),
			Asset:      r[2],
			Strategy:   r[3],
			Side:       domain.Side(r[4]),
			Qty:        p.float(r[5]),
			Entry:      p.float(r[6]),
			Stop:       p.float(r[7]),
			Target:     p.float(r[8]),
			Exit:       p.float(r[9]),
			ExitReason: domain.ExitReason(r[10]),
			RMultiple:  p.float(r[11]),
			PnL:        p.float(r[12]),
		}
		if p.err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, p.err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// LoadEquity reads an equity curve in either format, chosen by extension.
// daily selects the date-keyed CSV layout.
func LoadEquity(path string, daily bool) ([]domain.EquityPoint, error) {
	if strings.HasSuffix(path, ".parquet") {
		return ReadEquityParquet(path)
	}
	if daily {
		return ReadDailyCSV(path)
	}
	return ReadEquityCSV(path)
}

func readEquity(path string, parseTS func(string) (time.Time, error)) ([]domain.EquityPoint, error) {
	rows, err := readCSV(path, nil)
	if err != nil {
		return nil, err
	}
	points := make([]domain.EquityPoint, 0, len(rows))
	for i, r := range rows {
		if len(r) != 2 {
			return nil, fmt.Errorf("%s row %d: want 2 columns, got %d", path, i+2, len(r))
		}
		ts, err := parseTS(r[0])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		eq, err := strconv.ParseFloat(r[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		points = append(points, domain.EquityPoint{Timestamp: ts.UTC(), Equity: eq})
	}
	return points, nil
}

// ---------------------------------------------------------------------------
// CSV helpers
// ---------------------------------------------------------------------------

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readCSV returns the data rows of path. When header is non-nil the first
// row must match it.
func readCSV(path string, header []string) ([][]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	first, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if header != nil && strings.Join(first, ",") != strings.Join(header, ",") {
		return nil, fmt.Errorf("%s: unexpected header %v", path, first)
	}
	return r.ReadAll()
}

type rowParser struct{ err error }

func (p *rowParser) float(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *rowParser) time(s string) time.Time {
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v.UTC()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
