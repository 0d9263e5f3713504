package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ ResultWriter = ParquetResultWriter{}

// ParquetStore implements BarStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// TradeRow is the Parquet schema for the trade log.
type TradeRow struct {
	OpenTS     int64   `parquet:"open_ts,timestamp(nanosecond)"`
	CloseTS    int64   `parquet:"close_ts,timestamp(nanosecond)"`
	Asset      string  `parquet:"asset"`
	Strategy   string  `parquet:"strategy"`
	Side       string  `parquet:"side"`
	Qty        float64 `parquet:"qty"`
	Entry      float64 `parquet:"entry_price"`
	Stop       float64 `parquet:"stop_price"`
	Target     float64 `parquet:"target_price"`
	Exit       float64 `parquet:"exit_price"`
	ExitReason string  `parquet:"exit_reason"`
	RMultiple  float64 `parquet:"r_multiple"`
	PnL        float64 `parquet:"pnl_usd"`
}

// EquityRow is the Parquet schema for the full and daily equity curves.
type EquityRow struct {
	Timestamp int64   `parquet:"timestamp,timestamp(nanosecond)"`
	Equity    float64 `parquet:"equity"`
}

// FillRow is the Parquet schema for the fill journal.
type FillRow struct {
	Timestamp int64   `parquet:"timestamp,timestamp(nanosecond)"`
	Asset     string  `parquet:"asset"`
	Strategy  string  `parquet:"strategy"`
	Kind      string  `parquet:"kind"`
	Side      string  `parquet:"side"`
	Qty       float64 `parquet:"qty"`
	Reference float64 `parquet:"reference_price"`
	Price     float64 `parquet:"fill_price"`
	Notional  float64 `parquet:"notional"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files organized by symbol and year:
//
//	<DataDir>/bars/<granularity>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, gran domain.Granularity, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     b.Symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, gran, k.year)

		// Merge with whatever is already on disk for this year.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for the given symbol and time range. Missing year
// files are skipped.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		path := s.barPath(symbol, gran, year)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// ListSymbols lists the symbol directories present for gran.
func (s *ParquetStore) ListSymbols(_ context.Context, gran domain.Granularity) ([]string, error) {
	dir := filepath.Join(s.DataDir, "bars", string(gran))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, unsanitizeSymbol(e.Name()))
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Result files
// ---------------------------------------------------------------------------

// ParquetResultWriter writes run outputs as Parquet files.
type ParquetResultWriter struct{}

// Format returns "parquet".
func (ParquetResultWriter) Format() string { return "parquet" }

// WriteRun writes trades, equity, daily, and fills Parquet files under dir.
func (ParquetResultWriter) WriteRun(_ context.Context, dir string, out *RunOutput) (Artifacts, error) {
	a := artifactPaths(dir, "parquet")

	trades := make([]TradeRow, len(out.Trades))
	for i, t := range out.Trades {
		trades[i] = TradeRow{
			OpenTS:     t.OpenTS.UnixNano(),
			CloseTS:    t.CloseTS.UnixNano(),
			Asset:      t.Asset,
			Strategy:   t.Strategy,
			Side:       string(t.Side),
			Qty:        t.Qty,
			Entry:      t.Entry,
			Stop:       t.Stop,
			Target:     t.Target,
			Exit:       t.Exit,
			ExitReason: string(t.ExitReason),
			RMultiple:  t.RMultiple,
			PnL:        t.PnL,
		}
	}
	fills := make([]FillRow, len(out.Fills))
	for i, f := range out.Fills {
		fills[i] = FillRow{
			Timestamp: f.Timestamp.UnixNano(),
			Asset:     f.Asset,
			Strategy:  f.Strategy,
			Kind:      string(f.Kind),
			Side:      string(f.Side),
			Qty:       f.Qty,
			Reference: f.Reference,
			Price:     f.Price,
			Notional:  f.Notional,
		}
	}

	if err := writeParquetFile(a.Trades, trades); err != nil {
		return a, fmt.Errorf("writing trades: %w", err)
	}
	if err := writeParquetFile(a.Equity, equityRows(out.Equity)); err != nil {
		return a, fmt.Errorf("writing equity: %w", err)
	}
	if err := writeParquetFile(a.Daily, equityRows(out.Daily)); err != nil {
		return a, fmt.Errorf("writing daily: %w", err)
	}
	if err := writeParquetFile(a.Fills, fills); err != nil {
		return a, fmt.Errorf("writing fills: %w", err)
	}
	return a, nil
}

// ReadEquityParquet loads an equity curve written by ParquetResultWriter.
func ReadEquityParquet(path string) ([]domain.EquityPoint, error) {
	rows, err := readParquetFile[EquityRow](path)
	if err != nil {
		return nil, err
	}
	points := make([]domain.EquityPoint, len(rows))
	for i, r := range rows {
		points[i] = domain.EquityPoint{Timestamp: time.Unix(0, r.Timestamp).UTC(), Equity: r.Equity}
	}
	return points, nil
}

// ReadTradesParquet loads a trade log written by ParquetResultWriter.
func ReadTradesParquet(path string) ([]domain.TradeRecord, error) {
	rows, err := readParquetFile[TradeRow](path)
	if err != nil {
		return nil, err
	}
	trades := make([]domain.TradeRecord, len(rows))
	for i, r := range rows {
		trades[i] = domain.TradeRecord{
			OpenTS:     time.Unix(0, r.OpenTS).UTC(),
			CloseTS:    time.Unix(0, r.CloseTS).UTC(),
			Asset:      r.Asset,
			Strategy:   r.Strategy,
			Side:       domain.Side(r.Side),
			Qty:        r.Qty,
			Entry:      r.Entry,
			Stop:       r.Stop,
			Target:     r.Target,
			Exit:       r.Exit,
			ExitReason: domain.ExitReason(r.ExitReason),
			RMultiple:  r.RMultiple,
			PnL:        r.PnL,
		}
	}
	return trades, nil
}

func equityRows(points []domain.EquityPoint) []EquityRow {
	rows := make([]EquityRow, len(points))
	for i, p := range points {
		rows[i] = EquityRow{Timestamp: p.Timestamp.UnixNano(), Equity: p.Equity}
	}
	return rows
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/bars/<granularity>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, gran domain.Granularity, year int) string {
	return filepath.Join(s.DataDir, "bars", string(gran), sanitizeSymbol(symbol), fmt.Sprintf("%d.parquet", year))
}

// sanitizeSymbol makes crypto pairs such as "BTC/USD" safe as a directory
// name.
func sanitizeSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "_")
}

func unsanitizeSymbol(name string) string {
	return strings.ReplaceAll(name, "_", "/")
}

func artifactPaths(dir, ext string) Artifacts {
	return Artifacts{
		Dir:    dir,
		Trades: filepath.Join(dir, "trades."+ext),
		Equity: filepath.Join(dir, "equity."+ext),
		Daily:  filepath.Join(dir, "daily."+ext),
		Fills:  filepath.Join(dir, "fills."+ext),
	}
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// incoming records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
