// Package store persists bar history and backtest results: a Parquet bar
// cache, tabular result files (CSV or Parquet), and a SQLite run registry.
package store

import (
	"context"
	"time"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars merges bars into storage, replacing rows with the same
	// symbol and timestamp.
	WriteBars(ctx context.Context, gran domain.Granularity, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end], sorted by time.
	ReadBars(ctx context.Context, symbol string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with data at the given granularity.
	ListSymbols(ctx context.Context, gran domain.Granularity) ([]string, error)
}

// RunOutput is everything a run produces that is written to disk.
type RunOutput struct {
	RunID  string
	Trades []domain.TradeRecord
	Equity []domain.EquityPoint
	Daily  []domain.EquityPoint
	Fills  []domain.Fill
}

// Artifacts holds the paths of a run's persisted outputs.
type Artifacts struct {
	Dir    string `yaml:"dir"`
	Trades string `yaml:"trades"`
	Equity string `yaml:"equity"`
	Daily  string `yaml:"daily"`
	Fills  string `yaml:"fills"`
}

// ResultWriter writes the tabular outputs of one run.
type ResultWriter interface {
	// Format returns the file format name ("csv" or "parquet").
	Format() string

	// WriteRun writes the run's outputs under dir and returns their paths.
	WriteRun(ctx context.Context, dir string, out *RunOutput) (Artifacts, error)
}

// RunStore records run summaries for later comparison.
type RunStore interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	SaveTrades(ctx context.Context, runID string, trades []domain.TradeRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	ListTrades(ctx context.Context, runID string) ([]domain.TradeRecord, error)
}

// NewResultWriter returns the writer for format, defaulting to CSV.
func NewResultWriter(format string) ResultWriter {
	if format == "parquet" {
		return ParquetResultWriter{}
	}
	return CSVResultWriter{}
}
