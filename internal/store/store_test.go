package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	got := ps.barPath("AAPL", domain.OneDay, 2024)
	want := filepath.Join("/data", "bars", "1d", "AAPL", "2024.parquet")
	if got != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", got, want)
	}

	got = ps.barPath("btc/usd", domain.OneHour, 2023)
	want = filepath.Join("/data", "bars", "1h", "BTC_USD", "2023.parquet")
	if got != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{Symbol: "BTC/USD", Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Open: 185.5, High: 187.0, Low: 185.0, Close: 186.0, Volume: 0.25},
		{Symbol: "BTC/USD", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 185.0, High: 186.5, Low: 184.0, Close: 185.5, Volume: 1.5},
		{Symbol: "BTC/USD", Timestamp: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), Open: 180.0, High: 181.0, Low: 179.0, Close: 180.5, Volume: 2},
	}
	require.NoError(t, ps.WriteBars(ctx, domain.OneDay, bars))

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "BTC/USD", domain.OneDay, start, end)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Sorted across year files.
	assert.Equal(t, 180.5, got[0].Close)
	assert.Equal(t, 185.5, got[1].Close)
	assert.Equal(t, 186.0, got[2].Close)
	assert.Equal(t, 0.25, got[2].Volume)

	symbols, err := ps.ListSymbols(ctx, domain.OneDay)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USD"}, symbols)
}

func TestParquetStoreMergeBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ps.WriteBars(ctx, domain.OneDay, []domain.Bar{{Symbol: "MSFT", Timestamp: ts, Close: 403}}))
	require.NoError(t, ps.WriteBars(ctx, domain.OneDay, []domain.Bar{
		{Symbol: "MSFT", Timestamp: ts, Close: 404},
		{Symbol: "MSFT", Timestamp: ts.AddDate(0, 0, 3), Close: 408},
	}))

	got, err := ps.ReadBars(ctx, "MSFT", domain.OneDay, ts, ts.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 404.0, got[0].Close, "incoming bar replaces the existing one")
}

func TestParquetStoreMissingSymbol(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	got, err := ps.ReadBars(context.Background(), "NONE", domain.OneDay, time.Now().AddDate(-1, 0, 0), time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func sampleOutput() *RunOutput {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &RunOutput{
		RunID: "run-1",
		Trades: []domain.TradeRecord{{
			OpenTS: t0, CloseTS: t0.Add(48 * time.Hour), Asset: "BTC-USD", Strategy: "ma",
			Side: domain.SideBuy, Qty: 1.0 / 3.0, Entry: 100.1, Stop: 90, Target: 150,
			Exit: 150, ExitReason: domain.ExitTarget, RMultiple: 4.99, PnL: 16.633333333333333,
		}},
		Equity: []domain.EquityPoint{
			{Timestamp: t0, Equity: 10000},
			{Timestamp: t0.Add(6 * time.Hour), Equity: 10000.123456789012},
			{Timestamp: t0.Add(30 * time.Hour), Equity: 9999.1},
		},
		Daily: []domain.EquityPoint{
			{Timestamp: t0, Equity: 10000.123456789012},
			{Timestamp: t0.Add(24 * time.Hour), Equity: 9999.1},
		},
		Fills: []domain.Fill{{
			Timestamp: t0, Asset: "BTC-USD", Strategy: "ma", Kind: domain.FillEntry,
			Side: domain.SideBuy, Qty: 1.0 / 3.0, Reference: 100, Price: 100.1, Notional: 33.36666666666667,
		}},
	}
}

func TestCSVResultRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-1")
	out := sampleOutput()

	a, err := CSVResultWriter{}.WriteRun(context.Background(), dir, out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "trades.csv"), a.Trades)
	assert.FileExists(t, a.Fills)

	equity, err := ReadEquityCSV(a.Equity)
	require.NoError(t, err)
	assert.Equal(t, out.Equity, equity)

	daily, err := LoadEquity(a.Daily, true)
	require.NoError(t, err)
	assert.Equal(t, out.Daily, daily)

	trades, err := ReadTradesCSV(a.Trades)
	require.NoError(t, err)
	assert.Equal(t, out.Trades, trades)
}

func TestCSVEmptyRun(t *testing.T) {
	dir := t.TempDir()
	a, err := CSVResultWriter{}.WriteRun(context.Background(), dir, &RunOutput{})
	require.NoError(t, err)

	trades, err := ReadTradesCSV(a.Trades)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestParquetResultRoundTrip(t *testing.T) {
	dir := t.TempDir()
	out := sampleOutput()

	w := NewResultWriter("parquet")
	assert.Equal(t, "parquet", w.Format())
	a, err := w.WriteRun(context.Background(), dir, out)
	require.NoError(t, err)

	equity, err := LoadEquity(a.Equity, false)
	require.NoError(t, err)
	assert.Equal(t, out.Equity, equity)

	trades, err := ReadTradesParquet(a.Trades)
	require.NoError(t, err)
	assert.Equal(t, out.Trades, trades)
}

func TestSQLiteStoreRuns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	}()
	ctx := context.Background()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	run := &RunRecord{
		ID: "a", StartedAt: t0, FinishedAt: t0.Add(time.Second), Status: "ok",
		Assets: []string{"BTC-USD", "ETH-USD"}, Adapters: []string{"ma"}, Granularity: "1h",
		InitialCash: 15000, FinalEquity: 15500,
		Artifacts: Artifacts{Dir: "/tmp/a", Trades: "/tmp/a/trades.csv"},
		Metrics: map[string]map[string]float64{
			"strategy":               {"cagr": 0.1, "sharpe": math.NaN(), "calmar": math.Inf(1)},
			"benchmark:buy_and_hold": {"cagr": 0.2},
		},
	}
	require.NoError(t, s.SaveRun(ctx, run))
	require.NoError(t, s.SaveRun(ctx, &RunRecord{ID: "b", StartedAt: t0.Add(time.Hour), FinishedAt: t0.Add(time.Hour), Status: "failed", Error: "boom"}))

	got, err := s.GetRun(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, run.Assets, got.Assets)
	assert.Equal(t, run.Artifacts, got.Artifacts)
	assert.Equal(t, 0.1, got.Metrics["strategy"]["cagr"])
	assert.True(t, math.IsNaN(got.Metrics["strategy"]["sharpe"]))
	assert.True(t, math.IsInf(got.Metrics["strategy"]["calmar"], 1))
	assert.Equal(t, 0.2, got.Metrics["benchmark:buy_and_hold"]["cagr"])

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, "boom", runs[0].Error)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLiteStoreTrades(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	out := sampleOutput()
	require.NoError(t, s.SaveRun(ctx, &RunRecord{ID: out.RunID, StartedAt: time.Now(), FinishedAt: time.Now(), Status: "ok"}))
	require.NoError(t, s.SaveTrades(ctx, out.RunID, out.Trades))

	trades, err := s.ListTrades(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, out.Trades, trades)
}
