package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is the registry row for one backtest run. Metrics maps a scope
// ("strategy", "benchmark:buy_and_hold", ...) to metric name and value.
type RunRecord struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
	Error       string
	Assets      []string
	Adapters    []string
	Granularity string
	InitialCash float64
	FinalEquity float64
	Artifacts   Artifacts
	Metrics     map[string]map[string]float64
}

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	assets       TEXT NOT NULL,
	adapters     TEXT NOT NULL,
	granularity  TEXT NOT NULL,
	initial_cash REAL NOT NULL,
	final_equity REAL,
	dir          TEXT NOT NULL DEFAULT '',
	trades_path  TEXT NOT NULL DEFAULT '',
	equity_path  TEXT NOT NULL DEFAULT '',
	daily_path   TEXT NOT NULL DEFAULT '',
	fills_path   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS run_metrics (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	scope  TEXT NOT NULL,
	name   TEXT NOT NULL,
	value  REAL,
	PRIMARY KEY (run_id, scope, name)
);
CREATE TABLE IF NOT EXISTS run_trades (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	open_ts      INTEGER NOT NULL,
	close_ts     INTEGER NOT NULL,
	asset        TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	side         TEXT NOT NULL,
	qty          REAL NOT NULL,
	entry_price  REAL NOT NULL,
	stop_price   REAL NOT NULL,
	target_price REAL NOT NULL,
	exit_price   REAL NOT NULL,
	exit_reason  TEXT NOT NULL,
	r_multiple   REAL NOT NULL,
	pnl_usd      REAL NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and applies
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// SaveRun inserts or replaces a run and its metrics.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(id, started_at, finished_at, status, error, assets, adapters, granularity,
		 initial_cash, final_equity, dir, trades_path, equity_path, daily_path, fills_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), run.Status, run.Error,
		strings.Join(run.Assets, ","), strings.Join(run.Adapters, ","), run.Granularity,
		run.InitialCash, nullableFloat(run.FinalEquity),
		run.Artifacts.Dir, run.Artifacts.Trades, run.Artifacts.Equity, run.Artifacts.Daily, run.Artifacts.Fills,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_metrics WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	for scope, metrics := range run.Metrics {
		for name, v := range metrics {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_metrics (run_id, scope, name, value) VALUES (?, ?, ?, ?)`,
				run.ID, scope, name, nullableFloat(v)); err != nil {
				return fmt.Errorf("inserting metric %s/%s: %w", scope, name, err)
			}
		}
	}
	return tx.Commit()
}

// GetRun returns the run with the given id, including its metrics.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadMetrics(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first, up to limit (0 means all).
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range runs {
		if err := s.loadMetrics(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

// SaveTrades replaces the trade log stored for runID.
func (s *SQLiteStore) SaveTrades(ctx context.Context, runID string, trades []domain.TradeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_trades WHERE run_id = ?`, runID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_trades
		(run_id, seq, open_ts, close_ts, asset, strategy, side, qty, entry_price, stop_price,
		 target_price, exit_price, exit_reason, r_multiple, pnl_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, t := range trades {
		if _, err := stmt.ExecContext(ctx, runID, i, t.OpenTS.UnixNano(), t.CloseTS.UnixNano(),
			t.Asset, t.Strategy, string(t.Side), t.Qty, t.Entry, t.Stop, t.Target, t.Exit,
			string(t.ExitReason), t.RMultiple, t.PnL); err != nil {
			return fmt.Errorf("inserting trade %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListTrades returns the trade log of runID in original order.
func (s *SQLiteStore) ListTrades(ctx context.Context, runID string) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT open_ts, close_ts, asset, strategy, side, qty,
		entry_price, stop_price, target_price, exit_price, exit_reason, r_multiple, pnl_usd
		FROM run_trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		var (
			t               domain.TradeRecord
			openNs, closeNs int64
			side, reason    string
		)
		if err := rows.Scan(&openNs, &closeNs, &t.Asset, &t.Strategy, &side, &t.Qty, &t.Entry,
			&t.Stop, &t.Target, &t.Exit, &reason, &t.RMultiple, &t.PnL); err != nil {
			return nil, err
		}
		t.OpenTS = time.Unix(0, openNs).UTC()
		t.CloseTS = time.Unix(0, closeNs).UTC()
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const runColumns = `id, started_at, finished_at, status, error, assets, adapters, granularity,
	initial_cash, final_equity, dir, trades_path, equity_path, daily_path, fills_path`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*RunRecord, error) {
	var (
		r                 RunRecord
		started, finished int64
		assets, adapters  string
		finalEquity       sql.NullFloat64
	)
	if err := sc.Scan(&r.ID, &started, &finished, &r.Status, &r.Error, &assets, &adapters,
		&r.Granularity, &r.InitialCash, &finalEquity, &r.Artifacts.Dir, &r.Artifacts.Trades,
		&r.Artifacts.Equity, &r.Artifacts.Daily, &r.Artifacts.Fills); err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	r.FinishedAt = time.Unix(0, finished).UTC()
	r.Assets = splitList(assets)
	r.Adapters = splitList(adapters)
	r.FinalEquity = fromNullable(finalEquity)
	return &r, nil
}

func (s *SQLiteStore) loadMetrics(ctx context.Context, run *RunRecord) error {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, name, value FROM run_metrics WHERE run_id = ?`, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	run.Metrics = make(map[string]map[string]float64)
	for rows.Next() {
		var (
			scope, name string
			v           sql.NullFloat64
		)
		if err := rows.Scan(&scope, &name, &v); err != nil {
			return err
		}
		if run.Metrics[scope] == nil {
			run.Metrics[scope] = make(map[string]float64)
		}
		run.Metrics[scope][name] = fromNullable(v)
	}
	return rows.Err()
}

// nullableFloat stores NaN as NULL, since SQLite has no NaN.
func nullableFloat(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func fromNullable(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
