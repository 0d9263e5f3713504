// Package backtest wires one run end to end: configuration, history, adapters,
// the engine, metrics, and persistence of results.
package backtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/scottjoyner/portfolio-management/internal/broker"
	"github.com/scottjoyner/portfolio-management/internal/config"
	"github.com/scottjoyner/portfolio-management/internal/costmodel"
	"github.com/scottjoyner/portfolio-management/internal/domain"
	"github.com/scottjoyner/portfolio-management/internal/engine"
	"github.com/scottjoyner/portfolio-management/internal/marketdata"
	"github.com/scottjoyner/portfolio-management/internal/metrics"
	"github.com/scottjoyner/portfolio-management/internal/portal"
	"github.com/scottjoyner/portfolio-management/internal/store"
	"github.com/scottjoyner/portfolio-management/internal/strategy"
	"github.com/scottjoyner/portfolio-management/internal/strategy/builtins"
	"github.com/scottjoyner/portfolio-management/internal/util"
)

// Run statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// SummaryFile is the name of the run summary written next to the tabular
// outputs.
const SummaryFile = "summary.yaml"

// Summary is the structured result of one run.
type Summary struct {
	RunID       string    `yaml:"run_id"`
	Status      string    `yaml:"status"`
	Error       string    `yaml:"error,omitempty"`
	StartedAt   time.Time `yaml:"started_at"`
	FinishedAt  time.Time `yaml:"finished_at"`
	ConfigHash  string    `yaml:"config_hash"`
	Assets      []string  `yaml:"assets"`
	Adapters    []string  `yaml:"adapters"`
	Granularity string    `yaml:"granularity"`
	FillTiming  string    `yaml:"fill_timing"`
	Steps       int       `yaml:"steps"`

	InitialCash float64 `yaml:"initial_cash"`
	FinalCash   float64 `yaml:"final_cash"`
	FinalEquity float64 `yaml:"final_equity"`
	Turnover    float64 `yaml:"turnover"`

	Metrics        metrics.Summary               `yaml:"metrics"`
	BenchmarkAsset string                        `yaml:"benchmark_asset"`
	Benchmarks     map[string]metrics.Summary    `yaml:"benchmarks"`
	Trades         metrics.TradeStats            `yaml:"trades"`
	ByStrategy     map[string]metrics.TradeStats `yaml:"by_strategy,omitempty"`
	Rejections     map[string]int                `yaml:"rejections,omitempty"`
	AdapterErrors  int                           `yaml:"adapter_errors"`

	// FinalWeights are the rebalance adapter's last target weights, to be
	// passed to the next run as its previous weights.
	FinalWeights map[string]float64 `yaml:"final_weights,omitempty"`

	Artifacts store.Artifacts `yaml:"artifacts"`
}

// Runner executes backtests for one configuration.
type Runner struct {
	cfg      *config.Config
	fetcher  marketdata.Fetcher
	registry *strategy.Registry
	writer   store.ResultWriter
	runs     store.RunStore
	now      func() time.Time
	log      *slog.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithFetcher replaces the fetcher built from the data configuration.
func WithFetcher(f marketdata.Fetcher) Option {
	return func(r *Runner) { r.fetcher = f }
}

// WithRegistry replaces the built-in adapter registry.
func WithRegistry(reg *strategy.Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// WithRunStore records runs in s instead of the configured SQLite file.
func WithRunStore(s store.RunStore) Option {
	return func(r *Runner) { r.runs = s }
}

// WithClock replaces time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner validates cfg and prepares a Runner. Unknown adapter names are
// rejected here, before any data is loaded.
func NewRunner(cfg *config.Config, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", domain.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:    cfg,
		writer: store.NewResultWriter(cfg.Output.Format),
		now:    time.Now,
		log:    slog.Default().With("component", "backtest"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = builtins.Default()
	}
	for _, name := range cfg.Strategy.Adapters {
		if !r.registry.Has(name) {
			return nil, fmt.Errorf("%w: %q (known: %v)", domain.ErrUnknownAdapter, name, r.registry.List())
		}
	}
	if r.fetcher == nil {
		f, err := NewFetcher(cfg)
		if err != nil {
			return nil, err
		}
		r.fetcher = f
	}
	return r, nil
}

// NewFetcher builds the history source selected by cfg.Data.Source.
func NewFetcher(cfg *config.Config) (marketdata.Fetcher, error) {
	switch cfg.Data.Source {
	case "alpaca":
		return marketdata.NewAlpacaFetcher(AlpacaConfig(cfg)), nil
	case "parquet":
		return marketdata.NewStoreFetcher(store.NewParquetStore(cfg.Data.Dir)), nil
	case "cached":
		return marketdata.NewCachingFetcher(store.NewParquetStore(cfg.Data.Dir), marketdata.NewAlpacaFetcher(AlpacaConfig(cfg))), nil
	}
	return nil, fmt.Errorf("%w: unknown data source %q", domain.ErrInvalidConfig, cfg.Data.Source)
}

// AlpacaConfig maps the configuration onto the Alpaca fetcher settings.
func AlpacaConfig(cfg *config.Config) marketdata.AlpacaConfig {
	return marketdata.AlpacaConfig{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		ChunkBars:       cfg.Alpaca.ChunkBars,
		RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
		Backoff: util.Backoff{
			MaxAttempts: cfg.Alpaca.MaxAttempts,
			BaseDelay:   cfg.Alpaca.RetryDelay,
			MaxDelay:    30 * time.Second,
		},
	}
}

// HistoryRequest maps the data settings onto a portal request.
func HistoryRequest(cfg *config.Config) (portal.Request, error) {
	gran, err := domain.ParseGranularity(cfg.Data.Granularity)
	if err != nil {
		return portal.Request{}, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	start, end, err := cfg.Window()
	if err != nil {
		return portal.Request{}, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return portal.Request{
		Assets:       cfg.Data.Assets,
		Granularity:  gran,
		LookbackDays: cfg.Data.LookbackDays,
		Start:        start,
		End:          end,
		AllowMissing: cfg.Data.AllowMissing,
	}, nil
}

// EngineConfig maps the configuration onto the engine policy.
func EngineConfig(cfg *config.Config) (engine.Config, error) {
	timing, err := config.ParseFillTiming(cfg.Execution.FillTiming)
	if err != nil {
		return engine.Config{}, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return engine.Config{
		InitialCash:     cfg.Risk.InitialCash,
		RiskPerTrade:    cfg.Risk.RiskPerTrade,
		MinNotional:     cfg.Risk.MinNotional,
		MaxPositions:    cfg.Risk.MaxPositions,
		AllowShort:      cfg.Risk.AllowShort,
		FillTiming:      timing,
		Trailing:        cfg.Execution.Trailing,
		TrailATRMult:    cfg.Execution.TrailATRMult,
		BreakevenAfterR: cfg.Execution.BreakevenAfterR,
		IncludeHoldings: cfg.Liquidation.IncludeHoldings,
	}, nil
}

// BrokerConfig maps the cost settings onto the simulator.
func BrokerConfig(cfg *config.Config) broker.SimulatorConfig {
	return broker.SimulatorConfig{
		Costs: costmodel.Params{
			TakerFeeBps: cfg.Costs.TakerFeeBps,
			SlippageBps: cfg.Costs.SlippageBps,
			ImpactCoeff: cfg.Costs.ImpactCoeff,
		},
		SpreadBps:   cfg.Costs.SpreadBps,
		RangeSpread: cfg.Costs.RangeSpread,
	}
}

// Run loads history, runs the engine, and persists the outputs.
//
// Configuration and data errors return before anything is written. Once the
// engine has started, whatever it accumulated is written even when it fails,
// and the returned Summary carries StatusFailed alongside the error.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	runID := uuid.NewString()
	log := r.log.With("run_id", runID)
	started := r.now().UTC()

	req, err := HistoryRequest(r.cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := EngineConfig(r.cfg)
	if err != nil {
		return nil, err
	}
	opts, err := r.adapterOptions()
	if err != nil {
		return nil, err
	}

	p, err := portal.Load(ctx, r.fetcher, req)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	log.Info("history loaded", "assets", p.Assets(), "steps", p.Len(), "granularity", req.Granularity)

	adapters := make([]strategy.Adapter, 0, len(r.cfg.Strategy.Adapters))
	for _, name := range r.cfg.Strategy.Adapters {
		a, err := r.registry.New(name, p, opts)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", name, err)
		}
		adapters = append(adapters, a)
	}

	eng, err := engine.NewEngine(engCfg, p, broker.NewSimulatorBroker(BrokerConfig(r.cfg)), adapters)
	if err != nil {
		return nil, err
	}
	res, runErr := eng.Run(ctx)

	sum := r.summarize(runID, started, p, res, adapters)
	sum.FillTiming = string(engCfg.FillTiming)
	if runErr != nil {
		sum.Status = StatusFailed
		sum.Error = runErr.Error()
		log.Error("backtest failed, writing partial results", "error", runErr, "steps", res.Steps)
	}

	// Persist even when ctx is what stopped the run.
	persistErr := r.persist(context.WithoutCancel(ctx), sum, res)
	if persistErr != nil {
		log.Error("persisting run", "error", persistErr)
	} else {
		log.Info("run saved",
			"dir", sum.Artifacts.Dir,
			"final_equity", sum.FinalEquity,
			"total_return", sum.Metrics.TotalReturn,
			"trades", sum.Trades.Trades,
		)
	}
	return sum, errors.Join(runErr, persistErr)
}

func (r *Runner) adapterOptions() (strategy.Options, error) {
	s := r.cfg.Strategy
	opts := strategy.Options{
		TopK:            s.TopK,
		VolWindow:       s.VolWindow,
		MaxWeight:       s.MaxWeight,
		MinWeight:       s.MinWeight,
		MaxTurnover:     s.MaxTurnover,
		PreviousWeights: s.PreviousWeights,
	}
	if s.PreviousWeightsFile != "" {
		w, err := LoadFinalWeights(s.PreviousWeightsFile)
		if err != nil {
			return opts, fmt.Errorf("previous weights: %w", err)
		}
		opts.PreviousWeights = w
	}
	return opts, nil
}

func (r *Runner) summarize(runID string, started time.Time, p *portal.Portal, res *engine.Result, adapters []strategy.Adapter) *Summary {
	sum := &Summary{
		RunID:          runID,
		Status:         StatusOK,
		StartedAt:      started,
		ConfigHash:     Fingerprint(r.cfg),
		Assets:         p.Assets(),
		Adapters:       r.cfg.Strategy.Adapters,
		Granularity:    r.cfg.Data.Granularity,
		Steps:          res.Steps,
		InitialCash:    res.InitialCash,
		FinalCash:      res.FinalCash,
		FinalEquity:    res.FinalEquity,
		Turnover:       res.Turnover,
		Metrics:        metrics.Compute(res.Equity, res.Daily),
		BenchmarkAsset: metrics.ReferenceAsset(p.Assets(), r.cfg.Benchmark.Asset),
		Benchmarks:     metrics.Benchmarks(p, r.cfg.Benchmark.Asset, res.InitialCash),
		Trades:         metrics.ComputeTradeStats(res.Trades),
		ByStrategy:     metrics.ByStrategy(res.Trades),
		Rejections:     res.Rejections,
		AdapterErrors:  len(res.AdapterErrors),
	}
	for _, a := range adapters {
		if w, ok := a.(interface{ LastWeights() map[string]float64 }); ok {
			if weights := w.LastWeights(); len(weights) > 0 {
				sum.FinalWeights = weights
				break
			}
		}
	}
	return sum
}

// persist writes the tabular outputs and the summary under the run directory
// and records the run in the registry. Every step is attempted; their errors
// are joined.
func (r *Runner) persist(ctx context.Context, sum *Summary, res *engine.Result) error {
	dir := filepath.Join(r.cfg.Output.Dir, sum.RunID)
	artifacts, writeErr := r.writer.WriteRun(ctx, dir, &store.RunOutput{
		RunID:  sum.RunID,
		Trades: res.Trades,
		Equity: res.Equity,
		Daily:  res.Daily,
		Fills:  res.Fills,
	})
	if writeErr != nil {
		writeErr = fmt.Errorf("writing results: %w", writeErr)
	}
	sum.Artifacts = artifacts
	sum.FinishedAt = r.now().UTC()

	summaryErr := WriteSummary(filepath.Join(dir, SummaryFile), sum)
	return errors.Join(writeErr, summaryErr, r.record(ctx, sum, res))
}

// record saves the run and its trades in the registry, opening the
// configured SQLite file when no store was injected.
func (r *Runner) record(ctx context.Context, sum *Summary, res *engine.Result) error {
	runs := r.runs
	if runs == nil {
		path := r.cfg.Output.SQLitePath
		if path == "" {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		db, err := store.NewSQLiteStore(path)
		if err != nil {
			return fmt.Errorf("opening run registry: %w", err)
		}
		defer db.Close()
		runs = db
	}

	if err := runs.SaveRun(ctx, RunRecord(sum)); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	if err := runs.SaveTrades(ctx, sum.RunID, res.Trades); err != nil {
		return fmt.Errorf("saving trades: %w", err)
	}
	return nil
}

// RunRecord converts a Summary into a registry row. Metrics are grouped into
// scopes: "strategy", "benchmark:<name>", "trades", "trades:<strategy>", and
// "rejections".
func RunRecord(sum *Summary) *store.RunRecord {
	m := map[string]map[string]float64{
		"strategy": sum.Metrics.Map(),
		"trades":   sum.Trades.Map(),
	}
	for name, b := range sum.Benchmarks {
		m["benchmark:"+name] = b.Map()
	}
	for name, s := range sum.ByStrategy {
		m["trades:"+name] = s.Map()
	}
	if len(sum.Rejections) > 0 {
		rej := make(map[string]float64, len(sum.Rejections))
		for reason, n := range sum.Rejections {
			rej[reason] = float64(n)
		}
		m["rejections"] = rej
	}
	return &store.RunRecord{
		ID:          sum.RunID,
		StartedAt:   sum.StartedAt,
		FinishedAt:  sum.FinishedAt,
		Status:      sum.Status,
		Error:       sum.Error,
		Assets:      sum.Assets,
		Adapters:    sum.Adapters,
		Granularity: sum.Granularity,
		InitialCash: sum.InitialCash,
		FinalEquity: sum.FinalEquity,
		Artifacts:   sum.Artifacts,
		Metrics:     m,
	}
}

// ---------------------------------------------------------------------------
// Summary files
// ---------------------------------------------------------------------------

// WriteSummary writes sum as YAML, which keeps NaN and infinite metrics.
func WriteSummary(path string, sum *Summary) error {
	data, err := yaml.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSummary loads a summary written by WriteSummary.
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sum Summary
	if err := yaml.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &sum, nil
}

// LoadFinalWeights returns the final rebalance weights recorded in a prior
// run's summary. path may be the summary file or its run directory.
func LoadFinalWeights(path string) (map[string]float64, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, SummaryFile)
	}
	sum, err := ReadSummary(path)
	if err != nil {
		return nil, err
	}
	return sum.FinalWeights, nil
}

// Fingerprint hashes the run-relevant configuration. Credentials and output
// locations are excluded so equal experiments hash equally.
func Fingerprint(cfg *config.Config) string {
	c := *cfg
	c.Alpaca.APIKey, c.Alpaca.APISecret = "", ""
	c.Output = config.Output{}
	c.Logging = config.Logging{}

	// yaml.v3 sorts map keys, so the encoding is stable.
	data, err := yaml.Marshal(&c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
