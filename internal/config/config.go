// Package config loads backtest settings from YAML, a .env file, and the
// environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// DefaultPath is read when no path is given and PathEnv is unset.
const DefaultPath = "config/backtest.yaml"

// PathEnv names the environment variable that overrides DefaultPath.
const PathEnv = "BACKTEST_CONFIG"

const dateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration of a backtest run.
type Config struct {
	Data        Data        `yaml:"data"`
	Alpaca      Alpaca      `yaml:"alpaca"`
	Costs       Costs       `yaml:"costs"`
	Risk        Risk        `yaml:"risk"`
	Execution   Execution   `yaml:"execution"`
	Liquidation Liquidation `yaml:"liquidation"`
	Strategy    Strategy    `yaml:"strategy"`
	Benchmark   Benchmark   `yaml:"benchmark"`
	Output      Output      `yaml:"output"`
	Logging     Logging     `yaml:"logging"`
}

// Data selects the universe and where its history comes from.
type Data struct {
	Assets       []string `yaml:"assets" envconfig:"ASSETS"`
	Granularity  string   `yaml:"granularity" envconfig:"GRANULARITY"`
	LookbackDays int      `yaml:"lookback_days" envconfig:"LOOKBACK_DAYS"`
	Start        string   `yaml:"start" envconfig:"BACKTEST_START"` // YYYY-MM-DD, optional
	End          string   `yaml:"end" envconfig:"BACKTEST_END"`     // YYYY-MM-DD, optional
	Source       string   `yaml:"source" envconfig:"DATA_SOURCE"`   // alpaca, parquet, or cached
	Dir          string   `yaml:"dir" envconfig:"DATA_DIR"`
	AllowMissing bool     `yaml:"allow_missing" envconfig:"ALLOW_MISSING"`
}

// Alpaca holds credentials and request pacing for the market-data API.
type Alpaca struct {
	APIKey          string        `yaml:"api_key" envconfig:"ALPACA_API_KEY"`
	APISecret       string        `yaml:"api_secret" envconfig:"ALPACA_API_SECRET"`
	DataURL         string        `yaml:"data_url" envconfig:"ALPACA_DATA_URL"`
	Feed            string        `yaml:"feed" envconfig:"ALPACA_FEED"`
	ChunkBars       int           `yaml:"chunk_bars" envconfig:"ALPACA_CHUNK_BARS"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min" envconfig:"ALPACA_RATE_LIMIT"`
	MaxAttempts     int           `yaml:"max_attempts" envconfig:"ALPACA_MAX_ATTEMPTS"`
	RetryDelay      time.Duration `yaml:"retry_delay" envconfig:"ALPACA_RETRY_DELAY"`
}

// Costs configures the synthetic quote and the cost model.
type Costs struct {
	TakerFeeBps float64 `yaml:"taker_fee_bps" envconfig:"TAKER_FEE_BPS"`
	SlippageBps float64 `yaml:"slippage_bps" envconfig:"SLIPPAGE_BPS"`
	ImpactCoeff float64 `yaml:"impact_coeff" envconfig:"IMPACT_COEFF"`
	SpreadBps   float64 `yaml:"spread_bps" envconfig:"SPREAD_BPS"`
	RangeSpread bool    `yaml:"range_spread" envconfig:"RANGE_SPREAD"`
}

// Risk holds the sizing and admission policy.
type Risk struct {
	InitialCash  float64 `yaml:"initial_cash" envconfig:"INITIAL_CASH"`
	RiskPerTrade float64 `yaml:"risk_per_trade" envconfig:"RISK_PER_TRADE"`
	MinNotional  float64 `yaml:"min_notional" envconfig:"MIN_NOTIONAL"`
	MaxPositions int     `yaml:"max_positions" envconfig:"MAX_POSITIONS"`
	AllowShort   bool    `yaml:"allow_short" envconfig:"ALLOW_SHORT"`
}

// Execution holds fill timing and bracket trailing defaults.
type Execution struct {
	FillTiming      string  `yaml:"fill_timing" envconfig:"FILL_TIMING"`
	Trailing        bool    `yaml:"trailing" envconfig:"TRAILING"`
	TrailATRMult    float64 `yaml:"trail_atr_mult" envconfig:"TRAIL_ATR_MULT"`
	BreakevenAfterR float64 `yaml:"breakeven_after_r" envconfig:"BREAKEVEN_AFTER_R"`
}

// Liquidation controls the end-of-run close out.
type Liquidation struct {
	IncludeHoldings bool `yaml:"include_holdings" envconfig:"INCLUDE_HOLDINGS"`
}

// Strategy selects adapters and their shared parameters.
type Strategy struct {
	Adapters    []string `yaml:"adapters" envconfig:"ADAPTERS"`
	TopK        int      `yaml:"top_k" envconfig:"MOMO_TOP_K"`
	VolWindow   int      `yaml:"vol_window" envconfig:"VOL_WINDOW"`
	MaxWeight   float64  `yaml:"max_weight" envconfig:"MAX_WEIGHT"`
	MinWeight   float64  `yaml:"min_weight" envconfig:"MIN_WEIGHT"`
	MaxTurnover float64  `yaml:"max_turnover" envconfig:"MAX_TURNOVER"`

	// PreviousWeights seeds the rebalance turnover cap. PreviousWeightsFile
	// names a prior run summary whose final weights are used instead.
	PreviousWeights     map[string]float64 `yaml:"previous_weights" ignored:"true"`
	PreviousWeightsFile string             `yaml:"previous_weights_file" envconfig:"PREVIOUS_WEIGHTS_FILE"`
}

// Benchmark selects the buy-and-hold reference asset.
type Benchmark struct {
	Asset string `yaml:"asset" envconfig:"BENCHMARK_ASSET"`
}

// Output configures where run results go.
type Output struct {
	Dir        string `yaml:"dir" envconfig:"OUTPUT_DIR"`
	Format     string `yaml:"format" envconfig:"OUTPUT_FORMAT"`     // csv or parquet
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"` // empty disables the run registry
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// Default returns the configuration used for anything not set elsewhere.
func Default() *Config {
	return &Config{
		Data: Data{
			Assets:       []string{"BTC-USD", "ETH-USD", "SOL-USD"},
			Granularity:  string(domain.OneHour),
			LookbackDays: 365,
			Source:       "cached",
			Dir:          "data",
		},
		Alpaca: Alpaca{
			Feed:            "sip",
			ChunkBars:       300,
			RateLimitPerMin: 200,
			MaxAttempts:     5,
			RetryDelay:      time.Second,
		},
		Costs: Costs{
			TakerFeeBps: 8,
			SlippageBps: 1.5,
			ImpactCoeff: 1.5,
			SpreadBps:   2,
		},
		Risk: Risk{
			InitialCash:  10_000,
			RiskPerTrade: 0.01,
			MinNotional:  25,
			MaxPositions: 12,
		},
		Execution: Execution{
			FillTiming:      string(domain.FillAtNextOpen),
			Trailing:        true,
			TrailATRMult:    1,
			BreakevenAfterR: 1,
		},
		Liquidation: Liquidation{IncludeHoldings: true},
		Strategy: Strategy{
			Adapters:    []string{"ma", "donch", "momo"},
			TopK:        4,
			VolWindow:   30,
			MaxWeight:   0.25,
			MaxTurnover: 0.35,
		},
		Output: Output{
			Dir:        "runs",
			Format:     "csv",
			SQLitePath: "runs/registry.db",
		},
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path resolves the config file: explicit wins, then PathEnv, then
// DefaultPath.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(PathEnv); v != "" {
		return v
	}
	return DefaultPath
}

// Load builds a Config from Default, the YAML file at path, a .env file in
// the working directory, and the environment. A missing file at DefaultPath
// is not an error; any other missing path is. The result is not validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	default:
		return nil, err
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies the canonical Alpaca SDK variables, which take
// precedence over the ALPACA_* names.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports the first invalid setting, wrapped in
// domain.ErrInvalidConfig.
func (c *Config) Validate() error {
	if len(c.Data.Assets) == 0 {
		return invalid("no assets configured")
	}
	for _, a := range c.Data.Assets {
		if strings.TrimSpace(a) == "" {
			return invalid("empty asset name")
		}
	}
	if _, err := domain.ParseGranularity(c.Data.Granularity); err != nil {
		return invalid("%v", err)
	}
	if c.Data.LookbackDays < 0 {
		return invalid("lookback_days must be non-negative")
	}
	start, end, err := c.Window()
	if err != nil {
		return invalid("%v", err)
	}
	if c.Data.LookbackDays == 0 && start.IsZero() {
		return invalid("either lookback_days or start is required")
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return invalid("start %s is not before end %s", c.Data.Start, c.Data.End)
	}
	switch c.Data.Source {
	case "alpaca", "parquet", "cached":
	default:
		return invalid("unknown data source %q", c.Data.Source)
	}

	if !(c.Risk.InitialCash > 0) {
		return invalid("initial_cash must be positive, got %g", c.Risk.InitialCash)
	}
	if !(c.Risk.RiskPerTrade > 0) || c.Risk.RiskPerTrade > 1 {
		return invalid("risk_per_trade must be in (0, 1], got %g", c.Risk.RiskPerTrade)
	}
	if c.Risk.MinNotional < 0 || c.Risk.MaxPositions < 0 {
		return invalid("min_notional and max_positions must be non-negative")
	}
	if c.Costs.TakerFeeBps < 0 || c.Costs.SlippageBps < 0 || c.Costs.ImpactCoeff < 0 || c.Costs.SpreadBps < 0 {
		return invalid("costs must be non-negative")
	}
	if _, err := ParseFillTiming(c.Execution.FillTiming); err != nil {
		return invalid("%v", err)
	}
	if c.Execution.TrailATRMult < 0 || c.Execution.BreakevenAfterR < 0 {
		return invalid("trailing settings must be non-negative")
	}
	if len(c.Strategy.Adapters) == 0 {
		return invalid("no adapters configured")
	}
	switch c.Output.Format {
	case "csv", "parquet":
	default:
		return invalid("unknown output format %q", c.Output.Format)
	}
	return nil
}

// Window parses the optional start and end dates. Zero times mean unset.
func (c *Config) Window() (start, end time.Time, err error) {
	if c.Data.Start != "" {
		if start, err = time.Parse(dateLayout, c.Data.Start); err != nil {
			return start, end, fmt.Errorf("start: %w", err)
		}
	}
	if c.Data.End != "" {
		if end, err = time.Parse(dateLayout, c.Data.End); err != nil {
			return start, end, fmt.Errorf("end: %w", err)
		}
		// Inclusive of the whole end day.
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	return start, end, nil
}

// ParseFillTiming accepts "close", "next_open", and the short form "next".
func ParseFillTiming(s string) (domain.FillTiming, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "close":
		return domain.FillAtClose, nil
	case "next_open", "next":
		return domain.FillAtNextOpen, nil
	}
	return "", fmt.Errorf("unknown fill timing %q", s)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...))
}
