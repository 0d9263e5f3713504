package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backtest.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func clearAlpacaEnv() {
	os.Unsetenv("ALPACA_API_KEY")
	os.Unsetenv("ALPACA_API_SECRET")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
data:
  assets: ["AAPL", "MSFT"]
  granularity: "1d"
  lookback_days: 100
  source: "parquet"
  dir: "/tmp/bars"
alpaca:
  api_key: "test-key"
  retry_delay: 2s
risk:
  initial_cash: 5000
  allow_short: true
execution:
  fill_timing: "close"
  trailing: false
liquidation:
  include_holdings: false
strategy:
  adapters: ["rebal"]
  previous_weights:
    AAPL: 0.6
    MSFT: 0.4
output:
  format: "parquet"
logging:
  level: "debug"
`)
	clearAlpacaEnv()

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Data --
	if len(cfg.Data.Assets) != 2 || cfg.Data.Assets[0] != "AAPL" || cfg.Data.Assets[1] != "MSFT" {
		t.Errorf("Data.Assets = %v, want [AAPL MSFT]", cfg.Data.Assets)
	}
	if cfg.Data.Granularity != "1d" {
		t.Errorf("Data.Granularity = %q, want %q", cfg.Data.Granularity, "1d")
	}
	if cfg.Data.LookbackDays != 100 {
		t.Errorf("Data.LookbackDays = %d, want %d", cfg.Data.LookbackDays, 100)
	}
	if cfg.Data.Source != "parquet" {
		t.Errorf("Data.Source = %q, want %q", cfg.Data.Source, "parquet")
	}

	// -- Alpaca --
	if cfg.Alpaca.APIKey != "test-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "test-key")
	}
	if cfg.Alpaca.RetryDelay != 2*time.Second {
		t.Errorf("Alpaca.RetryDelay = %v, want %v", cfg.Alpaca.RetryDelay, 2*time.Second)
	}
	if cfg.Alpaca.ChunkBars != 300 {
		t.Errorf("Alpaca.ChunkBars = %d, want default %d", cfg.Alpaca.ChunkBars, 300)
	}

	// -- Risk and execution --
	if cfg.Risk.InitialCash != 5000 {
		t.Errorf("Risk.InitialCash = %f, want %f", cfg.Risk.InitialCash, 5000.0)
	}
	if cfg.Risk.RiskPerTrade != 0.01 {
		t.Errorf("Risk.RiskPerTrade = %f, want default %f", cfg.Risk.RiskPerTrade, 0.01)
	}
	if !cfg.Risk.AllowShort {
		t.Error("Risk.AllowShort = false, want true")
	}
	if cfg.Execution.FillTiming != "close" {
		t.Errorf("Execution.FillTiming = %q, want %q", cfg.Execution.FillTiming, "close")
	}
	if cfg.Execution.Trailing {
		t.Error("Execution.Trailing = true, want false")
	}
	if cfg.Liquidation.IncludeHoldings {
		t.Error("Liquidation.IncludeHoldings = true, want false")
	}
	if cfg.Costs.TakerFeeBps != 8 {
		t.Errorf("Costs.TakerFeeBps = %f, want default %f", cfg.Costs.TakerFeeBps, 8.0)
	}

	// -- Strategy --
	if len(cfg.Strategy.Adapters) != 1 || cfg.Strategy.Adapters[0] != "rebal" {
		t.Errorf("Strategy.Adapters = %v, want [rebal]", cfg.Strategy.Adapters)
	}
	if cfg.Strategy.PreviousWeights["AAPL"] != 0.6 {
		t.Errorf("Strategy.PreviousWeights[AAPL] = %f, want %f", cfg.Strategy.PreviousWeights["AAPL"], 0.6)
	}

	// -- Output and logging --
	if cfg.Output.Format != "parquet" {
		t.Errorf("Output.Format = %q, want %q", cfg.Output.Format, "parquet")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
data:
  dir: "/original/data"
`)
	clearAlpacaEnv()
	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("APCA_API_SECRET_KEY", "canonical-secret")
	t.Setenv("DATA_DIR", "/override/data")
	t.Setenv("ASSETS", "ETH-USD,SOL-USD")
	t.Setenv("INITIAL_CASH", "2500")
	t.Setenv("TRAILING", "false")
	t.Setenv("FILL_TIMING", "next")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "env-key")
	}
	if cfg.Alpaca.APISecret != "canonical-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q", cfg.Alpaca.APISecret, "canonical-secret")
	}
	if cfg.Data.Dir != "/override/data" {
		t.Errorf("Data.Dir = %q, want %q", cfg.Data.Dir, "/override/data")
	}
	if len(cfg.Data.Assets) != 2 || cfg.Data.Assets[1] != "SOL-USD" {
		t.Errorf("Data.Assets = %v, want [ETH-USD SOL-USD]", cfg.Data.Assets)
	}
	if cfg.Risk.InitialCash != 2500 {
		t.Errorf("Risk.InitialCash = %f, want %f", cfg.Risk.InitialCash, 2500.0)
	}
	if cfg.Execution.Trailing {
		t.Error("Execution.Trailing = true, want false")
	}
	if ft, err := ParseFillTiming(cfg.Execution.FillTiming); err != nil || ft != domain.FillAtNextOpen {
		t.Errorf("ParseFillTiming(%q) = %q, %v; want next_open", cfg.Execution.FillTiming, ft, err)
	}
}

func TestLoadDefaultPathAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("BENCHMARK_ASSET=ETH-USD\n"), 0o644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Cleanup(func() { os.Unsetenv("BENCHMARK_ASSET") })

	cfg, err := Load(DefaultPath)
	if err != nil {
		t.Fatalf("Load(DefaultPath) returned error: %v", err)
	}
	if cfg.Benchmark.Asset != "ETH-USD" {
		t.Errorf("Benchmark.Asset = %q, want %q from .env", cfg.Benchmark.Asset, "ETH-USD")
	}
	if cfg.Risk.InitialCash != 10_000 {
		t.Errorf("Risk.InitialCash = %f, want default %f", cfg.Risk.InitialCash, 10_000.0)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing explicit path) = nil error, want error")
	}
}

func TestPath(t *testing.T) {
	t.Setenv(PathEnv, "")
	if got := Path(""); got != DefaultPath {
		t.Errorf("Path(\"\") = %q, want %q", got, DefaultPath)
	}
	t.Setenv(PathEnv, "/etc/bt.yaml")
	if got := Path(""); got != "/etc/bt.yaml" {
		t.Errorf("Path(\"\") = %q, want %q", got, "/etc/bt.yaml")
	}
	if got := Path("flag.yaml"); got != "flag.yaml" {
		t.Errorf("Path(flag.yaml) = %q, want %q", got, "flag.yaml")
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no assets", func(c *Config) { c.Data.Assets = nil }},
		{"blank asset", func(c *Config) { c.Data.Assets = []string{"BTC-USD", " "} }},
		{"bad granularity", func(c *Config) { c.Data.Granularity = "3w" }},
		{"no window", func(c *Config) { c.Data.LookbackDays = 0 }},
		{"bad start", func(c *Config) { c.Data.Start = "01/02/2024" }},
		{"start after end", func(c *Config) { c.Data.Start, c.Data.End = "2024-03-01", "2024-02-01" }},
		{"bad source", func(c *Config) { c.Data.Source = "coinbase" }},
		{"zero cash", func(c *Config) { c.Risk.InitialCash = 0 }},
		{"risk too large", func(c *Config) { c.Risk.RiskPerTrade = 1.5 }},
		{"negative fee", func(c *Config) { c.Costs.TakerFeeBps = -1 }},
		{"bad fill timing", func(c *Config) { c.Execution.FillTiming = "vwap" }},
		{"negative trail", func(c *Config) { c.Execution.TrailATRMult = -1 }},
		{"no adapters", func(c *Config) { c.Strategy.Adapters = nil }},
		{"bad format", func(c *Config) { c.Output.Format = "xlsx" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestWindow(t *testing.T) {
	cfg := Default()
	cfg.Data.Start, cfg.Data.End = "2024-01-01", "2024-01-31"
	start, end, err := cfg.Window()
	if err != nil {
		t.Fatalf("Window() returned error: %v", err)
	}
	if want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
	if want := time.Date(2024, 1, 31, 23, 59, 59, 999999999, time.UTC); !end.Equal(want) {
		t.Errorf("end = %v, want %v", end, want)
	}
}
