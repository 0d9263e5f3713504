package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/scottjoyner/portfolio-management/internal/backtest"
	"github.com/scottjoyner/portfolio-management/internal/config"
	"github.com/scottjoyner/portfolio-management/internal/strategy/builtins"
	"github.com/scottjoyner/portfolio-management/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $BACKTEST_CONFIG or "+config.DefaultPath+")")
	assets := flag.String("assets", "", "comma-separated asset universe, e.g. BTC-USD,ETH-USD")
	granularity := flag.String("granularity", "", "bar granularity: 1m, 5m, 15m, 1h, 6h, 1d")
	lookback := flag.Int("lookback-days", 0, "days of history to load")
	start := flag.String("start", "", "first date, YYYY-MM-DD")
	end := flag.String("end", "", "last date, YYYY-MM-DD")
	source := flag.String("source", "", "history source: alpaca, parquet, cached")
	adapters := flag.String("adapters", "", "comma-separated adapters: "+strings.Join(builtins.Default().List(), ","))
	initialCash := flag.Float64("initial-cash", 0, "starting cash")
	riskPerTrade := flag.Float64("risk-per-trade", 0, "fraction of equity risked per bracket trade")
	feeBps := flag.Float64("fee-bps", 0, "taker fee in basis points")
	slipBps := flag.Float64("slip-bps", 0, "slippage in basis points")
	spreadBps := flag.Float64("spread-bps", 0, "synthetic full spread in basis points")
	impact := flag.Float64("impact-coeff", 0, "square-root impact coefficient")
	fill := flag.String("fill", "", "fill timing: close or next")
	minNotional := flag.Float64("min-notional", 0, "smallest trade notional")
	maxPositions := flag.Int("max-positions", 0, "bracket position cap, 0 for unlimited")
	allowShort := flag.Bool("allow-short", false, "accept sell entries as short positions")
	includeHoldings := flag.Bool("include-holdings", true, "liquidate rebalance holdings at the end")
	benchmark := flag.String("benchmark", "", "buy-and-hold reference asset")
	prevWeights := flag.String("prev-weights", "", "prior run directory or summary whose final weights seed the turnover cap")
	outDir := flag.String("out", "", "output directory")
	format := flag.String("format", "", "output format: csv or parquet")
	logLevel := flag.String("log-level", "", "debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Flags override the file and environment only when given.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "assets":
			cfg.Data.Assets = splitList(*assets)
		case "granularity":
			cfg.Data.Granularity = *granularity
		case "lookback-days":
			cfg.Data.LookbackDays = *lookback
		case "start":
			cfg.Data.Start = *start
		case "end":
			cfg.Data.End = *end
		case "source":
			cfg.Data.Source = *source
		case "adapters":
			cfg.Strategy.Adapters = splitList(*adapters)
		case "initial-cash":
			cfg.Risk.InitialCash = *initialCash
		case "risk-per-trade":
			cfg.Risk.RiskPerTrade = *riskPerTrade
		case "fee-bps":
			cfg.Costs.TakerFeeBps = *feeBps
		case "slip-bps":
			cfg.Costs.SlippageBps = *slipBps
		case "spread-bps":
			cfg.Costs.SpreadBps = *spreadBps
		case "impact-coeff":
			cfg.Costs.ImpactCoeff = *impact
		case "fill":
			cfg.Execution.FillTiming = *fill
		case "min-notional":
			cfg.Risk.MinNotional = *minNotional
		case "max-positions":
			cfg.Risk.MaxPositions = *maxPositions
		case "allow-short":
			cfg.Risk.AllowShort = *allowShort
		case "include-holdings":
			cfg.Liquidation.IncludeHoldings = *includeHoldings
		case "benchmark":
			cfg.Benchmark.Asset = *benchmark
		case "prev-weights":
			cfg.Strategy.PreviousWeightsFile = *prevWeights
		case "out":
			cfg.Output.Dir = *outDir
		case "format":
			cfg.Output.Format = *format
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})

	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	runner, err := backtest.NewRunner(cfg)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sum, runErr := runner.Run(ctx)
	if sum != nil {
		out, err := yaml.Marshal(sum)
		if err != nil {
			log.Fatalf("encoding summary: %v", err)
		}
		fmt.Print(string(out))
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "backtest failed: %v\n", runErr)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
