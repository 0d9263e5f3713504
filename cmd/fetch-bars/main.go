package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/scottjoyner/portfolio-management/internal/backtest"
	"github.com/scottjoyner/portfolio-management/internal/config"
	"github.com/scottjoyner/portfolio-management/internal/marketdata"
	"github.com/scottjoyner/portfolio-management/internal/store"
	"github.com/scottjoyner/portfolio-management/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $BACKTEST_CONFIG or "+config.DefaultPath+")")
	assets := flag.String("assets", "", "comma-separated assets; defaults to the configured universe")
	granularity := flag.String("granularity", "", "bar granularity; defaults to the configured one")
	lookback := flag.Int("lookback-days", 0, "days of history; defaults to the configured window")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *assets != "" {
		cfg.Data.Assets = strings.Split(*assets, ",")
	}
	if *granularity != "" {
		cfg.Data.Granularity = *granularity
	}
	if *lookback > 0 {
		cfg.Data.LookbackDays = *lookback
	}

	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	req, err := backtest.HistoryRequest(cfg)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("alpaca credentials missing: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}

	cache := store.NewParquetStore(cfg.Data.Dir)
	fetcher := marketdata.NewCachingFetcher(cache, marketdata.NewAlpacaFetcher(backtest.AlpacaConfig(cfg)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start, end := req.Range()
	slog.Info("warming bar cache", "assets", len(req.Assets), "granularity", req.Granularity, "start", start, "end", end, "dir", cfg.Data.Dir)

	failed := 0
	for _, asset := range req.Assets {
		asset = strings.TrimSpace(asset)
		bars, err := fetcher.FetchBars(ctx, asset, req.Granularity, start, end)
		if err != nil {
			slog.Error("fetch failed", "asset", asset, "error", err)
			failed++
			if ctx.Err() != nil {
				break
			}
			continue
		}
		slog.Info("cached", "asset", asset, "bars", len(bars))
	}
	if failed > 0 {
		slog.Error("some assets failed", "failed", failed)
		os.Exit(1)
	}
}
