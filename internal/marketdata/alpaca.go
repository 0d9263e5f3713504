package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/scottjoyner/portfolio-management/internal/domain"
	"github.com/scottjoyner/portfolio-management/internal/util"
)

// barClient is the subset of the Alpaca *marketdata.Client used here.
type barClient interface {
	GetBars(symbol string, req alpacamd.GetBarsRequest) ([]alpacamd.Bar, error)
	GetCryptoBars(symbol string, req alpacamd.GetCryptoBarsRequest) ([]alpacamd.CryptoBar, error)
}

// AlpacaConfig configures an AlpacaFetcher.
type AlpacaConfig struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string // stock feed, e.g. "sip" or "iex"
	ChunkBars       int
	RateLimitPerMin int
	Backoff         util.Backoff
}

// AlpacaFetcher pulls bars from the Alpaca market-data API in time chunks of
// ChunkBars bars, retrying each chunk with exponential backoff. Assets
// written as "BASE/QUOTE" or "BASE-USD" are fetched as crypto; everything
// else as US equities.
type AlpacaFetcher struct {
	client  barClient
	cfg     AlpacaConfig
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaFetcher creates an AlpacaFetcher with a live API client.
func NewAlpacaFetcher(cfg AlpacaConfig) *AlpacaFetcher {
	opts := alpacamd.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return newAlpacaFetcher(alpacamd.NewClient(opts), cfg)
}

func newAlpacaFetcher(client barClient, cfg AlpacaConfig) *AlpacaFetcher {
	if cfg.Feed == "" {
		cfg.Feed = "sip"
	}
	var limiter *util.RateLimiter
	if cfg.RateLimitPerMin > 0 {
		limiter = util.NewRateLimiter(cfg.RateLimitPerMin)
	}
	return &AlpacaFetcher{
		client:  client,
		cfg:     cfg,
		limiter: limiter,
		log:     slog.Default().With("component", "alpaca-bars"),
	}
}

// FetchBars fetches [start, end] chunk by chunk and returns the bars sorted
// and deduplicated.
func (f *AlpacaFetcher) FetchBars(ctx context.Context, asset string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	span, err := chunkSpan(gran, f.cfg.ChunkBars)
	if err != nil {
		return nil, err
	}
	tf, err := timeFrame(gran)
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	for chunkStart := start; chunkStart.Before(end); chunkStart = chunkStart.Add(span) {
		chunkEnd := chunkStart.Add(span)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		var chunk []domain.Bar
		err := util.Retry(ctx, f.cfg.Backoff, func() error {
			if err := f.limiter.Wait(ctx); err != nil {
				return util.Permanent(err)
			}
			var ferr error
			chunk, ferr = f.fetchChunk(asset, tf, chunkStart, chunkEnd)
			if ferr != nil {
				f.log.Debug("chunk fetch failed", "asset", asset, "start", chunkStart, "err", ferr)
			}
			return ferr
		})
		if err != nil {
			return nil, fmt.Errorf("fetching %s bars %s..%s: %w", asset,
				chunkStart.Format(time.RFC3339), chunkEnd.Format(time.RFC3339), err)
		}
		bars = append(bars, chunk...)
	}

	bars = normalize(asset, bars)
	f.log.Info("fetched bars", "asset", asset, "granularity", gran, "bars", len(bars))
	return bars, nil
}

func (f *AlpacaFetcher) fetchChunk(asset string, tf alpacamd.TimeFrame, start, end time.Time) ([]domain.Bar, error) {
	if pair, ok := cryptoPair(asset); ok {
		cbars, err := f.client.GetCryptoBars(pair, alpacamd.GetCryptoBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
		})
		if err != nil {
			return nil, err
		}
		out := make([]domain.Bar, 0, len(cbars))
		for _, b := range cbars {
			out = append(out, domain.Bar{
				Symbol:     asset,
				Timestamp:  b.Timestamp.UTC(),
				Open:       b.Open,
				High:       b.High,
				Low:        b.Low,
				Close:      b.Close,
				Volume:     b.Volume,
				TradeCount: int64(b.TradeCount),
				VWAP:       b.VWAP,
			})
		}
		return out, nil
	}

	sbars, err := f.client.GetBars(strings.ToUpper(asset), alpacamd.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
		Feed:      f.cfg.Feed,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Bar, 0, len(sbars))
	for _, b := range sbars {
		out = append(out, domain.Bar{
			Symbol:     asset,
			Timestamp:  b.Timestamp.UTC(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     float64(b.Volume),
			TradeCount: int64(b.TradeCount),
			VWAP:       b.VWAP,
		})
	}
	return out, nil
}

// cryptoPair maps "BTC-USD" and "BTC/USD" to Alpaca's "BTC/USD".
func cryptoPair(asset string) (string, bool) {
	a := strings.ToUpper(asset)
	if strings.Contains(a, "/") {
		return a, true
	}
	for _, quote := range []string{"-USD", "-USDT", "-USDC"} {
		if strings.HasSuffix(a, quote) {
			return strings.TrimSuffix(a, quote) + "/" + quote[1:], true
		}
	}
	return "", false
}

func timeFrame(gran domain.Granularity) (alpacamd.TimeFrame, error) {
	switch gran {
	case domain.OneMinute:
		return alpacamd.OneMin, nil
	case domain.FiveMinutes:
		return alpacamd.NewTimeFrame(5, alpacamd.Min), nil
	case domain.FifteenMinutes:
		return alpacamd.NewTimeFrame(15, alpacamd.Min), nil
	case domain.OneHour:
		return alpacamd.OneHour, nil
	case domain.SixHours:
		return alpacamd.NewTimeFrame(6, alpacamd.Hour), nil
	case domain.OneDay:
		return alpacamd.OneDay, nil
	}
	return alpacamd.TimeFrame{}, fmt.Errorf("unsupported granularity %q", gran)
}
