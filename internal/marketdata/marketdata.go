// Package marketdata fetches historical OHLCV bars. The backtest treats it
// as an up-front collaborator: all history is loaded before the loop starts.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/scottjoyner/portfolio-management/internal/domain"
	"github.com/scottjoyner/portfolio-management/internal/store"
)

// Fetcher returns the bars of one asset within [start, end], sorted
// ascending. An asset with no history yields an empty slice, not an error.
type Fetcher interface {
	FetchBars(ctx context.Context, asset string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error)
}

// Compile-time interface checks.
var _ Fetcher = (*StoreFetcher)(nil)
var _ Fetcher = (*CachingFetcher)(nil)
var _ Fetcher = (*AlpacaFetcher)(nil)

// ---------------------------------------------------------------------------
// StoreFetcher
// ---------------------------------------------------------------------------

// StoreFetcher serves bars from a local BarStore only.
type StoreFetcher struct {
	store store.BarStore
}

// NewStoreFetcher creates a StoreFetcher reading from s.
func NewStoreFetcher(s store.BarStore) *StoreFetcher {
	return &StoreFetcher{store: s}
}

// FetchBars reads bars from the store.
func (f *StoreFetcher) FetchBars(ctx context.Context, asset string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	return f.store.ReadBars(ctx, asset, gran, start, end)
}

// ---------------------------------------------------------------------------
// CachingFetcher
// ---------------------------------------------------------------------------

// CachingFetcher serves bars from a local store when it covers the request
// and otherwise fetches from source and writes the result back.
type CachingFetcher struct {
	cache  store.BarStore
	source Fetcher
	log    *slog.Logger
}

// NewCachingFetcher creates a read-through cache in front of source.
func NewCachingFetcher(cache store.BarStore, source Fetcher) *CachingFetcher {
	return &CachingFetcher{
		cache:  cache,
		source: source,
		log:    slog.Default().With("component", "bar-cache"),
	}
}

// FetchBars returns cached bars when they span [start, end] to within three
// bar intervals, and fetches from source otherwise.
func (f *CachingFetcher) FetchBars(ctx context.Context, asset string, gran domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	cached, err := f.cache.ReadBars(ctx, asset, gran, start, end)
	if err != nil {
		f.log.Warn("cache read failed", "asset", asset, "err", err)
	} else if covers(cached, gran, start, end) {
		f.log.Debug("cache hit", "asset", asset, "bars", len(cached))
		return cached, nil
	}

	bars, err := f.source.FetchBars(ctx, asset, gran, start, end)
	if err != nil {
		return nil, err
	}
	if err := f.cache.WriteBars(ctx, gran, bars); err != nil {
		f.log.Warn("cache write failed", "asset", asset, "err", err)
	}
	return bars, nil
}

func covers(bars []domain.Bar, gran domain.Granularity, start, end time.Time) bool {
	if len(bars) == 0 {
		return false
	}
	slack := 3 * gran.Duration()
	first, last := bars[0].Timestamp, bars[len(bars)-1].Timestamp
	return !first.After(start.Add(slack)) && !last.Before(end.Add(-slack))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// normalize sorts bars by time and keeps the last bar seen for each
// timestamp.
func normalize(asset string, bars []domain.Bar) []domain.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	out := bars[:0]
	for _, b := range bars {
		b.Symbol = asset
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(b.Timestamp) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

func chunkSpan(gran domain.Granularity, chunkBars int) (time.Duration, error) {
	d := gran.Duration()
	if d == 0 {
		return 0, fmt.Errorf("unsupported granularity %q", gran)
	}
	if chunkBars <= 0 {
		chunkBars = 200
	}
	return time.Duration(chunkBars) * d, nil
}
