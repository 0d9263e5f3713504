// Package portal aligns several assets' price histories onto one common
// timestamp index and hands strategies a growing, read-only window of it.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/scottjoyner/portfolio-management/internal/domain"
	"github.com/scottjoyner/portfolio-management/internal/marketdata"
)

// Request describes the history to load.
type Request struct {
	Assets       []string
	Granularity  domain.Granularity
	LookbackDays int
	Start        time.Time // optional clip, inclusive
	End          time.Time // optional clip, inclusive; defaults to now
	AllowMissing bool      // drop assets with no bars instead of failing
}

// Portal holds aligned bars for every asset. Step i refers to the i-th
// common timestamp; every asset has exactly one bar per step.
type Portal struct {
	assets []string
	index  []time.Time
	bars   map[string][]domain.Bar
}

// Range returns the fetch window: LookbackDays before End (now when unset),
// narrowed to Start when that is later or no lookback is given.
func (req Request) Range() (start, end time.Time) {
	end = req.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start = end.Add(-time.Duration(req.LookbackDays) * 24 * time.Hour)
	if !req.Start.IsZero() && (req.LookbackDays <= 0 || req.Start.After(start)) {
		start = req.Start
	}
	return start, end
}

// Load fetches each asset's history through f and aligns the results.
func Load(ctx context.Context, f marketdata.Fetcher, req Request) (*Portal, error) {
	start, end := req.Range()
	series := make(map[string][]domain.Bar, len(req.Assets))
	for _, asset := range req.Assets {
		bars, err := f.FetchBars(ctx, asset, req.Granularity, start, end)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", asset, err)
		}
		series[asset] = bars
	}
	return New(req.Assets, series, req.Start, req.End, req.AllowMissing)
}

// New aligns in-memory series onto the intersection of their timestamps,
// clipped to [start, end] when those are non-zero. assets fixes the asset
// order; an asset whose series is empty either fails the load or, with
// allowMissing, is dropped.
func New(assets []string, series map[string][]domain.Bar, start, end time.Time, allowMissing bool) (*Portal, error) {
	if len(assets) == 0 {
		return nil, &domain.InsufficientDataError{Reason: "no assets requested"}
	}

	var kept, empty []string
	for _, a := range assets {
		if len(series[a]) == 0 {
			empty = append(empty, a)
			continue
		}
		kept = append(kept, a)
	}
	if len(empty) > 0 {
		if !allowMissing {
			return nil, &domain.InsufficientDataError{Assets: empty, Reason: "no bars returned"}
		}
		slog.Warn("dropping assets with no history", "assets", empty)
	}
	if len(kept) == 0 {
		return nil, &domain.InsufficientDataError{Assets: assets, Reason: "no asset has history"}
	}

	// Index each series by timestamp; later duplicates win.
	byTS := make(map[string]map[int64]domain.Bar, len(kept))
	for _, a := range kept {
		m := make(map[int64]domain.Bar, len(series[a]))
		for _, b := range series[a] {
			b.Symbol = a
			m[b.Timestamp.UnixNano()] = b
		}
		byTS[a] = m
	}

	var common []int64
	for ts := range byTS[kept[0]] {
		t := time.Unix(0, ts)
		if !start.IsZero() && t.Before(start) {
			continue
		}
		if !end.IsZero() && t.After(end) {
			continue
		}
		inAll := true
		for _, a := range kept[1:] {
			if _, ok := byTS[a][ts]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			common = append(common, ts)
		}
	}
	if len(common) == 0 {
		return nil, &domain.InsufficientDataError{Assets: kept, Reason: "no overlapping timestamps"}
	}
	sort.Slice(common, func(i, j int) bool { return common[i] < common[j] })

	p := &Portal{
		assets: kept,
		index:  make([]time.Time, len(common)),
		bars:   make(map[string][]domain.Bar, len(kept)),
	}
	for i, ts := range common {
		p.index[i] = time.Unix(0, ts).UTC()
	}
	for _, a := range kept {
		aligned := make([]domain.Bar, len(common))
		for i, ts := range common {
			aligned[i] = byTS[a][ts]
		}
		p.bars[a] = aligned
	}
	return p, nil
}

// Assets returns the aligned assets in request order.
func (p *Portal) Assets() []string {
	return append([]string(nil), p.assets...)
}

// Len returns the number of steps.
func (p *Portal) Len() int { return len(p.index) }

// TimeIndex returns a copy of the common timestamps.
func (p *Portal) TimeIndex() []time.Time {
	return append([]time.Time(nil), p.index...)
}

// Time returns the timestamp of step.
func (p *Portal) Time(step int) time.Time { return p.index[step] }

// Window returns asset's bars from the first step through step inclusive.
// The slice is capped at step+1 so it cannot be resliced forward. It is nil
// for an unknown asset or an out-of-range step.
func (p *Portal) Window(asset string, step int) []domain.Bar {
	bars, ok := p.bars[asset]
	if !ok || step < 0 || step >= len(bars) {
		return nil
	}
	n := step + 1
	return bars[:n:n]
}

// BarAt returns asset's bar at step.
func (p *Portal) BarAt(asset string, step int) (domain.Bar, bool) {
	bars, ok := p.bars[asset]
	if !ok || step < 0 || step >= len(bars) {
		return domain.Bar{}, false
	}
	return bars[step], true
}

// Closes returns every asset's close at step.
func (p *Portal) Closes(step int) map[string]float64 {
	out := make(map[string]float64, len(p.assets))
	for _, a := range p.assets {
		out[a] = p.bars[a][step].Close
	}
	return out
}
