package builtins

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/scottjoyner/portfolio-management/internal/domain"
	"github.com/scottjoyner/portfolio-management/internal/strategy"
	"github.com/scottjoyner/portfolio-management/internal/util"
)

// Compile-time interface check.
var _ strategy.Adapter = (*Rebalance)(nil)

// Rebalance defaults.
const (
	defaultVolWindow   = 30
	defaultMaxWeight   = 0.25
	defaultMaxTurnover = 0.35
)

// Rebalance emits inverse-volatility target weights on the first bar of
// each new calendar month (the first month seen is skipped). Weights are
// capped at MaxWeight and shrunk toward the previous rebalance so their L1
// turnover stays within MaxTurnover.
type Rebalance struct {
	data strategy.Data
	opts strategy.Options

	lastMonth   [2]int
	seenMonth   bool
	lastWeights map[string]float64
}

// NewRebalance creates a Rebalance adapter. opts.PreviousWeights seeds the
// turnover reference for the first rebalance.
func NewRebalance(data strategy.Data, opts strategy.Options) (*Rebalance, error) {
	if opts.MaxWeight < 0 || opts.MinWeight < 0 || opts.MaxTurnover < 0 {
		return nil, fmt.Errorf("%w: rebalance weights and turnover must be non-negative", domain.ErrInvalidConfig)
	}
	if opts.VolWindow <= 0 {
		opts.VolWindow = defaultVolWindow
	}
	if opts.MaxWeight == 0 {
		opts.MaxWeight = defaultMaxWeight
	}
	if opts.MaxTurnover == 0 {
		opts.MaxTurnover = defaultMaxTurnover
	}
	if opts.MinWeight > opts.MaxWeight {
		return nil, fmt.Errorf("%w: min_weight %g above max_weight %g", domain.ErrInvalidConfig, opts.MinWeight, opts.MaxWeight)
	}

	r := &Rebalance{data: data, opts: opts}
	if len(opts.PreviousWeights) > 0 {
		r.lastWeights = copyWeights(opts.PreviousWeights)
	}
	return r, nil
}

// Name returns "pm_rebalance".
func (r *Rebalance) Name() string { return "pm_rebalance" }

// LastWeights returns the most recent weights emitted, or the seeded
// previous weights when no rebalance has fired yet.
func (r *Rebalance) LastWeights() map[string]float64 {
	return copyWeights(r.lastWeights)
}

// OnBar returns a RebalanceSignal when step opens a new month.
func (r *Rebalance) OnBar(_ context.Context, step int) ([]domain.Signal, error) {
	y, m := util.MonthKey(r.data.Time(step))
	key := [2]int{y, int(m)}
	if !r.seenMonth {
		r.seenMonth, r.lastMonth = true, key
		return nil, nil
	}
	if key == r.lastMonth {
		return nil, nil
	}
	r.lastMonth = key

	raw := r.inverseVol(step)
	if len(raw) < 2 {
		return nil, nil
	}
	w := CapAndNormalize(raw, r.opts.MinWeight, r.opts.MaxWeight)
	w = TurnoverShrink(w, r.lastWeights, r.opts.MaxTurnover)
	r.lastWeights = copyWeights(w)

	return []domain.Signal{domain.RebalanceSignal{Name: r.Name(), Weights: w}}, nil
}

// inverseVol weights each asset with enough history by 1/stddev of its
// recent returns. Assets with zero or undefined volatility are left out.
func (r *Rebalance) inverseVol(step int) map[string]float64 {
	out := make(map[string]float64)
	for _, asset := range r.data.Assets() {
		w := r.data.Window(asset, step)
		if len(w) < r.opts.VolWindow+1 {
			continue
		}
		rets := strategy.Returns(strategy.Closes(w[len(w)-r.opts.VolWindow-1:]))
		vol := stat.StdDev(rets, nil)
		if math.IsNaN(vol) || vol <= 0 {
			continue
		}
		out[asset] = 1 / vol
	}
	return out
}

// CapAndNormalize rescales the scores in w to sum to one and then bounds
// every weight to [minW, maxW]. Weight clipped from a name is handed to the
// names still inside the bounds in proportion to their weights, repeating
// until nothing moves. Equal weights are returned when no score is positive
// or when the bounds cannot hold a full allocation.
func CapAndNormalize(w map[string]float64, minW, maxW float64) map[string]float64 {
	keys := sortedKeys(w)
	out := make(map[string]float64, len(keys))
	if len(keys) == 0 {
		return out
	}
	n := float64(len(keys))

	var sum float64
	for _, k := range keys {
		sum += math.Max(w[k], 0)
	}
	if sum <= 0 || (maxW > 0 && n*maxW < 1) || n*minW > 1 {
		for _, k := range keys {
			out[k] = 1 / n
		}
		return out
	}
	for _, k := range keys {
		out[k] = math.Max(w[k], 0) / sum
	}

	fixed := make(map[string]bool, len(keys))
	for range keys {
		var excess float64
		for _, k := range keys {
			if fixed[k] {
				continue
			}
			switch {
			case maxW > 0 && out[k] > maxW:
				excess += out[k] - maxW
				out[k], fixed[k] = maxW, true
			case out[k] < minW:
				excess -= minW - out[k]
				out[k], fixed[k] = minW, true
			}
		}
		if excess == 0 {
			break
		}

		var free []string
		var freeSum float64
		for _, k := range keys {
			if !fixed[k] {
				free = append(free, k)
				freeSum += out[k]
			}
		}
		if len(free) == 0 {
			break
		}
		for _, k := range free {
			if freeSum > 0 {
				out[k] += excess * out[k] / freeSum
			} else {
				out[k] += excess / float64(len(free))
			}
		}
	}
	return out
}

// TurnoverShrink limits the L1 distance between next and last to
// maxTurnover by blending next toward last with a geometrically shrinking
// share alpha (1, 0.8, 0.64, ...) for up to 30 steps, falling back to an
// even blend. With no previous weights next is returned as is.
func TurnoverShrink(next, last map[string]float64, maxTurnover float64) map[string]float64 {
	keys := unionKeys(next, last)
	var lastSum float64
	for _, k := range keys {
		lastSum += last[k]
	}
	if l1(next, last, keys) <= maxTurnover || lastSum == 0 {
		return next
	}

	alpha := 1.0
	for i := 0; i < 30; i++ {
		alpha *= 0.8
		cand := blend(next, last, keys, alpha)
		if l1(cand, last, keys) <= maxTurnover {
			return restrict(cand, next)
		}
	}
	return restrict(blend(next, last, keys, 0.5), next)
}

func blend(next, last map[string]float64, keys []string, alpha float64) map[string]float64 {
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = alpha*next[k] + (1-alpha)*last[k]
	}
	return out
}

func l1(a, b map[string]float64, keys []string) float64 {
	var tau float64
	for _, k := range keys {
		tau += math.Abs(a[k] - b[k])
	}
	return tau
}

// restrict keeps only next's assets and renormalizes.
func restrict(w, next map[string]float64) map[string]float64 {
	keys := sortedKeys(next)
	out := make(map[string]float64, len(keys))
	var sum float64
	for _, k := range keys {
		out[k] = w[k]
		sum += w[k]
	}
	if sum > 0 {
		for _, k := range keys {
			out[k] /= sum
		}
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unionKeys(a, b map[string]float64) []string {
	seen := make(map[string]float64, len(a)+len(b))
	for k := range a {
		seen[k] = 0
	}
	for k := range b {
		seen[k] = 0
	}
	return sortedKeys(seen)
}

func copyWeights(w map[string]float64) map[string]float64 {
	if w == nil {
		return nil
	}
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
