package metrics

import (
	"math"
	"sort"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// TradeStats aggregates a set of completed trades. A trade with positive
// PnL is a win; anything else is a loss.
type TradeStats struct {
	Trades       int     `yaml:"trades"`
	Wins         int     `yaml:"wins"`
	Losses       int     `yaml:"losses"`
	WinRate      float64 `yaml:"win_rate"`
	TotalPnL     float64 `yaml:"total_pnl"`
	AvgWin       float64 `yaml:"avg_win"`
	AvgLoss      float64 `yaml:"avg_loss"`
	ProfitFactor float64 `yaml:"profit_factor"` // gross win / gross loss; +Inf without losses
	MeanR        float64 `yaml:"mean_r"`
	StdR         float64 `yaml:"std_r"`
	AvgWinR      float64 `yaml:"avg_win_r"`
	AvgLossR     float64 `yaml:"avg_loss_r"`

	MaxConsecutiveWins   int `yaml:"max_consecutive_wins"`
	MaxConsecutiveLosses int `yaml:"max_consecutive_losses"`
}

// Map returns the statistics keyed by name for the run registry.
func (s TradeStats) Map() map[string]float64 {
	return map[string]float64{
		"trades":                 float64(s.Trades),
		"wins":                   float64(s.Wins),
		"losses":                 float64(s.Losses),
		"win_rate":               s.WinRate,
		"total_pnl":              s.TotalPnL,
		"avg_win":                s.AvgWin,
		"avg_loss":               s.AvgLoss,
		"profit_factor":          s.ProfitFactor,
		"mean_r":                 s.MeanR,
		"std_r":                  s.StdR,
		"avg_win_r":              s.AvgWinR,
		"avg_loss_r":             s.AvgLossR,
		"max_consecutive_wins":   float64(s.MaxConsecutiveWins),
		"max_consecutive_losses": float64(s.MaxConsecutiveLosses),
	}
}

// ComputeTradeStats aggregates trades in close order.
func ComputeTradeStats(trades []domain.TradeRecord) TradeStats {
	var s TradeStats
	if len(trades) == 0 {
		return s
	}

	sorted := make([]domain.TradeRecord, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CloseTS.Before(sorted[j].CloseTS)
	})

	var grossWin, grossLoss, winR, lossR float64
	var streakWin, streakLoss int
	rs := make([]float64, 0, len(sorted))
	for _, t := range sorted {
		s.Trades++
		s.TotalPnL += t.PnL
		rs = append(rs, t.RMultiple)
		if t.PnL > 0 {
			s.Wins++
			grossWin += t.PnL
			winR += t.RMultiple
			streakWin++
			streakLoss = 0
		} else {
			s.Losses++
			grossLoss += -t.PnL
			lossR += t.RMultiple
			streakLoss++
			streakWin = 0
		}
		s.MaxConsecutiveWins = max(s.MaxConsecutiveWins, streakWin)
		s.MaxConsecutiveLosses = max(s.MaxConsecutiveLosses, streakLoss)
	}

	s.WinRate = float64(s.Wins) / float64(s.Trades)
	if s.Wins > 0 {
		s.AvgWin = grossWin / float64(s.Wins)
		s.AvgWinR = winR / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = -grossLoss / float64(s.Losses)
		s.AvgLossR = lossR / float64(s.Losses)
	}
	switch {
	case grossLoss > 0:
		s.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		s.ProfitFactor = math.Inf(1)
	}
	s.MeanR, s.StdR = meanStd(rs)
	return s
}

// ByStrategy groups trades by the strategy that opened them.
func ByStrategy(trades []domain.TradeRecord) map[string]TradeStats {
	groups := make(map[string][]domain.TradeRecord)
	for _, t := range trades {
		groups[t.Strategy] = append(groups[t.Strategy], t)
	}
	out := make(map[string]TradeStats, len(groups))
	for name, g := range groups {
		out[name] = ComputeTradeStats(g)
	}
	return out
}
