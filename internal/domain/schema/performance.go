package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyWindow is the trailing window summed into DailyProfit.
const DailyWindow = 24 * time.Hour

// TradeOutcome is the bookkeeping input produced by one completed trade attempt.
type TradeOutcome struct {
	Success bool
	Profit  decimal.Decimal
	Volume  decimal.Decimal
}

type profitSample struct {
	at     time.Time
	profit decimal.Decimal
}

// Performance accumulates running counters for one wallet. The zero value is ready to use.
// It is not safe for concurrent use; the owning session serialises access.
type Performance struct {
	TotalTrades      int64
	SuccessfulTrades int64
	TotalProfit      decimal.Decimal
	TotalLoss        decimal.Decimal
	TotalVolume      decimal.Decimal

	window []profitSample
}

// Record folds one trade outcome into the counters.
func (p *Performance) Record(outcome TradeOutcome, at time.Time) {
	p.TotalTrades++
	if !outcome.Success {
		return
	}
	p.SuccessfulTrades++
	p.TotalVolume = p.TotalVolume.Add(outcome.Volume.Abs())
	switch {
	case outcome.Profit.IsPositive():
		p.TotalProfit = p.TotalProfit.Add(outcome.Profit)
	case outcome.Profit.IsNegative():
		p.TotalLoss = p.TotalLoss.Add(outcome.Profit.Abs())
	}
	p.window = append(p.window, profitSample{at: at, profit: outcome.Profit})
	p.prune(at)
}

func (p *Performance) prune(now time.Time) {
	cutoff := now.Add(-DailyWindow)
	idx := 0
	for idx < len(p.window) && !p.window[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		p.window = append(p.window[:0], p.window[idx:]...)
	}
}

// Clone returns a deep copy.
func (p *Performance) Clone() Performance {
	out := *p
	out.window = append([]profitSample(nil), p.window...)
	return out
}

// Snapshot derives the reported view at now.
func (p *Performance) Snapshot(now time.Time) PerformanceSnapshot {
	cutoff := now.Add(-DailyWindow)
	daily := decimal.Zero
	for _, sample := range p.window {
		if sample.at.After(cutoff) {
			daily = daily.Add(sample.profit)
		}
	}
	winRate := 0.0
	if p.TotalTrades > 0 {
		winRate = float64(p.SuccessfulTrades) / float64(p.TotalTrades)
	}
	average := decimal.Zero
	if p.SuccessfulTrades > 0 {
		average = p.TotalProfit.Div(decimal.NewFromInt(p.SuccessfulTrades))
	}
	return PerformanceSnapshot{
		TotalTrades:      p.TotalTrades,
		SuccessfulTrades: p.SuccessfulTrades,
		TotalProfit:      p.TotalProfit,
		TotalLoss:        p.TotalLoss,
		TotalVolume:      p.TotalVolume,
		WinRate:          winRate,
		AverageProfit:    average,
		DailyProfit:      daily,
	}
}

// PerformanceSnapshot is the immutable, client-facing view of Performance.
type PerformanceSnapshot struct {
	TotalTrades      int64           `json:"totalTrades"`
	SuccessfulTrades int64           `json:"successfulTrades"`
	TotalProfit      decimal.Decimal `json:"totalProfit"`
	TotalLoss        decimal.Decimal `json:"totalLoss"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
	WinRate          float64         `json:"winRate"`
	AverageProfit    decimal.Decimal `json:"averageProfit"`
	DailyProfit      decimal.Decimal `json:"dailyProfit"`
}
