// Package market provides the price feeds strategy loops read market snapshots from.
package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/stratum/errs"
	"github.com/coachpo/stratum/internal/domain/schema"
)

const defaultHistorySize = 32

// Feed serves market snapshots by pair.
type Feed interface {
	Snapshot(ctx context.Context, pair string) (schema.MarketSnapshot, error)
	Price(pair string) (decimal.Decimal, bool)
}

// NormalizePair upper-cases a pair symbol.
func NormalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

// window keeps a bounded price history per pair.
type window struct {
	mu     sync.RWMutex
	size   int
	series map[string]*series
}

type series struct {
	prices    []decimal.Decimal
	updatedAt time.Time
}

func newWindow(size int) *window {
	if size <= 1 {
		size = defaultHistorySize
	}
	return &window{size: size, series: make(map[string]*series)}
}

func (w *window) push(pair string, price decimal.Decimal, at time.Time) {
	pair = NormalizePair(pair)
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.series[pair]
	if !ok {
		s = &series{prices: make([]decimal.Decimal, 0, w.size)}
		w.series[pair] = s
	}
	s.prices = append(s.prices, price)
	if len(s.prices) > w.size {
		s.prices = append(s.prices[:0], s.prices[len(s.prices)-w.size:]...)
	}
	s.updatedAt = at
}

func (w *window) last(pair string) (decimal.Decimal, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.series[NormalizePair(pair)]
	if !ok || len(s.prices) == 0 {
		return decimal.Decimal{}, false
	}
	return s.prices[len(s.prices)-1], true
}

func (w *window) pairs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.series))
	for pair := range w.series {
		out = append(out, pair)
	}
	return out
}

func (w *window) snapshot(ctx context.Context, pair string) (schema.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return schema.MarketSnapshot{}, err
	}
	pair = NormalizePair(pair)
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.series[pair]
	if !ok || len(s.prices) == 0 {
		return schema.MarketSnapshot{}, errs.New("market/snapshot", errs.CodeUnavailable,
			errs.WithMessage("no price for pair"), errs.WithField("pair", pair))
	}
	history := make([]decimal.Decimal, len(s.prices))
	copy(history, s.prices)
	return schema.MarketSnapshot{
		Pair:      pair,
		Price:     history[len(history)-1],
		History:   history,
		Timestamp: s.updatedAt,
	}, nil
}
