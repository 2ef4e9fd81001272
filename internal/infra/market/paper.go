package market

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/stratum/internal/domain/schema"
)

const (
	defaultPaperInterval   = time.Second
	defaultPaperVolatility = 0.002
	defaultBasePrice       = 100
)

// PaperOptions configures the random-walk feed.
type PaperOptions struct {
	// BasePrices seeds each pair; pairs requested later start at 100.
	BasePrices map[string]decimal.Decimal
	Interval   time.Duration
	Volatility float64
	Drift      float64
	History    int
	Seed       uint64
}

// PaperFeed generates a seeded geometric random walk per pair.
type PaperFeed struct {
	*window
	opts PaperOptions

	mu    sync.Mutex
	rng   *rand.Rand
	clock func() time.Time
}

// NewPaperFeed constructs a paper feed and seeds every configured pair.
func NewPaperFeed(opts PaperOptions) *PaperFeed {
	if opts.Interval <= 0 {
		opts.Interval = defaultPaperInterval
	}
	if opts.Volatility <= 0 {
		opts.Volatility = defaultPaperVolatility
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	f := &PaperFeed{
		window: newWindow(opts.History),
		opts:   opts,
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
		clock:  time.Now,
	}
	now := f.clock().UTC()
	for pair, price := range opts.BasePrices {
		f.push(pair, price, now)
	}
	return f
}

// Snapshot returns the current window, seeding unknown pairs.
func (f *PaperFeed) Snapshot(ctx context.Context, pair string) (schema.MarketSnapshot, error) {
	if _, ok := f.last(pair); !ok {
		f.push(pair, decimal.NewFromInt(defaultBasePrice), f.clock().UTC())
	}
	return f.snapshot(ctx, pair)
}

// Price returns the latest price of pair.
func (f *PaperFeed) Price(pair string) (decimal.Decimal, bool) {
	return f.last(pair)
}

// Step advances every pair by one random-walk step.
func (f *PaperFeed) Step() {
	now := f.clock().UTC()
	for _, pair := range f.pairs() {
		last, ok := f.last(pair)
		if !ok {
			continue
		}
		f.push(pair, f.next(last), now)
	}
}

func (f *PaperFeed) next(last decimal.Decimal) decimal.Decimal {
	f.mu.Lock()
	shock := f.rng.NormFloat64()
	f.mu.Unlock()
	factor := math.Exp(f.opts.Drift + f.opts.Volatility*shock)
	next := last.Mul(decimal.NewFromFloat(factor)).Round(8)
	if !next.IsPositive() {
		return last
	}
	return next
}

// Run steps the walk every Interval until ctx is done.
func (f *PaperFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Step()
		}
	}
}
