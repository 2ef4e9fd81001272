// Package swap implements swap executors. All executors trade from one shared backing account;
// the beneficiary on each request is bookkeeping only.
package swap

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/stratum/errs"
	"github.com/coachpo/stratum/internal/domain/schema"
)

var bpsScale = decimal.NewFromInt(10_000)

// PriceSource supplies the latest price for a pair.
type PriceSource interface {
	Price(pair string) (decimal.Decimal, bool)
}

// PaperOptions configures the simulated executor.
type PaperOptions struct {
	FeeBps int
	// MaxSlippageBps bounds the random adverse fill; fills beyond the request's slippageBps fail.
	MaxSlippageBps int
	FailureRate    float64
	Latency        time.Duration
	// InitialBalances seeds the shared account, keyed by token symbol.
	InitialBalances map[string]decimal.Decimal
	Seed            uint64
}

// Paper fills swaps against a price source. Amounts are quote-token notionals; ActualOut
// marks the received side at the execution-time price.
type Paper struct {
	prices PriceSource
	opts   PaperOptions

	mu          sync.Mutex
	rng         *rand.Rand
	balances    map[string]decimal.Decimal
	beneficiary map[string]map[string]decimal.Decimal
}

// NewPaper constructs a paper executor.
func NewPaper(prices PriceSource, opts PaperOptions) (*Paper, error) {
	if prices == nil {
		return nil, fmt.Errorf("paper swap: price source required")
	}
	if opts.FailureRate < 0 || opts.FailureRate > 1 {
		return nil, fmt.Errorf("paper swap: failure rate must be within [0,1]")
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	balances := make(map[string]decimal.Decimal, len(opts.InitialBalances))
	for token, amount := range opts.InitialBalances {
		balances[strings.ToUpper(token)] = amount
	}
	return &Paper{
		prices:      prices,
		opts:        opts,
		rng:         rand.New(rand.NewPCG(seed, seed>>1|1)),
		balances:    balances,
		beneficiary: make(map[string]map[string]decimal.Decimal),
	}, nil
}

// GetQuote prices req at the current feed price net of fees.
func (p *Paper) GetQuote(ctx context.Context, req schema.SwapRequest) (schema.Quote, error) {
	if err := ctx.Err(); err != nil {
		return schema.Quote{}, err
	}
	if err := validateRequest(req); err != nil {
		return schema.Quote{}, err
	}
	price, ok := p.prices.Price(req.Pair)
	if !ok || !price.IsPositive() {
		return schema.Quote{}, errs.New("swap/quote", errs.CodeUnavailable,
			errs.WithMessage("no price for pair"), errs.WithField("pair", req.Pair))
	}
	return schema.Quote{
		Pair:        req.Pair,
		Direction:   req.Direction,
		AmountIn:    req.AmountIn,
		ExpectedOut: req.AmountIn.Mul(p.feeFactor()),
		Price:       price,
	}, nil
}

// ExecuteSwap fills req against quote. A fill outside tolerance returns an unsuccessful result, not an error.
func (p *Paper) ExecuteSwap(ctx context.Context, req schema.SwapRequest, quote schema.Quote) (schema.SwapResult, error) {
	if err := validateRequest(req); err != nil {
		return schema.SwapResult{}, err
	}
	if p.opts.Latency > 0 {
		timer := time.NewTimer(p.opts.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return schema.SwapResult{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return schema.SwapResult{}, err
	}

	result := schema.SwapResult{AmountIn: req.AmountIn, ExpectedOut: quote.ExpectedOut}
	current, ok := p.prices.Price(req.Pair)
	if !ok || !current.IsPositive() || !quote.Price.IsPositive() {
		result.Error = "no price for pair"
		return result, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.FailureRate > 0 && p.rng.Float64() < p.opts.FailureRate {
		result.Error = "simulated venue failure"
		return result, nil
	}
	slipBps := 0
	if p.opts.MaxSlippageBps > 0 {
		slipBps = p.rng.IntN(p.opts.MaxSlippageBps + 1)
	}
	if slipBps > req.SlippageBps {
		result.Error = fmt.Sprintf("slippage %dbps exceeds tolerance %dbps", slipBps, req.SlippageBps)
		return result, nil
	}
	slip := decimal.NewFromInt(1).Sub(decimal.NewFromInt(int64(slipBps)).Div(bpsScale))

	// buys gain when the price rises after quoting; sells gain when it falls
	move := current.Div(quote.Price)
	if req.Direction == schema.DirectionSell {
		move = quote.Price.Div(current)
	}
	result.ActualOut = req.AmountIn.Mul(move).Mul(p.feeFactor()).Mul(slip).Round(8)
	result.Success = true
	result.TxHash = "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")

	execPrice := current.Mul(slip)
	if req.Direction == schema.DirectionBuy {
		execPrice = current.Mul(decimal.NewFromInt(2).Sub(slip))
	}
	p.settle(req, execPrice)
	return result, nil
}

func (p *Paper) settle(req schema.SwapRequest, execPrice decimal.Decimal) {
	base, quoteToken := splitPair(req.Pair)
	baseAmount := req.AmountIn.Div(execPrice).Round(8)
	deltaBase, deltaQuote := baseAmount, req.AmountIn.Neg()
	if req.Direction == schema.DirectionSell {
		deltaBase, deltaQuote = baseAmount.Neg(), req.AmountIn
	}
	p.balances[base] = p.balances[base].Add(deltaBase)
	p.balances[quoteToken] = p.balances[quoteToken].Add(deltaQuote)

	if req.Beneficiary == "" {
		return
	}
	ledger, ok := p.beneficiary[req.Beneficiary]
	if !ok {
		ledger = make(map[string]decimal.Decimal)
		p.beneficiary[req.Beneficiary] = ledger
	}
	ledger[base] = ledger[base].Add(deltaBase)
	ledger[quoteToken] = ledger[quoteToken].Add(deltaQuote)
}

// GetBalances reports the shared account.
func (p *Paper) GetBalances(ctx context.Context) ([]schema.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedBalances(p.balances), nil
}

// BeneficiaryBalances reports the net flows attributed to one wallet.
func (p *Paper) BeneficiaryBalances(wallet string) []schema.Balance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedBalances(p.beneficiary[wallet])
}

func (p *Paper) feeFactor() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(decimal.NewFromInt(int64(p.opts.FeeBps)).Div(bpsScale))
}

func validateRequest(req schema.SwapRequest) error {
	switch {
	case strings.TrimSpace(req.Pair) == "":
		return errs.New("swap/request", errs.CodeInvalid, errs.WithMessage("pair required"))
	case !req.Direction.Valid():
		return errs.New("swap/request", errs.CodeInvalid, errs.WithMessage("direction must be buy or sell"))
	case !req.AmountIn.IsPositive():
		return errs.New("swap/request", errs.CodeInvalid, errs.WithMessage("amountIn must be > 0"))
	}
	return nil
}

func splitPair(pair string) (string, string) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	for _, sep := range []string{"/", "-", "_"} {
		if base, quote, ok := strings.Cut(pair, sep); ok {
			return base, quote
		}
	}
	return pair, "QUOTE"
}

func sortedBalances(m map[string]decimal.Decimal) []schema.Balance {
	out := make([]schema.Balance, 0, len(m))
	for token, amount := range m {
		out = append(out, schema.Balance{Token: token, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}
