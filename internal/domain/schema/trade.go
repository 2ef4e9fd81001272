package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a swap relative to the base token of a pair.
type Direction string

const (
	// DirectionBuy swaps quote into base.
	DirectionBuy Direction = "buy"
	// DirectionSell swaps base into quote.
	DirectionSell Direction = "sell"
)

// Valid reports whether the direction is tradeable.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// MarketSnapshot is the market state handed to strategy engines each tick.
type MarketSnapshot struct {
	Pair      string            `json:"pair"`
	Price     decimal.Decimal   `json:"price"`
	History   []decimal.Decimal `json:"history"`
	Timestamp time.Time         `json:"timestamp"`
}

// Decision is a strategy engine's verdict for one tick. A zero Size or empty Direction means hold.
type Decision struct {
	Direction      Direction       `json:"direction,omitempty"`
	Size           decimal.Decimal `json:"size"`
	Confidence     float64         `json:"confidence"`
	ExpectedProfit int             `json:"expectedProfitBps"`
	Reason         string          `json:"reason,omitempty"`
}

// Trade reports whether the decision asks for a swap.
func (d Decision) Trade() bool {
	return d.Direction.Valid() && d.Size.IsPositive()
}

// SwapRequest is a single swap submitted on behalf of a beneficiary wallet.
// Beneficiary is bookkeeping only; the shared backing account signs every swap.
type SwapRequest struct {
	Beneficiary string          `json:"beneficiary"`
	Pair        string          `json:"pair"`
	Direction   Direction       `json:"direction"`
	AmountIn    decimal.Decimal `json:"amountIn"`
	SlippageBps int             `json:"slippageBps"`
}

// Quote is the executor's price estimate for a SwapRequest.
type Quote struct {
	Pair        string          `json:"pair"`
	Direction   Direction       `json:"direction"`
	AmountIn    decimal.Decimal `json:"amountIn"`
	ExpectedOut decimal.Decimal `json:"expectedOut"`
	Price       decimal.Decimal `json:"price"`
}

// SwapResult reports what the executor actually did.
type SwapResult struct {
	Success     bool            `json:"success"`
	TxHash      string          `json:"txHash,omitempty"`
	AmountIn    decimal.Decimal `json:"amountIn"`
	ExpectedOut decimal.Decimal `json:"expectedOut"`
	ActualOut   decimal.Decimal `json:"actualOut"`
	Error       string          `json:"error,omitempty"`
}

// Balance is a token holding reported by the executor.
type Balance struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

// TradeRecord is one ledger line: a completed trade attempt executed on behalf of WalletAddress.
type TradeRecord struct {
	ID            string          `json:"id"`
	WalletAddress string          `json:"walletAddress"`
	Beneficiary   string          `json:"beneficiary"`
	SessionID     string          `json:"sessionId"`
	Strategy      string          `json:"strategy"`
	Direction     Direction       `json:"direction"`
	Pair          string          `json:"pair"`
	AmountIn      decimal.Decimal `json:"amountIn"`
	ExpectedOut   decimal.Decimal `json:"expectedOut"`
	ActualOut     decimal.Decimal `json:"actualOut"`
	Profit        decimal.Decimal `json:"profit"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	TxHash        string          `json:"txHash,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   time.Time       `json:"completedAt"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Outcome converts the record into the performance input it represents.
func (r TradeRecord) Outcome() TradeOutcome {
	return TradeOutcome{Success: r.Success, Profit: r.Profit, Volume: r.AmountIn}
}
