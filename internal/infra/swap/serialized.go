package swap

import (
	"context"

	"github.com/coachpo/stratum/internal/domain/schema"
)

// Executor quotes and executes swaps against the shared backing account.
type Executor interface {
	GetQuote(ctx context.Context, req schema.SwapRequest) (schema.Quote, error)
	ExecuteSwap(ctx context.Context, req schema.SwapRequest, quote schema.Quote) (schema.SwapResult, error)
	GetBalances(ctx context.Context) ([]schema.Balance, error)
}

// Serialized funnels every swap through one process-wide queue, for execution layers
// that require strictly sequential nonces.
type Serialized struct {
	next Executor
	slot chan struct{}
}

// NewSerialized wraps next.
func NewSerialized(next Executor) *Serialized {
	return &Serialized{next: next, slot: make(chan struct{}, 1)}
}

// GetQuote delegates without queueing.
func (s *Serialized) GetQuote(ctx context.Context, req schema.SwapRequest) (schema.Quote, error) {
	return s.next.GetQuote(ctx, req)
}

// ExecuteSwap waits for the queue; a done ctx abandons the wait.
func (s *Serialized) ExecuteSwap(ctx context.Context, req schema.SwapRequest, quote schema.Quote) (schema.SwapResult, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return schema.SwapResult{}, ctx.Err()
	}
	defer func() { <-s.slot }()
	return s.next.ExecuteSwap(ctx, req, quote)
}

// GetBalances delegates without queueing.
func (s *Serialized) GetBalances(ctx context.Context) ([]schema.Balance, error) {
	return s.next.GetBalances(ctx)
}
