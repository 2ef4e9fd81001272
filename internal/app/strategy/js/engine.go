package js

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/coachpo/stratum/internal/app/strategy"
	"github.com/coachpo/stratum/internal/domain/schema"
)

// Engine runs one module's decide export inside a private goja runtime.
type Engine struct {
	module *Module

	mu     sync.Mutex
	rt     *goja.Runtime
	decide goja.Callable
}

// jsDecision is the shape decide must return; undefined or null means hold.
type jsDecision struct {
	Direction         string  `json:"direction"`
	Size              float64 `json:"size"`
	Confidence        float64 `json:"confidence"`
	ExpectedProfitBps float64 `json:"expectedProfitBps"`
	Reason            string  `json:"reason"`
}

// NewEngine evaluates the module in a fresh runtime.
func NewEngine(module *Module) (*Engine, error) {
	if module == nil {
		return nil, fmt.Errorf("strategy engine: module required")
	}
	rt := goja.New()
	exports, err := runModule(rt, module.Program)
	if err != nil {
		return nil, fmt.Errorf("strategy engine: execute %s: %w", module.Path, err)
	}
	decide, ok := goja.AssertFunction(exports.Get("decide"))
	if !ok {
		return nil, fmt.Errorf("strategy engine %s: %w", module.Name, ErrFunctionMissing)
	}
	return &Engine{module: module, rt: rt, decide: decide}, nil
}

// Decide calls decide(input). A canceled ctx interrupts the script.
func (e *Engine) Decide(ctx context.Context, in strategy.Input) (schema.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return schema.Decision{}, err
	}
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		e.rt.Interrupt(ctx.Err())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
		e.rt.ClearInterrupt()
	}()

	value, err := e.decide(goja.Undefined(), e.rt.ToValue(scriptInput(in)))
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return schema.Decision{}, fmt.Errorf("strategy %s: decide interrupted: %w", e.module.Name, ctx.Err())
		}
		return schema.Decision{}, fmt.Errorf("strategy %s: decide: %w", e.module.Name, err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return schema.Decision{Reason: "hold"}, nil
	}
	var out jsDecision
	if err := e.rt.ExportTo(value, &out); err != nil {
		return schema.Decision{}, fmt.Errorf("strategy %s: decision invalid: %w", e.module.Name, err)
	}
	return out.toDecision(e.module.Name)
}

func (d jsDecision) toDecision(name string) (schema.Decision, error) {
	direction := schema.Direction(strings.ToLower(strings.TrimSpace(d.Direction)))
	if direction == "" || d.Size == 0 {
		return schema.Decision{Reason: d.Reason}, nil
	}
	if !direction.Valid() {
		return schema.Decision{}, fmt.Errorf("strategy %s: unknown direction %q", name, d.Direction)
	}
	if d.Size < 0 {
		return schema.Decision{}, fmt.Errorf("strategy %s: negative size", name)
	}
	return schema.Decision{
		Direction:      direction,
		Size:           decimal.NewFromFloat(d.Size),
		Confidence:     d.Confidence,
		ExpectedProfit: int(d.ExpectedProfitBps),
		Reason:         d.Reason,
	}, nil
}

func scriptInput(in strategy.Input) map[string]any {
	history := make([]float64, len(in.Snapshot.History))
	for i, price := range in.Snapshot.History {
		history[i] = price.InexactFloat64()
	}
	return map[string]any{
		"walletAddress": in.Wallet,
		"pair":          in.Snapshot.Pair,
		"price":         in.Snapshot.Price.InexactFloat64(),
		"history":       history,
		"timestamp":     in.Snapshot.Timestamp.UnixMilli(),
		"config": map[string]any{
			schema.ConfigKeyMinProfitBps: in.Config.MinProfitBps,
			schema.ConfigKeySlippageBps:  in.Config.SlippageBps,
			schema.ConfigKeyMaxTradeSize: in.Config.MaxTradeSize.InexactFloat64(),
			schema.ConfigKeyRiskLevel:    string(in.Config.RiskLevel),
		},
	}
}
