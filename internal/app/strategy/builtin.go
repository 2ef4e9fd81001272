package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/stratum/internal/domain/schema"
)

// Built-in strategy names.
const (
	NameHold          = "hold"
	NameMomentum      = "momentum"
	NameMeanReversion = "mean-reversion"
)

const (
	sourceBuiltin        = "builtin"
	momentumTriggerBps   = 20
	momentumFullConfBps  = 200
	builtinStrategyVer   = "1.0.0"
	meanReversionMinimum = 3
)

var bpsScale = decimal.NewFromInt(10_000)

// RegisterBuiltins adds the strategies that ship with the binary.
func RegisterBuiltins(c *Catalog) error {
	defs := []Definition{
		{
			Meta: Metadata{
				Name:        NameHold,
				DisplayName: "Hold",
				Description: "Observes the market and never trades",
				Version:     builtinStrategyVer,
				Source:      sourceBuiltin,
			},
			Factory: func() (Engine, error) { return holdEngine{}, nil },
		},
		{
			Meta: Metadata{
				Name:        NameMomentum,
				DisplayName: "Momentum",
				Description: "Buys rising and sells falling prices over the recent price window",
				Version:     builtinStrategyVer,
				Source:      sourceBuiltin,
			},
			Factory: func() (Engine, error) { return momentumEngine{}, nil },
		},
		{
			Meta: Metadata{
				Name:        NameMeanReversion,
				DisplayName: "Mean Reversion",
				Description: "Trades deviations from the rolling mean; band narrows with risk level",
				Version:     builtinStrategyVer,
				Source:      sourceBuiltin,
			},
			Factory: func() (Engine, error) { return meanReversionEngine{}, nil },
		},
	}
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			return fmt.Errorf("register builtin %s: %w", def.Meta.Name, err)
		}
	}
	return nil
}

type holdEngine struct{}

func (holdEngine) Decide(context.Context, Input) (schema.Decision, error) {
	return schema.Decision{Reason: "hold"}, nil
}

type momentumEngine struct{}

func (momentumEngine) Decide(_ context.Context, in Input) (schema.Decision, error) {
	history := in.Snapshot.History
	if len(history) < 2 || !history[0].IsPositive() {
		return schema.Decision{Reason: "insufficient history"}, nil
	}
	first := history[0]
	last := history[len(history)-1]
	changeBps := last.Sub(first).Div(first).Mul(bpsScale)
	magnitude := changeBps.Abs().IntPart()
	if magnitude < momentumTriggerBps {
		return schema.Decision{Reason: "trend below trigger"}, nil
	}
	direction := schema.DirectionBuy
	if changeBps.IsNegative() {
		direction = schema.DirectionSell
	}
	return schema.Decision{
		Direction:      direction,
		Size:           in.Config.MaxTradeSize,
		Confidence:     confidence(magnitude, momentumFullConfBps),
		ExpectedProfit: int(magnitude),
		Reason:         fmt.Sprintf("trend %dbps", changeBps.IntPart()),
	}, nil
}

type meanReversionEngine struct{}

func (meanReversionEngine) Decide(_ context.Context, in Input) (schema.Decision, error) {
	history := in.Snapshot.History
	if len(history) < meanReversionMinimum {
		return schema.Decision{Reason: "insufficient history"}, nil
	}
	mean := decimal.Avg(history[0], history[1:]...)
	if !mean.IsPositive() {
		return schema.Decision{Reason: "invalid mean"}, nil
	}
	deviationBps := in.Snapshot.Price.Sub(mean).Div(mean).Mul(bpsScale)
	band := reversionBand(in.Config.RiskLevel)
	magnitude := deviationBps.Abs().IntPart()
	if magnitude < band {
		return schema.Decision{Reason: "within band"}, nil
	}
	direction := schema.DirectionSell
	if deviationBps.IsNegative() {
		direction = schema.DirectionBuy
	}
	return schema.Decision{
		Direction:      direction,
		Size:           in.Config.MaxTradeSize,
		Confidence:     confidence(magnitude, band*2),
		ExpectedProfit: int(magnitude),
		Reason:         fmt.Sprintf("deviation %dbps band %dbps", deviationBps.IntPart(), band),
	}, nil
}

func reversionBand(level schema.RiskLevel) int64 {
	switch level {
	case schema.RiskConservative:
		return 150
	case schema.RiskAggressive:
		return 50
	default:
		return 100
	}
}

func confidence(magnitude, full int64) float64 {
	if full <= 0 || magnitude >= full {
		return 1
	}
	return float64(magnitude) / float64(full)
}
