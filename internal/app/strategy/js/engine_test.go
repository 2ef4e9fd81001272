package js

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratum/internal/app/strategy"
	"github.com/coachpo/stratum/internal/domain/schema"
)

const thresholdModule = `
module.exports = {
  metadata: {
    name: "Threshold",
    displayName: "Threshold",
    description: "Buys below a fixed price",
    version: "0.1.0"
  },
  decide: function(input) {
    if (input.price < 100) {
      return {
        direction: "buy",
        size: input.config.maxTradeSize / 2,
        confidence: 0.8,
        expectedProfitBps: input.config.minProfitBps + 5,
        reason: "below " + input.history.length
      };
    }
    return null;
  }
};
`

const spinModule = `
module.exports = {
  metadata: { name: "spin" },
  decide: function() { for (;;) {} }
};
`

const badDirectionModule = `
module.exports = {
  metadata: { name: "sideways" },
  decide: function() { return { direction: "sideways", size: 1 }; }
};
`

func writeModule(t *testing.T, dir, file, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(source), 0o600); err != nil {
		t.Fatalf("write module: %v", err)
	}
}

func loadEngine(t *testing.T, file, source, name string) strategy.Engine {
	t.Helper()
	dir := t.TempDir()
	writeModule(t, dir, file, source)
	loader, err := NewLoader(dir)
	require.NoError(t, err)
	require.NoError(t, loader.Refresh(context.Background()))
	catalog := strategy.NewCatalog()
	require.NoError(t, loader.Register(catalog))
	engine, err := catalog.NewEngine(name)
	require.NoError(t, err)
	return engine
}

func input(price string) strategy.Input {
	return strategy.Input{
		Wallet: "eth|abc",
		Snapshot: schema.MarketSnapshot{
			Pair:      "ETH/USDC",
			Price:     decimal.RequireFromString(price),
			History:   []decimal.Decimal{decimal.NewFromInt(101), decimal.RequireFromString(price)},
			Timestamp: time.Now(),
		},
		Config: schema.DefaultStrategyConfig(),
	}
}

func TestLoaderRegistersModules(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "threshold.js", thresholdModule)
	writeModule(t, dir, "README.md", "not a module")

	loader, err := NewLoader(dir)
	require.NoError(t, err)
	require.NoError(t, loader.Refresh(context.Background()))

	module, err := loader.Get("THRESHOLD")
	require.NoError(t, err)
	require.Equal(t, "threshold", module.Name)
	require.Equal(t, SourceJavaScript, module.Metadata.Source)
	require.Len(t, module.Hash, 64)

	_, err = loader.Get("missing")
	require.ErrorIs(t, err, ErrModuleNotFound)

	catalog := strategy.NewCatalog()
	require.NoError(t, loader.Register(catalog))
	list := catalog.List()
	require.Len(t, list, 1)
	require.Equal(t, "Threshold", list[0].DisplayName)
}

func TestLoaderRejectsDuplicatesAndMissingDecide(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.js", thresholdModule)
	writeModule(t, dir, "b.js", thresholdModule)
	loader, err := NewLoader(dir)
	require.NoError(t, err)
	require.Error(t, loader.Refresh(context.Background()))

	dir = t.TempDir()
	writeModule(t, dir, "meta.js", `module.exports = { metadata: { name: "meta-only" } };`)
	loader, err = NewLoader(dir)
	require.NoError(t, err)
	err = loader.Refresh(context.Background())
	require.ErrorIs(t, err, ErrFunctionMissing)
}

func TestEngineDecides(t *testing.T) {
	engine := loadEngine(t, "threshold.js", thresholdModule, "threshold")

	d, err := engine.Decide(context.Background(), input("99"))
	require.NoError(t, err)
	require.True(t, d.Trade())
	require.Equal(t, schema.DirectionBuy, d.Direction)
	require.True(t, d.Size.Equal(decimal.NewFromInt(5)), "size %s", d.Size)
	require.Equal(t, 55, d.ExpectedProfit)
	require.Equal(t, "below 2", d.Reason)

	hold, err := engine.Decide(context.Background(), input("150"))
	require.NoError(t, err)
	require.False(t, hold.Trade())
}

func TestBundledBreakoutLeavesRiskSizingToRunner(t *testing.T) {
	source, err := os.ReadFile(filepath.Join("..", "..", "..", "..", "strategies", "breakout.js"))
	require.NoError(t, err)
	engine := loadEngine(t, "breakout.js", string(source), "breakout")

	history := make([]decimal.Decimal, 0, 10)
	for i := 0; i < 9; i++ {
		history = append(history, decimal.NewFromInt(int64(100+i%2)))
	}
	history = append(history, decimal.NewFromInt(110))
	for _, level := range []schema.RiskLevel{schema.RiskConservative, schema.RiskModerate, schema.RiskAggressive} {
		cfg := schema.DefaultStrategyConfig()
		cfg.RiskLevel = level
		d, err := engine.Decide(context.Background(), strategy.Input{
			Wallet:   "eth|abc",
			Snapshot: schema.MarketSnapshot{Pair: "ETH/USDC", Price: decimal.NewFromInt(110), History: history, Timestamp: time.Now()},
			Config:   cfg,
		})
		require.NoError(t, err)
		require.Equal(t, schema.DirectionBuy, d.Direction)
		require.True(t, d.Size.Equal(cfg.MaxTradeSize), "risk %s size %s", level, d.Size)
	}
}

func TestEngineInterruptsOnDeadline(t *testing.T) {
	engine := loadEngine(t, "spin.js", spinModule, "spin")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := engine.Decide(ctx, input("99"))
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
}

func TestEngineRejectsUnknownDirection(t *testing.T) {
	engine := loadEngine(t, "sideways.js", badDirectionModule, "sideways")
	_, err := engine.Decide(context.Background(), input("99"))
	require.Error(t, err)
}

func TestEnginesAreIsolated(t *testing.T) {
	const counter = `
var calls = 0;
module.exports = {
  metadata: { name: "counter" },
  decide: function() { calls++; return { reason: String(calls) }; }
};
`
	dir := t.TempDir()
	writeModule(t, dir, "counter.js", counter)
	loader, err := NewLoader(dir)
	require.NoError(t, err)
	require.NoError(t, loader.Refresh(context.Background()))
	module, err := loader.Get("counter")
	require.NoError(t, err)

	first, err := NewEngine(module)
	require.NoError(t, err)
	second, err := NewEngine(module)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = first.Decide(context.Background(), input("1"))
		require.NoError(t, err)
	}
	d, err := second.Decide(context.Background(), input("1"))
	require.NoError(t, err)
	require.Equal(t, "1", d.Reason)
}
