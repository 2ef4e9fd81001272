package schema

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratum/errs"
)

func TestParseConfigPatchAcceptsRecognisedKeys(t *testing.T) {
	patch, err := ParseConfigPatch(map[string]any{
		"minProfitBps": float64(50),
		"slippageBps":  float64(100),
		"maxTradeSize": float64(10),
		"riskLevel":    "Conservative",
	})
	require.NoError(t, err)

	cfg, err := DefaultStrategyConfig().Apply(patch)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.MinProfitBps)
	require.Equal(t, 100, cfg.SlippageBps)
	require.True(t, cfg.MaxTradeSize.Equal(decimal.NewFromInt(10)))
	require.Equal(t, RiskConservative, cfg.RiskLevel)
}

func TestParseConfigPatchRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
	}{
		{name: "unknown key", raw: map[string]any{"leverage": float64(3)}},
		{name: "fractional bps", raw: map[string]any{"minProfitBps": 1.5}},
		{name: "string bps", raw: map[string]any{"slippageBps": "100"}},
		{name: "bad risk", raw: map[string]any{"riskLevel": "yolo"}},
		{name: "non-string risk", raw: map[string]any{"riskLevel": float64(1)}},
		{name: "bad size", raw: map[string]any{"maxTradeSize": "ten"}},
		{name: "huge float bps", raw: map[string]any{"minProfitBps": 1e30}},
		{name: "huge negative float bps", raw: map[string]any{"slippageBps": -1e19}},
		{name: "huge int64 bps", raw: map[string]any{"minProfitBps": int64(1) << 40}},
		{name: "huge number bps", raw: map[string]any{"minProfitBps": json.Number("99999999999")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfigPatch(tc.raw)
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.CodeInvalidConfig), "unexpected error: %v", err)
		})
	}
}

func TestApplyRejectsOutOfRangeWithoutMutation(t *testing.T) {
	base := DefaultStrategyConfig()
	negative := -1
	zero := decimal.Zero

	for name, patch := range map[string]ConfigPatch{
		"negative profit":   {MinProfitBps: &negative},
		"negative slippage": {SlippageBps: &negative},
		"zero size":         {MaxTradeSize: &zero},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := base.Apply(patch)
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.CodeInvalidConfig))
			require.Equal(t, base, got)
		})
	}
}

func TestStrategyConfigJSONRoundTripUsesNumbers(t *testing.T) {
	cfg := DefaultStrategyConfig()
	cfg.MaxTradeSize = decimal.RequireFromString("2.5")

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.JSONEq(t, `{"minProfitBps":50,"slippageBps":100,"maxTradeSize":2.5,"riskLevel":"moderate"}`, string(data))

	var decoded StrategyConfig
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, decoded.MaxTradeSize.Equal(cfg.MaxTradeSize))
	require.Equal(t, cfg.RiskLevel, decoded.RiskLevel)
}

func TestRiskLevelSizeFactor(t *testing.T) {
	if !RiskConservative.SizeFactor().Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected conservative factor %s", RiskConservative.SizeFactor())
	}
	if !RiskAggressive.SizeFactor().Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected aggressive factor %s", RiskAggressive.SizeFactor())
	}
	if RiskLevel("other").Valid() {
		t.Fatal("expected unknown risk level to be invalid")
	}
}
