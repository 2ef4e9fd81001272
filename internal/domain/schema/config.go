package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/stratum/errs"
)

// Recognised strategy configuration keys.
const (
	ConfigKeyMinProfitBps = "minProfitBps"
	ConfigKeySlippageBps  = "slippageBps"
	ConfigKeyMaxTradeSize = "maxTradeSize"
	ConfigKeyRiskLevel    = "riskLevel"
)

const maxBasisPoints = 10_000

// RiskLevel scales position sizing heuristics.
type RiskLevel string

const (
	// RiskConservative sizes positions at a quarter of the cap.
	RiskConservative RiskLevel = "conservative"
	// RiskModerate sizes positions at half of the cap.
	RiskModerate RiskLevel = "moderate"
	// RiskAggressive sizes positions at the full cap.
	RiskAggressive RiskLevel = "aggressive"
)

// Valid reports whether the risk level is one of the recognised values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskConservative, RiskModerate, RiskAggressive:
		return true
	default:
		return false
	}
}

// SizeFactor returns the fraction of maxTradeSize a decision may use.
func (r RiskLevel) SizeFactor() decimal.Decimal {
	switch r {
	case RiskConservative:
		return decimal.NewFromFloat(0.25)
	case RiskAggressive:
		return decimal.NewFromInt(1)
	default:
		return decimal.NewFromFloat(0.5)
	}
}

// StrategyConfig is the validated per-session strategy configuration.
type StrategyConfig struct {
	MinProfitBps int             `json:"minProfitBps"`
	SlippageBps  int             `json:"slippageBps"`
	MaxTradeSize decimal.Decimal `json:"maxTradeSize"`
	RiskLevel    RiskLevel       `json:"riskLevel"`
}

// DefaultStrategyConfig returns the configuration applied before any caller overrides.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		MinProfitBps: 50,
		SlippageBps:  100,
		MaxTradeSize: decimal.NewFromInt(10),
		RiskLevel:    RiskModerate,
	}
}

// Validate checks every field range.
func (c StrategyConfig) Validate() error {
	if c.MinProfitBps < 0 {
		return invalidConfig(ConfigKeyMinProfitBps, "minProfitBps must be >= 0")
	}
	if c.SlippageBps < 0 || c.SlippageBps > maxBasisPoints {
		return invalidConfig(ConfigKeySlippageBps, fmt.Sprintf("slippageBps must be between 0 and %d", maxBasisPoints))
	}
	if !c.MaxTradeSize.IsPositive() {
		return invalidConfig(ConfigKeyMaxTradeSize, "maxTradeSize must be > 0")
	}
	if !c.RiskLevel.Valid() {
		return invalidConfig(ConfigKeyRiskLevel, "riskLevel must be one of conservative, moderate, aggressive")
	}
	return nil
}

// Apply merges the patch over the receiver and validates the result.
func (c StrategyConfig) Apply(patch ConfigPatch) (StrategyConfig, error) {
	next := c
	if patch.MinProfitBps != nil {
		next.MinProfitBps = *patch.MinProfitBps
	}
	if patch.SlippageBps != nil {
		next.SlippageBps = *patch.SlippageBps
	}
	if patch.MaxTradeSize != nil {
		next.MaxTradeSize = *patch.MaxTradeSize
	}
	if patch.RiskLevel != nil {
		next.RiskLevel = *patch.RiskLevel
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

// MarshalJSON renders maxTradeSize as a JSON number.
func (c StrategyConfig) MarshalJSON() ([]byte, error) {
	size := c.MaxTradeSize.String()
	return json.Marshal(struct {
		MinProfitBps int             `json:"minProfitBps"`
		SlippageBps  int             `json:"slippageBps"`
		MaxTradeSize json.RawMessage `json:"maxTradeSize"`
		RiskLevel    RiskLevel       `json:"riskLevel"`
	}{
		MinProfitBps: c.MinProfitBps,
		SlippageBps:  c.SlippageBps,
		MaxTradeSize: json.RawMessage(size),
		RiskLevel:    c.RiskLevel,
	})
}

// UnmarshalJSON decodes a config, filling missing keys from DefaultStrategyConfig.
func (c *StrategyConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode strategy config: %w", err)
	}
	patch, err := ParseConfigPatch(raw)
	if err != nil {
		return err
	}
	next, err := DefaultStrategyConfig().Apply(patch)
	if err != nil {
		return err
	}
	*c = next
	return nil
}

// ConfigPatch holds a partial configuration; nil fields leave the current value untouched.
type ConfigPatch struct {
	MinProfitBps *int
	SlippageBps  *int
	MaxTradeSize *decimal.Decimal
	RiskLevel    *RiskLevel
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p.MinProfitBps == nil && p.SlippageBps == nil && p.MaxTradeSize == nil && p.RiskLevel == nil
}

// ParseConfigPatch decodes loosely typed input, rejecting unknown keys and mistyped values.
func ParseConfigPatch(raw map[string]any) (ConfigPatch, error) {
	var patch ConfigPatch
	if len(raw) == 0 {
		return patch, nil
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		switch key {
		case ConfigKeyMinProfitBps:
			n, err := intValue(key, value)
			if err != nil {
				return ConfigPatch{}, err
			}
			patch.MinProfitBps = &n
		case ConfigKeySlippageBps:
			n, err := intValue(key, value)
			if err != nil {
				return ConfigPatch{}, err
			}
			patch.SlippageBps = &n
		case ConfigKeyMaxTradeSize:
			d, err := decimalValue(key, value)
			if err != nil {
				return ConfigPatch{}, err
			}
			patch.MaxTradeSize = &d
		case ConfigKeyRiskLevel:
			text, ok := value.(string)
			if !ok {
				return ConfigPatch{}, invalidConfig(key, "riskLevel must be a string")
			}
			level := RiskLevel(strings.ToLower(strings.TrimSpace(text)))
			if !level.Valid() {
				return ConfigPatch{}, invalidConfig(key, "riskLevel must be one of conservative, moderate, aggressive")
			}
			patch.RiskLevel = &level
		default:
			return ConfigPatch{}, invalidConfig(key, fmt.Sprintf("unknown config key %q", key))
		}
	}
	return patch, nil
}

func intValue(key string, value any) (int, error) {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return 0, invalidConfig(key, key+" must be an integer")
		}
		// float to int conversion of out-of-range values is platform dependent
		if math.Abs(v) > math.MaxInt32 {
			return 0, invalidConfig(key, key+" is out of range")
		}
		n = int64(v)
	case json.Number:
		parsed, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			return 0, invalidConfig(key, key+" must be an integer")
		}
		n = parsed
	default:
		return 0, invalidConfig(key, key+" must be an integer")
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0, invalidConfig(key, key+" is out of range")
	}
	return int(n), nil
}

func decimalValue(key string, value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, invalidConfig(key, key+" must be a finite number")
		}
		return decimal.NewFromFloat(v), nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, invalidConfig(key, key+" must be a number")
		}
		return d, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, invalidConfig(key, key+" must be a number")
		}
		return d, nil
	default:
		return decimal.Zero, invalidConfig(key, key+" must be a number")
	}
}

func invalidConfig(key, message string) error {
	return errs.New("schema/config", errs.CodeInvalidConfig, errs.WithMessage(message), errs.WithField("key", key))
}
