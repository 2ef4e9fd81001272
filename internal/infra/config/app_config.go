// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written in YAML as a Go duration string such as "30s".
type Duration time.Duration

// UnmarshalYAML parses duration strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MetaConfig identifies the deployment.
type MetaConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIServerConfig configures the HTTP surface.
type APIServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// WebSocketConfig configures client sockets.
type WebSocketConfig struct {
	// AllowAddressAuth lets clients authenticate with a wallet address instead of a session id.
	AllowAddressAuth  bool     `yaml:"allowAddressAuth"`
	ReadLimitBytes    int64    `yaml:"readLimitBytes"`
	MessagesPerSecond float64  `yaml:"messagesPerSecond"`
	MessageBurst      int      `yaml:"messageBurst"`
	WriteTimeout      Duration `yaml:"writeTimeout"`
	OriginPatterns    []string `yaml:"originPatterns"`
	DeliveryWorkers   int      `yaml:"deliveryWorkers"`
}

// RunnerConfig tunes the strategy loops.
type RunnerConfig struct {
	Pair                   string   `yaml:"pair"`
	PollInterval           Duration `yaml:"pollInterval"`
	SwapTimeout            Duration `yaml:"swapTimeout"`
	DecideTimeout          Duration `yaml:"decideTimeout"`
	BackoffInitial         Duration `yaml:"backoffInitial"`
	BackoffMax             Duration `yaml:"backoffMax"`
	MaxConsecutiveFailures int      `yaml:"maxConsecutiveFailures"`
	TradesPerMinute        float64  `yaml:"tradesPerMinute"`
	TradeBurst             int      `yaml:"tradeBurst"`
	ApprovalThreshold      string   `yaml:"approvalThreshold"`
	// SerializeExecution funnels every swap through one process-wide queue.
	SerializeExecution bool     `yaml:"serializeExecution"`
	MaxActiveSessions  int      `yaml:"maxActiveSessions"`
	StopTimeout        Duration `yaml:"stopTimeout"`
	RestoreOnStart     bool     `yaml:"restoreOnStart"`
}

// ApprovalThresholdValue parses ApprovalThreshold; empty means disabled.
func (c RunnerConfig) ApprovalThresholdValue() (decimal.Decimal, error) {
	text := strings.TrimSpace(c.ApprovalThreshold)
	if text == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(text)
}

// LedgerConfig locates the trade ledger.
type LedgerConfig struct {
	Directory    string `yaml:"directory"`
	SyncWrites   bool   `yaml:"syncWrites"`
	MaxReadLimit int    `yaml:"maxReadLimit"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// OracleConfig drives the countdown service.
type OracleConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Interval      Duration `yaml:"interval"`
	CycleSeconds  int      `yaml:"cycleSeconds"`
	RevealSeconds int      `yaml:"revealSeconds"`
}

// Market feed modes.
const (
	MarketModePaper  = "paper"
	MarketModeStream = "stream"
)

// MarketConfig selects and tunes the price feed.
type MarketConfig struct {
	Mode       string            `yaml:"mode"`
	BasePrices map[string]string `yaml:"basePrices"`
	Interval   Duration          `yaml:"interval"`
	Volatility float64           `yaml:"volatility"`
	Drift      float64           `yaml:"drift"`
	History    int               `yaml:"history"`
	Seed       uint64            `yaml:"seed"`
	StreamURL  string            `yaml:"streamUrl"`
	// Subscribe is a raw JSON message sent after each stream connect.
	Subscribe string `yaml:"subscribe"`
}

// BasePriceValues parses BasePrices.
func (c MarketConfig) BasePriceValues() (map[string]decimal.Decimal, error) {
	return parseDecimalMap("market.basePrices", c.BasePrices)
}

// SwapConfig tunes the paper swap executor.
type SwapConfig struct {
	FeeBps          int               `yaml:"feeBps"`
	MaxSlippageBps  int               `yaml:"maxSlippageBps"`
	FailureRate     float64           `yaml:"failureRate"`
	Latency         Duration          `yaml:"latency"`
	InitialBalances map[string]string `yaml:"initialBalances"`
	Seed            uint64            `yaml:"seed"`
}

// InitialBalanceValues parses InitialBalances.
func (c SwapConfig) InitialBalanceValues() (map[string]decimal.Decimal, error) {
	return parseDecimalMap("swap.initialBalances", c.InitialBalances)
}

// StrategiesConfig defines where JavaScript strategy sources are discovered.
type StrategiesConfig struct {
	Directory string `yaml:"directory"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified stratum application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Meta        MetaConfig       `yaml:"meta"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
	WebSocket   WebSocketConfig  `yaml:"websocket"`
	Runner      RunnerConfig     `yaml:"runner"`
	Ledger      LedgerConfig     `yaml:"ledger"`
	Eventbus    EventbusConfig   `yaml:"eventbus"`
	Oracle      OracleConfig     `yaml:"oracle"`
	Market      MarketConfig     `yaml:"market"`
	Swap        SwapConfig       `yaml:"swap"`
	Strategies  StrategiesConfig `yaml:"strategies"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// Default returns a complete development configuration.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Oracle:      OracleConfig{Enabled: true},
		Runner:      RunnerConfig{RestoreOnStart: true},
		Telemetry:   TelemetryConfig{EnableMetrics: true},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{
		Oracle:    OracleConfig{Enabled: true},
		Runner:    RunnerConfig{RestoreOnStart: true},
		Telemetry: TelemetryConfig{EnableMetrics: true},
	}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), false, nil
	}
	if _, err := os.Stat(filepath.Clean(strings.TrimSpace(configPath))); err != nil {
		if os.IsNotExist(err) {
			return Default(), false, nil
		}
		return AppConfig{}, false, fmt.Errorf("stat app config: %w", err)
	}
	cfg, err := Load(ctx, configPath)
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Meta.Name = strings.TrimSpace(c.Meta.Name)
	if c.Meta.Name == "" {
		c.Meta.Name = "stratum"
	}
	c.Meta.Version = strings.TrimSpace(c.Meta.Version)

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	defaultDuration(&c.APIServer.ShutdownTimeout, 30*time.Second)

	if c.WebSocket.ReadLimitBytes <= 0 {
		c.WebSocket.ReadLimitBytes = 64 << 10
	}
	if c.WebSocket.MessagesPerSecond <= 0 {
		c.WebSocket.MessagesPerSecond = 10
	}
	if c.WebSocket.MessageBurst <= 0 {
		c.WebSocket.MessageBurst = 20
	}
	defaultDuration(&c.WebSocket.WriteTimeout, 5*time.Second)
	if c.WebSocket.DeliveryWorkers <= 0 {
		c.WebSocket.DeliveryWorkers = 8
	}

	c.Runner.Pair = strings.ToUpper(strings.TrimSpace(c.Runner.Pair))
	if c.Runner.Pair == "" {
		c.Runner.Pair = "ETH/USDC"
	}
	defaultDuration(&c.Runner.PollInterval, 30*time.Second)
	defaultDuration(&c.Runner.SwapTimeout, 30*time.Second)
	defaultDuration(&c.Runner.DecideTimeout, 10*time.Second)
	defaultDuration(&c.Runner.BackoffInitial, time.Second)
	defaultDuration(&c.Runner.BackoffMax, time.Minute)
	defaultDuration(&c.Runner.StopTimeout, 45*time.Second)
	if c.Runner.TradeBurst <= 0 {
		c.Runner.TradeBurst = 1
	}

	ledgerDir := strings.TrimSpace(c.Ledger.Directory)
	if ledgerDir == "" {
		ledgerDir = "logs"
	}
	c.Ledger.Directory = filepath.Clean(ledgerDir)

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 1024
	}

	defaultDuration(&c.Oracle.Interval, time.Second)
	if c.Oracle.CycleSeconds <= 0 {
		c.Oracle.CycleSeconds = 60
	}
	if c.Oracle.RevealSeconds <= 0 {
		c.Oracle.RevealSeconds = 5
	}

	c.Market.Mode = strings.ToLower(strings.TrimSpace(c.Market.Mode))
	if c.Market.Mode == "" {
		c.Market.Mode = MarketModePaper
	}
	defaultDuration(&c.Market.Interval, time.Second)
	c.Market.StreamURL = strings.TrimSpace(c.Market.StreamURL)
	if c.Market.History <= 0 {
		c.Market.History = 32
	}
	if len(c.Market.BasePrices) == 0 {
		c.Market.BasePrices = map[string]string{c.Runner.Pair: "2000"}
	}

	if c.Swap.FeeBps == 0 {
		c.Swap.FeeBps = 30
	}
	if c.Swap.MaxSlippageBps == 0 {
		c.Swap.MaxSlippageBps = 50
	}

	strategyDir := strings.TrimSpace(c.Strategies.Directory)
	if strategyDir == "" {
		strategyDir = "strategies"
	}
	c.Strategies.Directory = filepath.Clean(strategyDir)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.Meta.Name
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.WebSocket.AllowAddressAuth && c.Environment == EnvProd {
		return fmt.Errorf("websocket allowAddressAuth is not permitted in prod")
	}

	if c.Runner.BackoffMax < c.Runner.BackoffInitial {
		return fmt.Errorf("runner backoffMax must be >= backoffInitial")
	}
	if c.Runner.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("runner maxConsecutiveFailures must be >= 0")
	}
	if c.Runner.TradesPerMinute < 0 {
		return fmt.Errorf("runner tradesPerMinute must be >= 0")
	}
	if c.Runner.MaxActiveSessions < 0 {
		return fmt.Errorf("runner maxActiveSessions must be >= 0")
	}
	threshold, err := c.Runner.ApprovalThresholdValue()
	if err != nil {
		return fmt.Errorf("runner approvalThreshold: %w", err)
	}
	if threshold.IsNegative() {
		return fmt.Errorf("runner approvalThreshold must be >= 0")
	}

	if c.Ledger.MaxReadLimit < 0 {
		return fmt.Errorf("ledger maxReadLimit must be >= 0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}
	if c.Oracle.RevealSeconds >= c.Oracle.CycleSeconds {
		return fmt.Errorf("oracle revealSeconds must be < cycleSeconds")
	}

	switch c.Market.Mode {
	case MarketModePaper:
		if _, err := c.Market.BasePriceValues(); err != nil {
			return err
		}
	case MarketModeStream:
		if c.Market.StreamURL == "" {
			return fmt.Errorf("market streamUrl required in stream mode")
		}
	default:
		return fmt.Errorf("market mode must be one of paper, stream")
	}
	if c.Market.Volatility < 0 {
		return fmt.Errorf("market volatility must be >= 0")
	}

	if c.Swap.FeeBps < 0 || c.Swap.FeeBps >= 10_000 {
		return fmt.Errorf("swap feeBps must be within [0, 10000)")
	}
	if c.Swap.MaxSlippageBps < 0 {
		return fmt.Errorf("swap maxSlippageBps must be >= 0")
	}
	if c.Swap.FailureRate < 0 || c.Swap.FailureRate > 1 {
		return fmt.Errorf("swap failureRate must be within [0, 1]")
	}
	if _, err := c.Swap.InitialBalanceValues(); err != nil {
		return err
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func defaultDuration(d *Duration, fallback time.Duration) {
	if *d <= 0 {
		*d = Duration(fallback)
	}
}

func parseDecimalMap(field string, raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for key, value := range raw {
		parsed, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%s[%s]: %w", field, key, err)
		}
		out[strings.ToUpper(strings.TrimSpace(key))] = parsed
	}
	return out, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
