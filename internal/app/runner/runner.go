// Package runner drives the per-wallet strategy execution loop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/stratum/errs"
	"github.com/coachpo/stratum/internal/app/strategy"
	"github.com/coachpo/stratum/internal/domain/schema"
	"github.com/coachpo/stratum/internal/domain/session"
	"github.com/coachpo/stratum/internal/telemetry"
)

const (
	defaultPollInterval   = 30 * time.Second
	defaultSwapTimeout    = 30 * time.Second
	defaultDecideTimeout  = 10 * time.Second
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = time.Minute
	defaultPair           = "ETH/USDC"

	// ReasonCircuitOpen marks a session paused after repeated failed ticks.
	ReasonCircuitOpen = "circuit_open"
	// ReasonApprovalThreshold explains trade approval requests.
	ReasonApprovalThreshold = "trade size exceeds approval threshold"
)

// SwapExecutor quotes and executes swaps on behalf of a beneficiary wallet.
type SwapExecutor interface {
	GetQuote(ctx context.Context, req schema.SwapRequest) (schema.Quote, error)
	ExecuteSwap(ctx context.Context, req schema.SwapRequest, quote schema.Quote) (schema.SwapResult, error)
	GetBalances(ctx context.Context) ([]schema.Balance, error)
}

// TradeLedger persists completed trade attempts.
type TradeLedger interface {
	Append(ctx context.Context, rec schema.TradeRecord) error
}

// MarketFeed supplies market snapshots.
type MarketFeed interface {
	Snapshot(ctx context.Context, pair string) (schema.MarketSnapshot, error)
}

// Publisher emits change events.
type Publisher interface {
	Publish(ctx context.Context, evt *schema.Event) error
}

// Config tunes every loop started by a Runner.
type Config struct {
	Pair          string
	PollInterval  time.Duration
	SwapTimeout   time.Duration
	DecideTimeout time.Duration
	// BackoffInitial and BackoffMax bound the delay after a failed tick.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxConsecutiveFailures pauses a session after that many failed ticks; zero never pauses.
	MaxConsecutiveFailures int
	// TradesPerMinute throttles swaps per wallet; zero is unlimited.
	TradesPerMinute float64
	TradeBurst      int
	// ApprovalThreshold triggers an approval request for conservative sessions; zero disables.
	ApprovalThreshold decimal.Decimal
}

func (c Config) normalize() Config {
	if strings.TrimSpace(c.Pair) == "" {
		c.Pair = defaultPair
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SwapTimeout <= 0 {
		c.SwapTimeout = defaultSwapTimeout
	}
	if c.DecideTimeout <= 0 {
		c.DecideTimeout = defaultDecideTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = defaultBackoffMax
		if c.BackoffMax < c.BackoffInitial {
			c.BackoffMax = c.BackoffInitial
		}
	}
	if c.TradeBurst <= 0 {
		c.TradeBurst = 1
	}
	return c
}

// Deps are the collaborators every loop shares.
type Deps struct {
	Executor  SwapExecutor
	Ledger    TradeLedger
	Feed      MarketFeed
	Publisher Publisher
	Logger    *log.Logger
}

// Job identifies one loop: the session, the id it was started under and its engine.
type Job struct {
	Session   *session.Session
	SessionID string
	Strategy  string
	Engine    strategy.Engine
}

// Runner executes strategy loops. Trades for one wallet never overlap; different wallets run concurrently.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *log.Logger
	clock  func() time.Time

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	limiters map[string]*rate.Limiter

	tickCounter     metric.Int64Counter
	tradeCounter    metric.Int64Counter
	failureCounter  metric.Int64Counter
	circuitCounter  metric.Int64Counter
	swapDuration    metric.Float64Histogram
	tickDuration    metric.Float64Histogram
	activeLoopGauge metric.Int64UpDownCounter
}

// errStopped ends a loop without counting as a failure.
var errStopped = errors.New("session no longer current")

// New validates deps and constructs a Runner.
func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Executor == nil || deps.Ledger == nil || deps.Feed == nil || deps.Publisher == nil {
		return nil, fmt.Errorf("runner: executor, ledger, feed and publisher are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "runner ", log.LstdFlags|log.Lmicroseconds)
	}
	r := &Runner{
		cfg:      cfg.normalize(),
		deps:     deps,
		logger:   logger,
		clock:    time.Now,
		locks:    make(map[string]*sync.Mutex),
		limiters: make(map[string]*rate.Limiter),
	}

	meter := otel.Meter("runner")
	r.tickCounter, _ = meter.Int64Counter("runner.ticks",
		metric.WithDescription("Number of strategy loop ticks"),
		metric.WithUnit("{tick}"))
	r.tradeCounter, _ = meter.Int64Counter("runner.trades",
		metric.WithDescription("Number of trade attempts"),
		metric.WithUnit("{trade}"))
	r.failureCounter, _ = meter.Int64Counter("runner.failures",
		metric.WithDescription("Number of failed ticks"),
		metric.WithUnit("{tick}"))
	r.circuitCounter, _ = meter.Int64Counter("runner.circuit.opened",
		metric.WithDescription("Number of sessions paused by the failure circuit"),
		metric.WithUnit("{session}"))
	r.swapDuration, _ = meter.Float64Histogram(telemetry.MetricSwapDuration,
		metric.WithDescription("Latency of quote plus swap execution"),
		metric.WithUnit("ms"))
	r.tickDuration, _ = meter.Float64Histogram(telemetry.MetricTickDuration,
		metric.WithDescription("Latency of one loop tick"),
		metric.WithUnit("ms"))
	r.activeLoopGauge, _ = meter.Int64UpDownCounter("runner.loops.active",
		metric.WithDescription("Number of running strategy loops"),
		metric.WithUnit("{loop}"))
	return r, nil
}

// Config returns the normalized runner configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Run drives job until ctx is done or the session is stopped or reassigned.
func (r *Runner) Run(ctx context.Context, job Job) {
	wallet := job.Session.Wallet()
	env := telemetry.Environment()
	r.activeLoopGauge.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrEnvironment.String(env)))
	defer r.activeLoopGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.AttrEnvironment.String(env)))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.BackoffInitial
	bo.MaxInterval = r.cfg.BackoffMax

	failures := 0
	for {
		if ctx.Err() != nil || !job.Session.Matches(job.SessionID) {
			return
		}
		start := r.clock()
		err := r.tick(ctx, job)
		r.tickDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(telemetry.StrategyAttributes(env, job.Strategy, resultOf(err))...))
		r.tickCounter.Add(ctx, 1, metric.WithAttributes(telemetry.StrategyAttributes(env, job.Strategy, resultOf(err))...))

		wait := r.cfg.PollInterval
		switch {
		case errors.Is(err, errStopped):
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			failures++
			r.failureCounter.Add(ctx, 1, metric.WithAttributes(telemetry.StrategyAttributes(env, job.Strategy, telemetry.ResultFailure)...))
			r.logger.Printf("wallet %s strategy %s: tick failed (%d consecutive): %v", wallet, job.Strategy, failures, err)
			if r.cfg.MaxConsecutiveFailures > 0 && failures >= r.cfg.MaxConsecutiveFailures {
				r.openCircuit(ctx, job, failures)
				return
			}
			wait = bo.NextBackOff()
			if wait == backoff.Stop {
				wait = r.cfg.BackoffMax
			}
		default:
			failures = 0
			bo.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func resultOf(err error) string {
	if err != nil && !errors.Is(err, errStopped) {
		return telemetry.ResultFailure
	}
	return telemetry.ResultSuccess
}

func (r *Runner) tick(ctx context.Context, job Job) error {
	sess := job.Session
	wallet := sess.Wallet()
	sess.Touch(r.clock().UTC())
	cfg := sess.Config()

	snapshot, err := r.deps.Feed.Snapshot(ctx, r.cfg.Pair)
	if err != nil {
		return executionFailure(wallet, "market snapshot", err)
	}

	decideCtx, cancel := context.WithTimeout(ctx, r.cfg.DecideTimeout)
	decision, err := job.Engine.Decide(decideCtx, strategy.Input{Wallet: wallet, Snapshot: snapshot, Config: cfg})
	cancel()
	if err != nil {
		return executionFailure(wallet, "strategy decision", err)
	}
	if !decision.Trade() {
		return nil
	}
	if decision.ExpectedProfit < cfg.MinProfitBps {
		r.tradeCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.StrategyAttributes(telemetry.Environment(), job.Strategy, telemetry.ResultSkipped)...))
		return nil
	}

	size := decision.Size
	if size.GreaterThan(cfg.MaxTradeSize) {
		size = cfg.MaxTradeSize
	}
	size = size.Mul(cfg.RiskLevel.SizeFactor())
	if !size.IsPositive() {
		return nil
	}
	decision.Size = size

	if err := r.limiter(wallet).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		return executionFailure(wallet, "trade throttle", err)
	}

	lock := r.tradeLock(wallet)
	lock.Lock()
	defer lock.Unlock()
	if !sess.Matches(job.SessionID) {
		return errStopped
	}
	if cfg.RiskLevel == schema.RiskConservative && r.cfg.ApprovalThreshold.IsPositive() && size.GreaterThan(r.cfg.ApprovalThreshold) {
		r.requestApproval(ctx, job, decision)
	}

	rec := r.execute(ctx, job, cfg, decision, snapshot.Pair)
	r.complete(ctx, job, rec)
	if !rec.Success {
		return executionFailure(wallet, "swap", errors.New(rec.Error))
	}
	return nil
}

// execute runs quote and swap under SwapTimeout. A stop request does not cut an in-flight swap short.
func (r *Runner) execute(ctx context.Context, job Job, cfg schema.StrategyConfig, decision schema.Decision, pair string) schema.TradeRecord {
	wallet := job.Session.Wallet()
	if pair == "" {
		pair = r.cfg.Pair
	}
	started := r.clock().UTC()
	rec := schema.TradeRecord{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		Beneficiary:   wallet,
		SessionID:     job.SessionID,
		Strategy:      job.Strategy,
		Direction:     decision.Direction,
		Pair:          pair,
		AmountIn:      decision.Size,
		StartedAt:     started,
	}
	req := schema.SwapRequest{
		Beneficiary: wallet,
		Pair:        pair,
		Direction:   decision.Direction,
		AmountIn:    decision.Size,
		SlippageBps: cfg.SlippageBps,
	}

	swapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SwapTimeout)
	defer cancel()

	result, err := r.swap(swapCtx, req)
	r.swapDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000,
		metric.WithAttributes(telemetry.AttrStrategy.String(job.Strategy), telemetry.AttrDirection.String(string(decision.Direction))))

	completed := r.clock().UTC()
	rec.CompletedAt = completed
	rec.Timestamp = completed
	rec.ExpectedOut = result.ExpectedOut
	rec.ActualOut = result.ActualOut
	rec.TxHash = result.TxHash
	switch {
	case err != nil:
		rec.Error = err.Error()
	case !result.Success:
		rec.Error = result.Error
		if rec.Error == "" {
			rec.Error = "swap failed"
		}
	default:
		rec.Success = true
		rec.Profit = result.ActualOut.Sub(rec.AmountIn)
	}
	outcome := telemetry.ResultSuccess
	if !rec.Success {
		outcome = telemetry.ResultFailure
	}
	r.tradeCounter.Add(ctx, 1, metric.WithAttributes(telemetry.StrategyAttributes(telemetry.Environment(), job.Strategy, outcome)...))
	return rec
}

func (r *Runner) swap(ctx context.Context, req schema.SwapRequest) (schema.SwapResult, error) {
	quote, err := r.deps.Executor.GetQuote(ctx, req)
	if err != nil {
		return schema.SwapResult{}, fmt.Errorf("quote: %w", err)
	}
	result, err := r.deps.Executor.ExecuteSwap(ctx, req, quote)
	if err != nil {
		return result, fmt.Errorf("execute: %w", err)
	}
	if result.ExpectedOut.IsZero() {
		result.ExpectedOut = quote.ExpectedOut
	}
	return result, nil
}

// complete records rec in order: ledger, performance, trade_notification, performance_update.
func (r *Runner) complete(ctx context.Context, job Job, rec schema.TradeRecord) {
	wallet := rec.WalletAddress
	bg := context.WithoutCancel(ctx)
	if err := r.deps.Ledger.Append(bg, rec); err != nil {
		r.logger.Printf("wallet %s: ledger append %s: %v", wallet, rec.ID, err)
	}
	perf := job.Session.RecordTrade(rec)
	r.publish(bg, schema.NewEvent(schema.EventTypeTradeNotification, wallet, schema.TradeNotificationPayload{Trade: rec}))
	r.publish(bg, schema.NewEvent(schema.EventTypePerformanceUpdate, wallet, schema.PerformanceUpdatePayload{
		WalletAddress: wallet,
		Performance:   perf,
	}))
}

func (r *Runner) requestApproval(ctx context.Context, job Job, decision schema.Decision) {
	wallet := job.Session.Wallet()
	r.publish(ctx, schema.NewEvent(schema.EventTypeTradeApprovalRequest, wallet, schema.TradeApprovalRequestPayload{
		RequestID:     uuid.NewString(),
		WalletAddress: wallet,
		Strategy:      job.Strategy,
		Decision:      decision,
		Reason:        ReasonApprovalThreshold,
	}))
}

func (r *Runner) openCircuit(ctx context.Context, job Job, failures int) {
	if !job.Session.Pause(job.SessionID) {
		return
	}
	wallet := job.Session.Wallet()
	r.circuitCounter.Add(ctx, 1, metric.WithAttributes(telemetry.AttrStrategy.String(job.Strategy)))
	r.logger.Printf("wallet %s strategy %s: paused after %d consecutive failures", wallet, job.Strategy, failures)
	r.publish(context.WithoutCancel(ctx), schema.NewEvent(schema.EventTypeStrategyUpdate, wallet, schema.StrategyUpdatePayload{
		WalletAddress: wallet,
		SessionID:     job.SessionID,
		Strategy:      job.Strategy,
		Status:        schema.SessionStatusPaused,
		Reason:        ReasonCircuitOpen,
		Config:        job.Session.Config(),
	}))
}

func (r *Runner) publish(ctx context.Context, evt *schema.Event) {
	if err := r.deps.Publisher.Publish(ctx, evt); err != nil {
		r.logger.Printf("publish %s for %s: %v", evt.Type, evt.Wallet, err)
	}
}

func (r *Runner) tradeLock(wallet string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[wallet]
	if !ok {
		lock = new(sync.Mutex)
		r.locks[wallet] = lock
	}
	return lock
}

func (r *Runner) limiter(wallet string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[wallet]
	if !ok {
		limit := rate.Inf
		if r.cfg.TradesPerMinute > 0 {
			limit = rate.Limit(r.cfg.TradesPerMinute / 60)
		}
		l = rate.NewLimiter(limit, r.cfg.TradeBurst)
		r.limiters[wallet] = l
	}
	return l
}

func executionFailure(wallet, stage string, cause error) error {
	return errs.New("runner/tick", errs.CodeExecutionFailure,
		errs.WithWallet(wallet),
		errs.WithMessage(stage+" failed"),
		errs.WithCause(cause))
}
